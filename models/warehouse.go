package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Warehouse is a stock location. Capacity is in stock units; zero means unbounded.
type Warehouse struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Name      string          `gorm:"size:100;not null" json:"name"`
	Capacity  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"capacity"`
	IsActive  *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
