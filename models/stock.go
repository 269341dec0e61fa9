package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockLevel is the on-hand quantity of a product at a location together with
// the thresholds the inventory monitor checks it against.
type StockLevel struct {
	ID              int             `gorm:"primary_key" json:"id"`
	ProductId       int             `gorm:"not null;uniqueIndex:uniq_stock_level,priority:1" json:"product_id"`
	WarehouseId     int             `gorm:"not null;uniqueIndex:uniq_stock_level,priority:2" json:"warehouse_id"`
	Qty             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	MinQty          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"min_qty"`
	MaxQty          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"max_qty"`
	ExpiresAt       *time.Time      `gorm:"index" json:"expires_at"`
	ExpiryLeadDays  int             `gorm:"not null;default:0" json:"expiry_lead_days"`
	LastMovementRef string          `gorm:"size:100" json:"last_movement_ref"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// StockMovement is the append-only record of applied inventory changes.
type StockMovement struct {
	ID          int             `gorm:"primary_key" json:"id"`
	ProductId   int             `gorm:"index;not null" json:"product_id"`
	WarehouseId int             `gorm:"index;not null" json:"warehouse_id"`
	Qty         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	ClosingQty  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"closing_qty"`
	Reference   string          `gorm:"size:100;index" json:"reference"`
	Description string          `gorm:"size:255" json:"description"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
