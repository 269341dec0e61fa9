package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryThresholdAlert is one breach incident for a (product, location, type)
// tuple. ActiveSlot is 1 while the alert is unresolved and NULL afterwards;
// the unique index over it lets the database reject a second active alert
// while keeping any number of resolved ones.
type InventoryThresholdAlert struct {
	ID             int             `gorm:"primary_key" json:"id"`
	ProductId      int             `gorm:"not null;index;uniqueIndex:uniq_active_alert,priority:1" json:"product_id"`
	LocationId     int             `gorm:"not null;index;uniqueIndex:uniq_active_alert,priority:2" json:"location_id"`
	ThresholdType  ThresholdType   `gorm:"size:20;not null;uniqueIndex:uniq_active_alert,priority:3" json:"threshold_type"`
	ThresholdValue decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"threshold_value"`
	CurrentValue   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_value"`
	Severity       AlertSeverity   `gorm:"size:20;not null;index" json:"severity"`
	IsResolved     bool            `gorm:"not null;default:false;index" json:"is_resolved"`
	ActiveSlot     *int            `gorm:"uniqueIndex:uniq_active_alert,priority:4" json:"-"`
	DetectedAt     time.Time       `gorm:"not null" json:"detected_at"`
	ResolvedAt     *time.Time      `json:"resolved_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (InventoryThresholdAlert) TableName() string {
	return "inventory_threshold_alerts"
}

func ActiveAlertSlot() *int {
	slot := 1
	return &slot
}
