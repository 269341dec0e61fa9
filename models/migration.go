package models

import "gorm.io/gorm"

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&IdempotencyKey{},
		&InventoryThresholdAlert{},
		&IntegrationLog{},
		&QueuedEvent{},
		&Product{}, &Warehouse{}, &StockLevel{}, &StockMovement{},
		&WarehouseTask{}, &TaskStatusHistory{},
	)
}
