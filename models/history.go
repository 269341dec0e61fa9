package models

import "time"

// TaskStatusHistory records warehouse task transitions applied from events.
type TaskStatusHistory struct {
	ID         int        `gorm:"primary_key" json:"id"`
	TaskId     int        `gorm:"index;not null" json:"task_id"`
	FromStatus TaskStatus `gorm:"size:20" json:"from_status"`
	ToStatus   TaskStatus `gorm:"size:20;not null" json:"to_status"`
	ChangedBy  string     `gorm:"size:100" json:"changed_by"`
	Note       string     `gorm:"type:text" json:"note"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// WarehouseTask holds the current status of a task; history rows explain how
// it got there.
type WarehouseTask struct {
	ID          int        `gorm:"primary_key" json:"id"`
	WarehouseId int        `gorm:"index;not null" json:"warehouse_id"`
	Title       string     `gorm:"size:255" json:"title"`
	Status      TaskStatus `gorm:"size:20;not null;index" json:"status"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
