package models

import "time"

const (
	IntegrationLogTypeEvent = "event"
	IntegrationLogTypeAlert = "alert"
)

const (
	EventStatusSuccess    = "success"
	EventStatusDuplicate  = "duplicate"
	EventStatusFailed     = "failed"
	EventStatusRequeued   = "requeued"
	EventStatusDeadLetter = "dead_letter"
)

// IntegrationLog is the append-only event log scanned by the monitor.
// Provider is the event source, Operation the event name.
type IntegrationLog struct {
	ID         int       `gorm:"primary_key" json:"id"`
	Type       string    `gorm:"size:20;not null;index:idx_integration_window,priority:1" json:"type"`
	Provider   string    `gorm:"size:100;not null;index:idx_integration_window,priority:2" json:"provider"`
	Operation  string    `gorm:"size:100;not null;index:idx_integration_window,priority:3" json:"operation"`
	Status     string    `gorm:"size:20;not null;index" json:"status"`
	DurationMs int64     `gorm:"not null;default:0" json:"duration_ms"`
	Payload    string    `gorm:"type:text" json:"payload"`
	CreatedAt  time.Time `gorm:"not null;index:idx_integration_window,priority:4" json:"created_at"`
}

func (IntegrationLog) TableName() string {
	return "integration_logs"
}
