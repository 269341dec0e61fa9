package models

import "time"

// QueuedEvent is a delivery in the database-backed event queue. It is also the
// source the monitor reads backlog age from.
type QueuedEvent struct {
	ID               int        `gorm:"primary_key;index:idx_queue_claim,priority:4" json:"id"`
	Queue            string     `gorm:"size:100;not null;index:idx_queue_claim,priority:1" json:"queue"`
	EventName        string     `gorm:"size:100;not null;index" json:"event_name"`
	Payload          []byte     `gorm:"type:blob" json:"payload"`
	IdempotencyKey   *string    `gorm:"size:64" json:"idempotency_key"`
	Source           string     `gorm:"size:100" json:"source"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	Status           string     `gorm:"size:20;not null;default:'PENDING';index:idx_queue_claim,priority:2" json:"status"`
	DeliveryAttempts int        `gorm:"not null;default:0" json:"delivery_attempts"`
	// FailureRequeues counts requeues caused by transient failures only.
	FailureRequeues  int        `gorm:"not null;default:0" json:"failure_requeues"`
	AvailableAt      time.Time  `gorm:"not null;index:idx_queue_claim,priority:3" json:"available_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastError        *string    `gorm:"type:text" json:"last_error"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	ProcessedAt      *time.Time `gorm:"index" json:"processed_at"`
}

func (QueuedEvent) TableName() string {
	return "queued_events"
}
