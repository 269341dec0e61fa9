package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusPending    IdempotencyStatus = "pending"
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusCompleted  IdempotencyStatus = "completed"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
	IdempotencyStatusExpired    IdempotencyStatus = "expired"
)

var AllIdempotencyStatuses = []IdempotencyStatus{
	IdempotencyStatusPending,
	IdempotencyStatusProcessing,
	IdempotencyStatusCompleted,
	IdempotencyStatusFailed,
	IdempotencyStatusExpired,
}

// IdempotencyKey is the durable record of one logical operation.
// The primary key is the derived fingerprint, so a second insert for the same
// operation always conflicts.
type IdempotencyKey struct {
	Key           string            `gorm:"primaryKey;size:64" json:"key"`
	OperationName string            `gorm:"size:100;not null;index" json:"operation_name"`
	Status        IdempotencyStatus `gorm:"size:20;not null;index;index:idx_idem_cleanup,priority:1" json:"status"`
	ResultPayload []byte            `gorm:"type:blob" json:"result_payload"`
	AttemptCount  int               `gorm:"not null;default:0" json:"attempt_count"`
	LastError     *string           `gorm:"type:text" json:"last_error"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	ExpiresAt     time.Time         `gorm:"not null;index;index:idx_idem_cleanup,priority:2" json:"expires_at"`
}

func (IdempotencyKey) TableName() string {
	return "idempotency_keys"
}

// IsExpired reports whether a finished key is past its TTL.
func (k IdempotencyKey) IsExpired(now time.Time) bool {
	switch k.Status {
	case IdempotencyStatusExpired:
		return true
	case IdempotencyStatusCompleted, IdempotencyStatusFailed:
		return !k.ExpiresAt.After(now)
	}
	return false
}
