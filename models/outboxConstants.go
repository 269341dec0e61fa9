package models

// QueuedEvent statuses. Stored as strings.
const (
	QueuedEventStatusPending    = "PENDING"
	QueuedEventStatusProcessing = "PROCESSING"
	QueuedEventStatusSucceeded  = "SUCCEEDED"
	QueuedEventStatusDead       = "DEAD"
)
