package models

import (
	"errors"
	"strings"
)

type ThresholdType string

const (
	ThresholdTypeLowStock     ThresholdType = "low_stock"
	ThresholdTypeHighStock    ThresholdType = "high_stock"
	ThresholdTypeExpiringSoon ThresholdType = "expiring_soon"
)

var AllThresholdTypes = []ThresholdType{
	ThresholdTypeLowStock,
	ThresholdTypeHighStock,
	ThresholdTypeExpiringSoon,
}

func ParseThresholdType(s string) (ThresholdType, error) {
	t := ThresholdType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case ThresholdTypeLowStock, ThresholdTypeHighStock, ThresholdTypeExpiringSoon:
		return t, nil
	}
	return "", errors.New("invalid threshold type: " + s)
}

type AlertSeverity string

const (
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusCancelled:
		return true
	}
	return false
}
