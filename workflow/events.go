package workflow

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/utils"
	"github.com/shopspring/decimal"
)

const (
	EventInventoryChanged    = "inventory.changed"
	EventThresholdBreached   = "inventory.threshold_breached"
	EventTaskStatusChanged   = "warehouse.task_status_changed"
	EventCapacityWarning     = "warehouse.capacity_warning"
	EventPerformanceDegraded = "event_performance_degraded"
	EventBacklog             = "event_backlog"
)

// Event is the contract every upstream domain event satisfies.
type Event interface {
	Name() string
	Payload() map[string]any
}

// NotifiableEvent is an event that also reaches the notification sink.
type NotifiableEvent interface {
	Event
	NotificationMessage() string
}

type InventoryChangedEvent struct {
	ProductId   int
	WarehouseId int
	Delta       decimal.Decimal
	Reference   string
	Reason      string
	Timestamp   time.Time
}

func (e InventoryChangedEvent) Name() string { return EventInventoryChanged }

func (e InventoryChangedEvent) Payload() map[string]any {
	return map[string]any{
		"product_id":   e.ProductId,
		"warehouse_id": e.WarehouseId,
		"delta":        e.Delta.String(),
		"reference":    e.Reference,
		"reason":       e.Reason,
		"timestamp":    e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

var thresholdMessageTemplates = map[models.ThresholdType]string{
	models.ThresholdTypeLowStock:     "Low stock alert: {{.product}} at {{.location}} has {{.current}} units (threshold: {{.threshold}})",
	models.ThresholdTypeHighStock:    "High stock alert: {{.product}} at {{.location}} has {{.current}} units (threshold: {{.threshold}})",
	models.ThresholdTypeExpiringSoon: "Expiry alert: {{.product}} at {{.location}} expires in {{.current}} days (lead time: {{.threshold}} days)",
}

type ThresholdBreachedEvent struct {
	AlertId        int
	ProductId      int
	LocationId     int
	ProductName    string
	LocationName   string
	ThresholdType  models.ThresholdType
	ThresholdValue decimal.Decimal
	CurrentValue   decimal.Decimal
	Severity       models.AlertSeverity
}

func (e ThresholdBreachedEvent) Name() string { return EventThresholdBreached }

func (e ThresholdBreachedEvent) Payload() map[string]any {
	return map[string]any{
		"alert_id":        e.AlertId,
		"product_id":      e.ProductId,
		"location_id":     e.LocationId,
		"threshold_type":  string(e.ThresholdType),
		"threshold_value": e.ThresholdValue.String(),
		"current_value":   e.CurrentValue.String(),
		"severity":        string(e.Severity),
	}
}

func (e ThresholdBreachedEvent) NotificationMessage() string {
	product := e.ProductName
	if product == "" {
		product = fmt.Sprintf("product #%d", e.ProductId)
	}
	location := e.LocationName
	if location == "" {
		location = fmt.Sprintf("location #%d", e.LocationId)
	}
	tmpl, ok := thresholdMessageTemplates[e.ThresholdType]
	if !ok {
		tmpl = "Threshold alert: {{.product}} at {{.location}} is {{.current}} (threshold: {{.threshold}})"
	}
	msg, err := utils.ExecTemplate(tmpl, map[string]interface{}{
		"product":   product,
		"location":  location,
		"current":   e.CurrentValue.String(),
		"threshold": e.ThresholdValue.String(),
	})
	if err != nil {
		return fmt.Sprintf("%s alert for %s at %s", e.ThresholdType, product, location)
	}
	return msg
}

type TaskStatusChangedEvent struct {
	TaskId    int
	From      models.TaskStatus
	To        models.TaskStatus
	ChangedBy string
	Timestamp time.Time
}

func (e TaskStatusChangedEvent) Name() string { return EventTaskStatusChanged }

func (e TaskStatusChangedEvent) Payload() map[string]any {
	return map[string]any{
		"task_id":    e.TaskId,
		"from":       string(e.From),
		"to":         string(e.To),
		"changed_by": e.ChangedBy,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

type CapacityWarningEvent struct {
	WarehouseId   int
	WarehouseName string
	Used          decimal.Decimal
	Capacity      decimal.Decimal
	Severity      models.AlertSeverity
}

func (e CapacityWarningEvent) Name() string { return EventCapacityWarning }

func (e CapacityWarningEvent) Payload() map[string]any {
	return map[string]any{
		"warehouse_id": e.WarehouseId,
		"used":         e.Used.String(),
		"capacity":     e.Capacity.String(),
		"severity":     string(e.Severity),
	}
}

func (e CapacityWarningEvent) NotificationMessage() string {
	pct := decimal.Zero
	if e.Capacity.IsPositive() {
		pct = e.Used.Div(e.Capacity).Mul(decimal.NewFromInt(100)).Round(1)
	}
	return fmt.Sprintf("Capacity alert: %s is at %s%% of capacity (%s of %s units)", e.WarehouseName, pct.String(), e.Used.String(), e.Capacity.String())
}

type PerformanceDegradedEvent struct {
	Report PerformanceReport
}

func (e PerformanceDegradedEvent) Name() string { return EventPerformanceDegraded }

func (e PerformanceDegradedEvent) Payload() map[string]any {
	return map[string]any{
		"window":         e.Report.Window.String(),
		"total":          e.Report.Total,
		"errors":         e.Report.Errors,
		"success_rate":   e.Report.SuccessRate,
		"avg_latency_ms": e.Report.AvgLatency.Milliseconds(),
		"severity":       string(e.Report.Severity),
	}
}

func (e PerformanceDegradedEvent) NotificationMessage() string {
	return fmt.Sprintf("Event processing degraded: success rate %.2f%% with average latency %s over the last %s (%d errors)",
		e.Report.SuccessRate*100, e.Report.AvgLatency.Round(time.Millisecond), e.Report.Window, e.Report.Errors)
}

type BacklogEvent struct {
	Queue     string
	OldestAge time.Duration
	Depth     int64
	Severity  models.AlertSeverity
}

func (e BacklogEvent) Name() string { return EventBacklog }

func (e BacklogEvent) Payload() map[string]any {
	return map[string]any{
		"queue":              e.Queue,
		"oldest_age_seconds": int64(e.OldestAge.Seconds()),
		"depth":              e.Depth,
		"severity":           string(e.Severity),
	}
}

func (e BacklogEvent) NotificationMessage() string {
	return fmt.Sprintf("Event backlog alert: queue %s has %d pending event(s), oldest waiting %s", e.Queue, e.Depth, e.OldestAge.Round(time.Second))
}

// EventEnvelope is the wire form of an event on every queue transport.
type EventEnvelope struct {
	Name           string         `json:"name"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Source         string         `json:"source"`
	CorrelationId  string         `json:"correlation_id,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

func NewEnvelope(ev Event, source string) EventEnvelope {
	return EventEnvelope{
		Name:       ev.Name(),
		Payload:    ev.Payload(),
		Source:     source,
		OccurredAt: time.Now().UTC(),
	}
}
