package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	OperationApplyInventoryChange = "apply_inventory_change"
	OperationRecordThresholdAlert = "record_threshold_alert"
	OperationApplyTaskStatus      = "apply_task_status"
)

var ErrInvalidTaskTransition = errors.New("invalid task status transition")

var taskTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusPending:    {models.TaskStatusInProgress, models.TaskStatusCancelled},
	models.TaskStatusInProgress: {models.TaskStatusCompleted, models.TaskStatusCancelled, models.TaskStatusPending},
}

func CanTransition(from, to models.TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InventoryHandlers holds the operations applied for inventory and
// warehouse events.
type InventoryHandlers struct {
	Alerts    *AlertEngine
	Publisher *EventPublisher
}

// RegisterInventoryHandlers wires every event the worker consumes.
func RegisterInventoryHandlers(l *QueueListener, h *InventoryHandlers) {
	l.Register(EventInventoryChanged, HandlerSpec{
		Operation: OperationApplyInventoryChange,
		Options:   InventoryOptions(),
		Handle:    h.ApplyInventoryChange,
	})
	l.Register(EventThresholdBreached, HandlerSpec{
		Operation: OperationRecordThresholdAlert,
		Options:   InventoryOptions(),
		Handle:    h.RecordThresholdAlert,
	})
	l.Register(EventTaskStatusChanged, HandlerSpec{
		Operation: OperationApplyTaskStatus,
		Options:   WarehouseOptions(),
		Handle:    h.ApplyTaskStatus,
	})
}

type InventoryChangeResult struct {
	StockLevelId int                    `json:"stock_level_id"`
	Qty          decimal.Decimal        `json:"qty"`
	Breaches     []models.ThresholdType `json:"breaches"`
}

// ApplyInventoryChange adjusts the stock level, appends a movement and queues
// a breach event for every threshold the new quantity crosses. The breach
// events commit with the change.
func (h *InventoryHandlers) ApplyInventoryChange(tx *gorm.DB, payload map[string]any) (any, error) {
	productId, err := IntFromPayload(payload, "product_id")
	if err != nil {
		return nil, err
	}
	warehouseId, err := IntFromPayload(payload, "warehouse_id")
	if err != nil {
		return nil, err
	}
	delta, err := utils.DecimalFromAny(payload["delta"])
	if err != nil {
		return nil, fmt.Errorf("delta: %w", err)
	}
	reference, _ := payload["reference"].(string)
	reason, _ := payload["reason"].(string)

	seed := models.StockLevel{ProductId: productId, WarehouseId: warehouseId}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("create stock level: %w", err)
	}
	var level models.StockLevel
	if err := tx.Where("product_id = ? AND warehouse_id = ?", productId, warehouseId).Take(&level).Error; err != nil {
		return nil, fmt.Errorf("load stock level: %w", err)
	}

	closing := level.Qty.Add(delta)
	if err := tx.Model(&level).Updates(map[string]interface{}{
		"qty":               closing,
		"last_movement_ref": reference,
	}).Error; err != nil {
		return nil, fmt.Errorf("update stock level %d: %w", level.ID, err)
	}
	level.Qty = closing

	movement := models.StockMovement{
		ProductId:   productId,
		WarehouseId: warehouseId,
		Qty:         delta,
		ClosingQty:  closing,
		Reference:   reference,
		Description: reason,
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, fmt.Errorf("insert stock movement: %w", err)
	}

	result := InventoryChangeResult{StockLevelId: level.ID, Qty: closing, Breaches: []models.ThresholdType{}}
	for _, b := range StockBreaches(level, time.Now().UTC()) {
		result.Breaches = append(result.Breaches, b.Kind)
		if h.Publisher == nil {
			continue
		}
		ev := ThresholdBreachedEvent{
			ProductId:      b.ProductId,
			LocationId:     b.LocationId,
			ThresholdType:  b.Kind,
			ThresholdValue: b.ThresholdValue,
			CurrentValue:   b.CurrentValue,
			Severity:       Classify(b.Kind, b.ThresholdValue, b.CurrentValue),
		}
		if _, err := h.Publisher.EnqueueTx(tx, ev); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// StockBreaches lists every threshold the level is outside of. Zero
// thresholds are disabled.
func StockBreaches(level models.StockLevel, now time.Time) []AlertInput {
	var out []AlertInput
	if level.MinQty.IsPositive() && level.Qty.LessThanOrEqual(level.MinQty) {
		out = append(out, AlertInput{
			ProductId:      level.ProductId,
			LocationId:     level.WarehouseId,
			Kind:           models.ThresholdTypeLowStock,
			ThresholdValue: level.MinQty,
			CurrentValue:   level.Qty,
		})
	}
	if level.MaxQty.IsPositive() && level.Qty.GreaterThanOrEqual(level.MaxQty) {
		out = append(out, AlertInput{
			ProductId:      level.ProductId,
			LocationId:     level.WarehouseId,
			Kind:           models.ThresholdTypeHighStock,
			ThresholdValue: level.MaxQty,
			CurrentValue:   level.Qty,
		})
	}
	if days, ok := daysUntilExpiry(level, now); ok && days <= int64(level.ExpiryLeadDays) {
		out = append(out, AlertInput{
			ProductId:      level.ProductId,
			LocationId:     level.WarehouseId,
			Kind:           models.ThresholdTypeExpiringSoon,
			ThresholdValue: decimal.NewFromInt(int64(level.ExpiryLeadDays)),
			CurrentValue:   decimal.NewFromInt(days),
		})
	}
	return out
}

func daysUntilExpiry(level models.StockLevel, now time.Time) (int64, bool) {
	if level.ExpiresAt == nil || level.ExpiryLeadDays <= 0 || !level.Qty.IsPositive() {
		return 0, false
	}
	left := level.ExpiresAt.Sub(now)
	if left < 0 {
		return 0, true
	}
	return int64(left / (24 * time.Hour)), true
}

type ThresholdAlertResult struct {
	AlertId  int                  `json:"alert_id"`
	Severity models.AlertSeverity `json:"severity"`
}

func (h *InventoryHandlers) RecordThresholdAlert(tx *gorm.DB, payload map[string]any) (any, error) {
	in, err := alertInputFromPayload(payload)
	if err != nil {
		return nil, err
	}
	if h.Alerts == nil {
		return nil, errors.New("alert engine is not configured")
	}
	alert, err := h.Alerts.UpsertAlert(txContext(tx), tx, in)
	if err != nil {
		return nil, err
	}
	return ThresholdAlertResult{AlertId: alert.ID, Severity: alert.Severity}, nil
}

func alertInputFromPayload(payload map[string]any) (AlertInput, error) {
	var in AlertInput
	var err error
	if in.ProductId, err = IntFromPayload(payload, "product_id"); err != nil {
		return in, err
	}
	if in.LocationId, err = IntFromPayload(payload, "location_id"); err != nil {
		return in, err
	}
	kind, _ := payload["threshold_type"].(string)
	if in.Kind, err = models.ParseThresholdType(kind); err != nil {
		return in, err
	}
	if in.ThresholdValue, err = utils.DecimalFromAny(payload["threshold_value"]); err != nil {
		return in, fmt.Errorf("threshold_value: %w", err)
	}
	if in.CurrentValue, err = utils.DecimalFromAny(payload["current_value"]); err != nil {
		return in, fmt.Errorf("current_value: %w", err)
	}
	return in, nil
}

type TaskStatusResult struct {
	TaskId    int               `json:"task_id"`
	Status    models.TaskStatus `json:"status"`
	HistoryId int               `json:"history_id"`
}

// ApplyTaskStatus moves the task only when it is still in the "from" status,
// so replays of an older transition cannot overwrite a newer one.
func (h *InventoryHandlers) ApplyTaskStatus(tx *gorm.DB, payload map[string]any) (any, error) {
	taskId, err := IntFromPayload(payload, "task_id")
	if err != nil {
		return nil, err
	}
	fromStr, _ := payload["from"].(string)
	toStr, _ := payload["to"].(string)
	from, to := models.TaskStatus(fromStr), models.TaskStatus(toStr)
	if !from.IsValid() || !to.IsValid() || !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTaskTransition, fromStr, toStr)
	}
	changedBy, _ := payload["changed_by"].(string)

	res := tx.Model(&models.WarehouseTask{}).
		Where("id = ? AND status = ?", taskId, from).
		Update("status", to)
	if res.Error != nil {
		return nil, fmt.Errorf("update task %d: %w", taskId, res.Error)
	}
	if res.RowsAffected == 0 {
		var task models.WarehouseTask
		if err := tx.Take(&task, taskId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("task %d: %w", taskId, utils.ErrorRecordNotFound)
			}
			return nil, err
		}
		return nil, fmt.Errorf("%w: task %d is %s, not %s", ErrInvalidTaskTransition, taskId, task.Status, from)
	}

	history := models.TaskStatusHistory{
		TaskId:     taskId,
		FromStatus: from,
		ToStatus:   to,
		ChangedBy:  changedBy,
	}
	if err := tx.Create(&history).Error; err != nil {
		return nil, fmt.Errorf("insert task history: %w", err)
	}
	return TaskStatusResult{TaskId: taskId, Status: to, HistoryId: history.ID}, nil
}

func IntFromPayload(payload map[string]any, field string) (int, error) {
	v, ok := payload[field]
	if !ok {
		return 0, fmt.Errorf("%s is required", field)
	}
	n, err := utils.IntFromAny(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return n, nil
}

func txContext(tx *gorm.DB) context.Context {
	if tx != nil && tx.Statement != nil && tx.Statement.Context != nil {
		return tx.Statement.Context
	}
	return context.Background()
}
