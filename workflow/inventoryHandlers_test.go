package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/utils"
	"github.com/shopspring/decimal"
)

func TestStockBreaches(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inThree := now.Add(72 * time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		name  string
		level models.StockLevel
		want  []models.ThresholdType
	}{
		{"in range", models.StockLevel{Qty: decimalFromInt(50), MinQty: decimalFromInt(10), MaxQty: decimalFromInt(100)}, nil},
		{"at min", models.StockLevel{Qty: decimalFromInt(10), MinQty: decimalFromInt(10)}, []models.ThresholdType{models.ThresholdTypeLowStock}},
		{"at max", models.StockLevel{Qty: decimalFromInt(100), MaxQty: decimalFromInt(100)}, []models.ThresholdType{models.ThresholdTypeHighStock}},
		{"zero thresholds disabled", models.StockLevel{Qty: decimal.Zero}, nil},
		{"expiring inside lead", models.StockLevel{Qty: decimalFromInt(5), ExpiresAt: &inThree, ExpiryLeadDays: 5}, []models.ThresholdType{models.ThresholdTypeExpiringSoon}},
		{"expiring outside lead", models.StockLevel{Qty: decimalFromInt(5), ExpiresAt: &inThree, ExpiryLeadDays: 2}, nil},
		{"expired with no stock", models.StockLevel{Qty: decimal.Zero, ExpiresAt: &past, ExpiryLeadDays: 5}, nil},
	}
	for _, tc := range cases {
		got := StockBreaches(tc.level, now)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: expected %v, got %+v", tc.name, tc.want, got)
		}
		for i := range got {
			if got[i].Kind != tc.want[i] {
				t.Fatalf("%s: expected %s, got %s", tc.name, tc.want[i], got[i].Kind)
			}
		}
	}

	got := StockBreaches(models.StockLevel{Qty: decimalFromInt(5), ExpiresAt: &inThree, ExpiryLeadDays: 5}, now)
	if !got[0].CurrentValue.Equal(decimalFromInt(3)) {
		t.Fatalf("expected 3 days left, got %s", got[0].CurrentValue)
	}
}

func TestApplyInventoryChange_UpdatesStockAndQueuesBreach(t *testing.T) {
	db := newTestDB(t)
	h := &InventoryHandlers{Publisher: NewEventPublisher(db, "inventory-events", DBQueueSource)}
	if err := db.Create(&models.StockLevel{ProductId: 1, WarehouseId: 1, Qty: decimalFromInt(20), MinQty: decimalFromInt(10)}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	ev := InventoryChangedEvent{ProductId: 1, WarehouseId: 1, Delta: decimalFromInt(-15), Reference: "SO-9", Reason: "sale"}
	res, err := h.ApplyInventoryChange(db, ev.Payload())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	out := res.(InventoryChangeResult)
	if !out.Qty.Equal(decimalFromInt(5)) || len(out.Breaches) != 1 || out.Breaches[0] != models.ThresholdTypeLowStock {
		t.Fatalf("unexpected result %+v", out)
	}

	var movements []models.StockMovement
	db.Find(&movements)
	if len(movements) != 1 || !movements[0].ClosingQty.Equal(decimalFromInt(5)) || movements[0].Reference != "SO-9" {
		t.Fatalf("unexpected movements %+v", movements)
	}

	var queued []models.QueuedEvent
	db.Where("event_name = ?", EventThresholdBreached).Find(&queued)
	if len(queued) != 1 {
		t.Fatalf("expected one breach event queued, got %d", len(queued))
	}
}

func TestApplyInventoryChange_CreatesMissingStockLevel(t *testing.T) {
	db := newTestDB(t)
	h := &InventoryHandlers{}
	ev := InventoryChangedEvent{ProductId: 4, WarehouseId: 2, Delta: decimal.RequireFromString("2.5")}
	if _, err := h.ApplyInventoryChange(db, ev.Payload()); err != nil {
		t.Fatalf("first: %v", err)
	}
	res, err := h.ApplyInventoryChange(db, ev.Payload())
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if got := res.(InventoryChangeResult).Qty; !got.Equal(decimalFromInt(5)) {
		t.Fatalf("expected 5, got %s", got)
	}
	var count int64
	db.Model(&models.StockLevel{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected one stock level, got %d", count)
	}
}

func TestApplyInventoryChange_RejectsBadPayload(t *testing.T) {
	db := newTestDB(t)
	h := &InventoryHandlers{}
	if _, err := h.ApplyInventoryChange(db, map[string]any{"warehouse_id": 1, "delta": "1"}); err == nil {
		t.Fatalf("expected missing product_id to fail")
	}
	if _, err := h.ApplyInventoryChange(db, map[string]any{"product_id": 1, "warehouse_id": 1, "delta": "abc"}); err == nil {
		t.Fatalf("expected bad delta to fail")
	}
}

// A change that crosses a threshold ends with an active alert once the
// worker has drained both the change and the breach it queued.
func TestInventoryChangeFlowsThroughToAlert(t *testing.T) {
	w, p, db := newTestWorker(t)
	ctx := context.Background()
	db.Create(&models.StockLevel{ProductId: 1, WarehouseId: 1, Qty: decimalFromInt(20), MinQty: decimalFromInt(10)})

	if _, err := p.Publisher.Enqueue(ctx, InventoryChangedEvent{ProductId: 1, WarehouseId: 1, Delta: decimalFromInt(-15)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 2; i++ {
		if n, err := w.ProcessOnce(ctx); err != nil || n != 1 {
			t.Fatalf("pass %d: expected 1 processed, got %d %v", i, n, err)
		}
	}

	alerts, err := ActiveAlerts(ctx, db)
	if err != nil {
		t.Fatalf("active alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Severity != models.AlertSeverityCritical || alerts[0].ThresholdType != models.ThresholdTypeLowStock {
		t.Fatalf("expected one critical low stock alert, got %+v", alerts)
	}
}

func TestApplyTaskStatus(t *testing.T) {
	db := newTestDB(t)
	h := &InventoryHandlers{}
	task := models.WarehouseTask{WarehouseId: 1, Title: "Cycle count", Status: models.TaskStatusPending}
	if err := db.Create(&task).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	start := TaskStatusChangedEvent{TaskId: task.ID, From: models.TaskStatusPending, To: models.TaskStatusInProgress, ChangedBy: "ops"}
	res, err := h.ApplyTaskStatus(db, start.Payload())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := res.(TaskStatusResult); got.Status != models.TaskStatusInProgress || got.HistoryId == 0 {
		t.Fatalf("unexpected result %+v", got)
	}

	// Replaying the same transition no longer matches the stored status.
	if _, err := h.ApplyTaskStatus(db, start.Payload()); !errors.Is(err, ErrInvalidTaskTransition) {
		t.Fatalf("expected invalid transition on replay, got %v", err)
	}

	back := TaskStatusChangedEvent{TaskId: task.ID, From: models.TaskStatusCompleted, To: models.TaskStatusPending}
	if _, err := h.ApplyTaskStatus(db, back.Payload()); !errors.Is(err, ErrInvalidTaskTransition) {
		t.Fatalf("expected completed -> pending to be rejected, got %v", err)
	}

	missing := TaskStatusChangedEvent{TaskId: 999, From: models.TaskStatusPending, To: models.TaskStatusCancelled}
	if _, err := h.ApplyTaskStatus(db, missing.Payload()); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	var history []models.TaskStatusHistory
	db.Where("task_id = ?", task.ID).Find(&history)
	if len(history) != 1 || history[0].ChangedBy != "ops" {
		t.Fatalf("expected one history row, got %+v", history)
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(models.TaskStatusInProgress, models.TaskStatusPending) {
		t.Fatalf("expected in_progress -> pending to be allowed")
	}
	if CanTransition(models.TaskStatusCancelled, models.TaskStatusInProgress) {
		t.Fatalf("expected cancelled to be terminal")
	}
}
