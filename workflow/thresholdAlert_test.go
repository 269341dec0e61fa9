package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/inventory_events/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		kind      models.ThresholdType
		threshold int64
		current   int64
		want      models.AlertSeverity
	}{
		{models.ThresholdTypeLowStock, 100, 50, models.AlertSeverityCritical},
		{models.ThresholdTypeLowStock, 100, 51, models.AlertSeverityWarning},
		{models.ThresholdTypeLowStock, 100, 0, models.AlertSeverityCritical},
		{models.ThresholdTypeHighStock, 100, 150, models.AlertSeverityCritical},
		{models.ThresholdTypeHighStock, 100, 149, models.AlertSeverityWarning},
		{models.ThresholdTypeExpiringSoon, 10, 5, models.AlertSeverityCritical},
		{models.ThresholdTypeExpiringSoon, 10, 6, models.AlertSeverityWarning},
	}
	for _, tc := range cases {
		got := Classify(tc.kind, decimal.NewFromInt(tc.threshold), decimal.NewFromInt(tc.current))
		if got != tc.want {
			t.Fatalf("Classify(%s, %d, %d) = %s, want %s", tc.kind, tc.threshold, tc.current, got, tc.want)
		}
	}
}

func TestClassify_FractionalBoundary(t *testing.T) {
	got := Classify(models.ThresholdTypeLowStock, decimal.RequireFromString("0.3"), decimal.RequireFromString("0.15"))
	if got != models.AlertSeverityCritical {
		t.Fatalf("expected 0.15 <= 0.3/2 to be critical, got %s", got)
	}
}

func TestAlertEngine_RepeatedBreachesKeepOneActiveAlert(t *testing.T) {
	db := newTestDB(t)
	notifier := &recordingNotifier{}
	engine := NewAlertEngine(notifier, quietLogger())
	ctx := context.Background()

	first := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, current := range []int64{40, 30, 60} {
		engine.Now = func() time.Time { return first.Add(time.Duration(i) * time.Hour) }
		err := db.Transaction(func(tx *gorm.DB) error {
			_, err := engine.UpsertAlert(ctx, tx, AlertInput{
				ProductId:      7,
				LocationId:     3,
				Kind:           models.ThresholdTypeLowStock,
				ThresholdValue: decimal.NewFromInt(100),
				CurrentValue:   decimal.NewFromInt(current),
			})
			return err
		})
		if err != nil {
			t.Fatalf("breach %d: %v", i, err)
		}
	}

	var alerts []models.InventoryThresholdAlert
	if err := db.Where("product_id = ? AND location_id = ?", 7, 3).Find(&alerts).Error; err != nil {
		t.Fatalf("load alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected exactly 1 alert row, got %d", len(alerts))
	}
	a := alerts[0]
	if !a.DetectedAt.Equal(first) {
		t.Fatalf("expected detected_at to stay at first breach %s, got %s", first, a.DetectedAt)
	}
	if !a.CurrentValue.Equal(decimal.NewFromInt(60)) || a.Severity != models.AlertSeverityWarning {
		t.Fatalf("expected latest value 60 / warning, got %s / %s", a.CurrentValue, a.Severity)
	}
	if notifier.count() != 3 {
		t.Fatalf("expected a notification per breach, got %d", notifier.count())
	}
}

func TestAlertEngine_ResolvedAlertAllowsNewOne(t *testing.T) {
	db := newTestDB(t)
	engine := NewAlertEngine(nil, quietLogger())
	ctx := context.Background()
	in := AlertInput{
		ProductId:      1,
		LocationId:     1,
		Kind:           models.ThresholdTypeHighStock,
		ThresholdValue: decimal.NewFromInt(100),
		CurrentValue:   decimal.NewFromInt(160),
	}

	if _, err := engine.UpsertAlert(ctx, db, in); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	resolved, err := engine.ResolveAlert(db, 1, 1, models.ThresholdTypeHighStock)
	if err != nil || !resolved {
		t.Fatalf("expected alert to resolve, got %v %v", resolved, err)
	}
	again, err := engine.UpsertAlert(ctx, db, in)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if again.Severity != models.AlertSeverityCritical {
		t.Fatalf("expected critical, got %s", again.Severity)
	}

	var total int64
	db.Model(&models.InventoryThresholdAlert{}).Count(&total)
	active, _ := ActiveAlerts(ctx, db)
	if total != 2 || len(active) != 1 {
		t.Fatalf("expected 2 rows with 1 active, got %d rows and %d active", total, len(active))
	}
}

func TestAlertEngine_NotificationUsesNames(t *testing.T) {
	db := newTestDB(t)
	db.Create(&models.Product{ID: 7, Name: "Widget"})
	db.Create(&models.Warehouse{ID: 3, Name: "Main"})
	notifier := &recordingNotifier{}
	engine := NewAlertEngine(notifier, quietLogger())

	_, err := engine.UpsertAlert(context.Background(), db, AlertInput{
		ProductId:      7,
		LocationId:     3,
		Kind:           models.ThresholdTypeLowStock,
		ThresholdValue: decimal.NewFromInt(20),
		CurrentValue:   decimal.NewFromInt(12),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	want := "Low stock alert: Widget at Main has 12 units (threshold: 20)"
	if notifier.count() != 1 || notifier.sent[0].Message != want {
		t.Fatalf("unexpected notifications: %+v", notifier.sent)
	}
	if notifier.sent[0].Type != EventThresholdBreached {
		t.Fatalf("expected type %s, got %s", EventThresholdBreached, notifier.sent[0].Type)
	}
}

func TestAlertEngine_RejectsUnknownKind(t *testing.T) {
	db := newTestDB(t)
	engine := NewAlertEngine(nil, quietLogger())
	_, err := engine.UpsertAlert(context.Background(), db, AlertInput{ProductId: 1, LocationId: 1, Kind: "overheated"})
	if err == nil {
		t.Fatalf("expected error for unknown threshold type")
	}
}
