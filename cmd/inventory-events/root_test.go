package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/utils"
	"github.com/shopspring/decimal"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	db, err := config.OpenSQLite(filepath.Join(t.TempDir(), "cli.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return &app{
		settings: &config.Settings{
			LogLevel:  "error",
			APISecret: "cli-secret",
			Monitor: config.MonitorSettings{
				Window:         15 * time.Minute,
				MinSuccessRate: 0.95,
				MaxAvgLatency:  5 * time.Second,
				MaxBacklogAge:  10 * time.Minute,
				Interval:       time.Minute,
			},
			Queue: config.QueueSettings{
				Name:         "inventory-events",
				RequeueDelay: 30 * time.Second,
				MaxRequeues:  1,
				BatchSize:    10,
				PollInterval: time.Second,
				LockTTL:      time.Minute,
			},
			CapacityWarningRatio: 0.85,
		},
		logger: config.NewLoggerWithOutput("error", io.Discard),
		db:     db,
	}
}

func runCLI(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCleanupDryRunKeepsKeys(t *testing.T) {
	a := newTestApp(t)
	past := time.Now().UTC().Add(-time.Hour)
	a.db.Create(&models.IdempotencyKey{Key: "old", OperationName: "op", Status: models.IdempotencyStatusCompleted, AttemptCount: 1, ExpiresAt: past})

	out, err := runCLI(t, a, "cleanup-idempotency-keys", "--dry-run")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !strings.Contains(out, "dry run: 1 expired key(s) would be removed") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	var count int64
	a.db.Model(&models.IdempotencyKey{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected key kept, got %d", count)
	}
}

func TestMonitorInventoryRaisesAlerts(t *testing.T) {
	a := newTestApp(t)
	a.db.Create(&models.StockLevel{ProductId: 1, WarehouseId: 1, Qty: decimal.NewFromInt(2), MinQty: decimal.NewFromInt(10)})

	out, err := runCLI(t, a, "monitor-inventory", "--check", "low-stock")
	if err != nil {
		t.Fatalf("monitor-inventory: %v", err)
	}
	if !strings.Contains(out, "low_stock") {
		t.Fatalf("expected a low_stock row, got:\n%s", out)
	}
	var active int64
	a.db.Model(&models.InventoryThresholdAlert{}).Where("is_resolved = ?", false).Count(&active)
	if active != 1 {
		t.Fatalf("expected one active alert, got %d", active)
	}
}

func TestInvalidCheckIsRejected(t *testing.T) {
	a := newTestApp(t)
	if _, err := runCLI(t, a, "monitor-inventory", "--check", "everything"); err == nil {
		t.Fatalf("expected invalid --check to fail")
	}
	if _, err := runCLI(t, a, "monitor-events", "--check", "latency"); err == nil {
		t.Fatalf("expected invalid --check to fail")
	}
}

func TestIssueOpsToken(t *testing.T) {
	a := newTestApp(t)
	out, err := runCLI(t, a, "issue-ops-token", "--user-id", "12")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	parsed, err := utils.JwtValidate("cli-secret", strings.TrimSpace(out))
	if err != nil || !parsed.Valid {
		t.Fatalf("expected a valid token, got %v", err)
	}
	if claims := parsed.Claims.(*utils.JwtCustomClaim); claims.ID != 12 || claims.Role != utils.RoleOpsAdmin {
		t.Fatalf("unexpected claims %+v", claims)
	}
}
