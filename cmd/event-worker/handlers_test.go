package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/utils"
	"github.com/mmdatafocus/inventory_events/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func newTestServer(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := config.OpenSQLite(filepath.Join(t.TempDir(), "worker.db"))
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

	settings := &config.Settings{
		APISecret: "worker-secret",
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
	}
	logger := config.NewLoggerWithOutput("error", io.Discard)
	pipeline := workflow.NewPipeline(db, settings, nil, logger, nil)
	host := workflow.NewPubSubHost(db, pipeline.Listener, logger, settings.Queue.Name)
	return newRouter(settings, logger, db, pipeline, host), db
}

func pushBody(t *testing.T, id string, env workflow.EventEnvelope) []byte {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	var msg PubSubPushMessage
	msg.Message.ID = id
	msg.Message.Data = data
	msg.Message.DeliveryAttempt = 1
	msg.Subscription = "projects/p/subscriptions/inventory-events"
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal push message: %v", err)
	}
	return body
}

func TestPubSubPushAppliesEvent(t *testing.T) {
	r, db := newTestServer(t)
	env := workflow.NewEnvelope(workflow.InventoryChangedEvent{ProductId: 5, WarehouseId: 1, Delta: decimal.NewFromInt(7)}, workflow.PubSubSource)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pubsub", bytes.NewReader(pushBody(t, "msg-1", env))))
		if w.Code != http.StatusNoContent {
			t.Fatalf("push %d: expected 204, got %d", i, w.Code)
		}
	}

	var level models.StockLevel
	if err := db.Where("product_id = ?", 5).Take(&level).Error; err != nil {
		t.Fatalf("load stock level: %v", err)
	}
	if !level.Qty.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected redelivery to be a no-op, got qty %s", level.Qty)
	}
}

func TestPubSubPushAcksGarbage(t *testing.T) {
	r, _ := newTestServer(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pubsub", bytes.NewReader([]byte("not json"))))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestHealthAndOpsAuth(t *testing.T) {
	r, db := newTestServer(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected healthy, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/ops/queue/replay", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	dead := models.QueuedEvent{
		Queue:       "inventory-events",
		EventName:   workflow.EventInventoryChanged,
		Payload:     []byte(`{}`),
		Status:      models.QueuedEventStatusDead,
		AvailableAt: time.Now().UTC(),
	}
	db.Create(&dead)

	token, _ := utils.JwtGenerate("worker-secret", 1, utils.RoleOpsAdmin, time.Hour)
	req := httptest.NewRequest(http.MethodPost, "/internal/ops/queue/replay", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Replayed int64 `json:"replayed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Replayed != 1 {
		t.Fatalf("expected 1 replayed, got %s", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/internal/ops/alerts?type=bogus", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown alert type, got %d", w.Code)
	}
}
