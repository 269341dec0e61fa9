package workflow

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
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
	return db
}

func quietLogger() *logrus.Logger {
	return config.NewLoggerWithOutput("error", io.Discard)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type recordingRecorder struct {
	mu      sync.Mutex
	records []EventRecord
}

func (r *recordingRecorder) Record(ctx context.Context, rec EventRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingRecorder) last() EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return EventRecord{}
	}
	return r.records[len(r.records)-1]
}

// fastOptions keeps retries but never sleeps long.
func fastOptions(maxRetries int) ExecutionOptions {
	return ExecutionOptions{
		MaxRetries:     maxRetries,
		RetryDelay:     time.Millisecond,
		Timeout:        5 * time.Second,
		UseIdempotency: true,
		IdempotencyTTL: time.Hour,
	}
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func decimalFromInt(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}
