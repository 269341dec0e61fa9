package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/utils"
	"gorm.io/gorm"
)

// These tests run against the MySQL and Redis named by DB_* and
// REDIS_ADDRESS. Enable them with INTEGRATION_TESTS=1.

func integrationSettings(t *testing.T) *config.Settings {
	t.Helper()
	if !config.IntegrationTestsEnabled() {
		t.Skip("set INTEGRATION_TESTS=1 to run against MySQL/Redis")
	}
	s, err := config.LoadSettings()
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	return s
}

func newMySQLTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	s := integrationSettings(t)
	if s.Database.Driver != "mysql" {
		t.Skipf("DB_DRIVER is %q, want mysql", s.Database.Driver)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := config.ConnectDatabase(ctx, s.Database, quietLogger())
	if err != nil {
		t.Fatalf("connect mysql: %v", err)
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

func TestMySQL_ConcurrentClaimHasOneWinner(t *testing.T) {
	db := newMySQLTestDB(t)
	store := NewKeyStore(db, quietLogger())
	key := "it-" + uuid.NewString()
	t.Cleanup(func() { db.Where(keyCond(key)).Delete(&models.IdempotencyKey{}) })

	var claimed, inProgress int32
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Claim(context.Background(), key, "it_op", time.Hour)
			if err != nil {
				errs <- err
				return
			}
			switch res.Outcome {
			case ClaimClaimed:
				atomic.AddInt32(&claimed, 1)
			case ClaimInProgress:
				atomic.AddInt32(&inProgress, 1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("claim: %v", err)
	}
	if claimed != 1 || inProgress != 9 {
		t.Fatalf("expected 1 claimed and 9 in progress, got %d and %d", claimed, inProgress)
	}

	// A plain insert of the same key is a 1062 duplicate.
	err := db.Create(&models.IdempotencyKey{Key: key, OperationName: "it_op", Status: models.IdempotencyStatusPending, ExpiresAt: time.Now().UTC()}).Error
	if !isDuplicateKeyErr(err) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
	// Reserve turns the same conflict into a no-op.
	if err := store.Reserve(context.Background(), key, "it_op", time.Hour); err != nil {
		t.Fatalf("reserve existing key: %v", err)
	}
}

func TestMySQL_WorkersNeverClaimTheSameRow(t *testing.T) {
	db := newMySQLTestDB(t)
	s := testSettings()
	s.Queue.Name = "it-" + uuid.NewString()
	t.Cleanup(func() { db.Where("queue = ?", s.Queue.Name).Delete(&models.QueuedEvent{}) })

	p := NewPipeline(db, s, nil, quietLogger(), nil)
	p.Executor.Sleep = noSleep
	var mu sync.Mutex
	handled := map[int]int{}
	p.Listener.Register("it.count", HandlerSpec{
		Operation: "it_count",
		Options:   ExecutionOptions{MaxRetries: 1, Timeout: 10 * time.Second},
		Handle: func(tx *gorm.DB, payload map[string]any) (any, error) {
			id, _ := utils.IntFromAny(payload["id"])
			mu.Lock()
			handled[id]++
			mu.Unlock()
			return nil, nil
		},
	})

	const total = 40
	for i := 1; i <= total; i++ {
		env := EventEnvelope{Name: "it.count", Payload: map[string]any{"id": i}, Source: "it"}
		if _, err := enqueueEnvelope(db, s.Queue.Name, env, 0, time.Now().UTC().Add(-time.Second)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for w := 0; w < 4; w++ {
		worker := NewQueueWorker(db, p.Listener, quietLogger(), s.Queue)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := worker.ProcessOnce(context.Background())
				if err != nil {
					errs <- err
					return
				}
				if n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("process: %v", err)
	}

	if len(handled) != total {
		t.Fatalf("expected %d events handled, got %d", total, len(handled))
	}
	for id, n := range handled {
		if n != 1 {
			t.Fatalf("event %d handled %d times", id, n)
		}
	}
	var succeeded int64
	db.Model(&models.QueuedEvent{}).Where("queue = ? AND status = ?", s.Queue.Name, models.QueuedEventStatusSucceeded).Count(&succeeded)
	if succeeded != total {
		t.Fatalf("expected %d SUCCEEDED rows, got %d", total, succeeded)
	}
}

func TestRedis_RunExclusiveSkipsWhileLocked(t *testing.T) {
	s := integrationSettings(t)
	if s.RedisAddress == "" {
		t.Skip("REDIS_ADDRESS is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rdb, locker, err := config.ConnectRedis(ctx, s.RedisAddress, quietLogger())
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })

	key := "it-lock-" + uuid.NewString()
	held, err := locker.Obtain(ctx, key, time.Minute, nil)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}

	ran := false
	err = utils.RunExclusive(ctx, locker, quietLogger(), key, time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, utils.ErrLockNotObtained) || ran {
		t.Fatalf("expected the run to be skipped, got ran=%v err=%v", ran, err)
	}

	if err := held.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	err = utils.RunExclusive(ctx, locker, quietLogger(), key, time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("expected the run once the lock is free, got ran=%v err=%v", ran, err)
	}
}
