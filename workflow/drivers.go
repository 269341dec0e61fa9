package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/utils"
	"github.com/sirupsen/logrus"
)

const (
	monitorLockKey = "lock:inventory-events:monitor"
	cleanupLockKey = "lock:inventory-events:cleanup"
)

// runEvery calls fn immediately and then once per interval until ctx is done.
func runEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// MonitorDriver runs the event, backlog, threshold and capacity checks on a
// schedule. With a locker only one process checks per interval.
type MonitorDriver struct {
	Events    *EventMonitor
	Inventory *InventoryMonitor
	Locker    *redislock.Client
	Logger    *logrus.Logger
	Interval  time.Duration
}

func (d *MonitorDriver) Run(ctx context.Context) {
	if d == nil || d.Interval <= 0 {
		return
	}
	runEvery(ctx, d.Interval, d.RunOnce)
}

func (d *MonitorDriver) RunOnce(ctx context.Context) {
	err := utils.RunExclusive(ctx, d.Locker, d.Logger, monitorLockKey, d.Interval, func(ctx context.Context) error {
		if d.Events != nil {
			d.Events.MonitorPerformance(ctx)
			d.Events.CheckBacklog(ctx)
		}
		if d.Inventory != nil {
			d.Inventory.ScanThresholds(ctx)
			d.Inventory.CheckCapacity(ctx)
		}
		return nil
	})
	if err != nil && !errors.Is(err, utils.ErrLockNotObtained) {
		config.LogError(d.Logger, "workflow", "MonitorDriver.RunOnce", "monitor cycle", nil, err)
	}
}

// CleanupDriver removes expired idempotency keys on a schedule.
type CleanupDriver struct {
	Keys     *KeyStore
	Locker   *redislock.Client
	Logger   *logrus.Logger
	Interval time.Duration
}

func (d *CleanupDriver) Run(ctx context.Context) {
	if d == nil || d.Keys == nil || d.Interval <= 0 {
		return
	}
	runEvery(ctx, d.Interval, d.RunOnce)
}

func (d *CleanupDriver) RunOnce(ctx context.Context) {
	err := utils.RunExclusive(ctx, d.Locker, d.Logger, cleanupLockKey, d.Interval, func(ctx context.Context) error {
		_, err := d.Keys.CleanupExpired(ctx, false)
		return err
	})
	if err != nil && !errors.Is(err, utils.ErrLockNotObtained) {
		config.LogError(d.Logger, "workflow", "CleanupDriver.RunOnce", "cleanup expired keys", nil, err)
	}
}
