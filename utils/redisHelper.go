package utils

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/inventory_events/config"
	"github.com/sirupsen/logrus"
)

var ErrLockNotObtained = errors.New("lock held by another process")

// RunExclusive runs fn while holding a best-effort redis lock on key.
// A nil locker runs fn unguarded; when another process holds the lock fn is
// skipped and ErrLockNotObtained is returned.
func RunExclusive(ctx context.Context, locker *redislock.Client, logger *logrus.Logger, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if locker == nil {
		return fn(ctx)
	}
	lock, err := locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrLockNotObtained
	} else if err != nil {
		// Redis trouble must not stop periodic work; the work itself is safe to overlap.
		config.LogError(logger, "utils", "RunExclusive", "error obtaining lock", key, err)
		return fn(ctx)
	}
	defer func() {
		_ = lock.Release(context.Background())
	}()
	return fn(ctx)
}
