package config

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ConnectRedis returns a client and a lock client on top of it. Redis only
// backs best-effort locks for the periodic drivers, so callers may continue
// without it when addr is empty.
func ConnectRedis(ctx context.Context, addr string, logg *logrus.Logger) (*redis.Client, *redislock.Client, error) {
	if addr == "" {
		return nil, nil, &ConfigurationError{Setting: "RedisAddress", Reason: "required"}
	}

	attempt := 0
	rdb, err := backoff.Retry(ctx, func() (*redis.Client, error) {
		attempt++
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: "",
			DB:       0,
			PoolSize: 20,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	},
		backoff.WithBackOff(connectBackOff()),
		backoff.WithMaxElapsedTime(2*time.Minute),
		backoff.WithNotify(func(err error, next time.Duration) {
			logg.WithFields(logrus.Fields{
				"field":   "ConnectRedis",
				"attempt": attempt,
				"addr":    addr,
			}).Warnf("failed to connect redis: %v; retrying in %s", err, next)
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	logg.WithFields(logrus.Fields{"field": "ConnectRedis", "attempt": attempt, "addr": addr}).Info("connected to redis")
	return rdb, redislock.New(rdb), nil
}
