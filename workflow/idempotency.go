package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ClaimOutcome string

const (
	ClaimClaimed          ClaimOutcome = "claimed"
	ClaimAlreadyCompleted ClaimOutcome = "already_completed"
	ClaimInProgress       ClaimOutcome = "in_progress"
)

// ClaimResult tells the caller what to do with a key. Result is only set for
// ClaimAlreadyCompleted.
type ClaimResult struct {
	Outcome      ClaimOutcome
	Result       []byte
	AttemptCount int
}

// IdempotencyStore is what the executor needs from the key store.
type IdempotencyStore interface {
	Claim(ctx context.Context, key, operation string, ttl time.Duration) (ClaimResult, error)
	Complete(tx *gorm.DB, key string, result []byte) error
	Fail(ctx context.Context, key string, cause error) error
}

// KeyStore persists idempotency keys. Coordination between workers happens
// only through the insert-on-conflict in Claim and the conditional updates
// that follow it.
type KeyStore struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	// A processing key untouched for longer than this is treated as abandoned.
	StaleAfter time.Duration
	Now        func() time.Time
}

func NewKeyStore(db *gorm.DB, logger *logrus.Logger) *KeyStore {
	return &KeyStore{
		DB:         db,
		Logger:     logger,
		StaleAfter: 5 * time.Minute,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *KeyStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// MaxKeyLength matches the size of the key column.
const MaxKeyLength = 64

func validateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return fmt.Errorf("%w: idempotency key must be 1-%d characters", ErrInvalidKey, MaxKeyLength)
	}
	return nil
}

func keyCond(key string) map[string]interface{} {
	return map[string]interface{}{"key": key}
}

// Claim takes ownership of key for one attempt.
func (s *KeyStore) Claim(ctx context.Context, key, operation string, ttl time.Duration) (ClaimResult, error) {
	now := s.now()
	row := models.IdempotencyKey{
		Key:           key,
		OperationName: operation,
		Status:        models.IdempotencyStatusProcessing,
		AttemptCount:  1,
		ExpiresAt:     now.Add(ttl),
	}
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil && !isDuplicateKeyErr(res.Error) {
		return ClaimResult{}, fmt.Errorf("claim idempotency key %s: %w", key, res.Error)
	}
	if res.Error == nil && res.RowsAffected == 1 {
		return ClaimResult{Outcome: ClaimClaimed, AttemptCount: 1}, nil
	}

	existing, err := s.Lookup(ctx, key)
	if err != nil {
		return ClaimResult{}, err
	}
	if existing == nil {
		// Removed by cleanup between the insert and the read.
		return ClaimResult{Outcome: ClaimInProgress}, nil
	}

	switch {
	case existing.IsExpired(now):
		return s.reclaim(ctx, *existing, operation, ttl, now, true)
	case existing.Status == models.IdempotencyStatusCompleted:
		return ClaimResult{Outcome: ClaimAlreadyCompleted, Result: existing.ResultPayload, AttemptCount: existing.AttemptCount}, nil
	case existing.Status == models.IdempotencyStatusProcessing:
		if now.Sub(existing.UpdatedAt) < s.StaleAfter {
			return ClaimResult{Outcome: ClaimInProgress, AttemptCount: existing.AttemptCount}, nil
		}
		if s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"field":     "KeyStore",
				"key":       key,
				"operation": existing.OperationName,
				"attempt":   existing.AttemptCount,
			}).Warn("reclaiming stale processing idempotency key")
		}
		return s.reclaim(ctx, *existing, operation, ttl, now, false)
	default:
		// pending or failed
		return s.reclaim(ctx, *existing, operation, ttl, now, false)
	}
}

func (s *KeyStore) reclaim(ctx context.Context, existing models.IdempotencyKey, operation string, ttl time.Duration, now time.Time, fresh bool) (ClaimResult, error) {
	q := s.DB.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where(keyCond(existing.Key)).
		Where("status = ?", existing.Status)
	if existing.Status == models.IdempotencyStatusProcessing {
		q = q.Where("updated_at <= ?", now.Add(-s.StaleAfter))
	}

	updates := map[string]interface{}{
		"status":     models.IdempotencyStatusProcessing,
		"last_error": nil,
		"updated_at": now,
		"expires_at": now.Add(ttl),
	}
	attempt := existing.AttemptCount + 1
	if fresh {
		attempt = 1
		updates["operation_name"] = operation
		updates["result_payload"] = nil
		updates["attempt_count"] = 1
	} else {
		updates["attempt_count"] = gorm.Expr("attempt_count + 1")
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return ClaimResult{}, fmt.Errorf("reclaim idempotency key %s: %w", existing.Key, res.Error)
	}
	if res.RowsAffected == 1 {
		return ClaimResult{Outcome: ClaimClaimed, AttemptCount: attempt}, nil
	}

	// Another worker moved the row first.
	current, err := s.Lookup(ctx, existing.Key)
	if err != nil {
		return ClaimResult{}, err
	}
	if current != nil && current.Status == models.IdempotencyStatusCompleted && !current.IsExpired(now) {
		return ClaimResult{Outcome: ClaimAlreadyCompleted, Result: current.ResultPayload, AttemptCount: current.AttemptCount}, nil
	}
	return ClaimResult{Outcome: ClaimInProgress}, nil
}

// Reserve records a key as pending before the operation is delivered.
// Reserving an existing key is a no-op.
func (s *KeyStore) Reserve(ctx context.Context, key, operation string, ttl time.Duration) error {
	return s.ReserveTx(s.DB.WithContext(ctx), key, operation, ttl)
}

// ReserveTx is Reserve on the caller's transaction.
func (s *KeyStore) ReserveTx(tx *gorm.DB, key, operation string, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	row := models.IdempotencyKey{
		Key:           key,
		OperationName: operation,
		Status:        models.IdempotencyStatusPending,
		ExpiresAt:     s.now().Add(ttl),
	}
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil && !isDuplicateKeyErr(err) {
		return fmt.Errorf("reserve idempotency key %s: %w", key, err)
	}
	return nil
}

// Complete must run on the same transaction as the business mutation so the
// stored result and the mutation commit together.
func (s *KeyStore) Complete(tx *gorm.DB, key string, result []byte) error {
	res := tx.Model(&models.IdempotencyKey{}).
		Where(keyCond(key)).
		Where("status = ?", models.IdempotencyStatusProcessing).
		Updates(map[string]interface{}{
			"status":         models.IdempotencyStatusCompleted,
			"result_payload": result,
			"last_error":     nil,
		})
	if res.Error != nil {
		return fmt.Errorf("complete idempotency key %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete idempotency key %s: key is not processing", key)
	}
	return nil
}

func (s *KeyStore) Fail(ctx context.Context, key string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.DB.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where(keyCond(key)).
		Where("status = ?", models.IdempotencyStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.IdempotencyStatusFailed,
			"last_error": &msg,
		}).Error
}

// Lookup returns nil when the key does not exist.
func (s *KeyStore) Lookup(ctx context.Context, key string) (*models.IdempotencyKey, error) {
	var row models.IdempotencyKey
	err := s.DB.WithContext(ctx).Where(keyCond(key)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency key %s: %w", key, err)
	}
	return &row, nil
}

type KeyStats map[models.IdempotencyStatus]int64

func (s KeyStats) Total() int64 {
	var total int64
	for _, n := range s {
		total += n
	}
	return total
}

func (s *KeyStore) Stats(ctx context.Context) (KeyStats, error) {
	var rows []struct {
		Status models.IdempotencyStatus
		Total  int64
	}
	err := s.DB.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("idempotency key stats: %w", err)
	}
	stats := KeyStats{}
	for _, st := range models.AllIdempotencyStatuses {
		stats[st] = 0
	}
	for _, r := range rows {
		stats[r.Status] = r.Total
	}
	return stats, nil
}

type CleanupReport struct {
	DryRun  bool
	Before  KeyStats
	After   KeyStats
	Removed int64
}

// CleanupExpired removes finished keys whose TTL has passed. Pending and
// processing keys are never touched, whatever their expiry.
func (s *KeyStore) CleanupExpired(ctx context.Context, dryRun bool) (CleanupReport, error) {
	report := CleanupReport{DryRun: dryRun}
	before, err := s.Stats(ctx)
	if err != nil {
		return report, err
	}
	report.Before = before

	now := s.now()
	finished := []models.IdempotencyStatus{models.IdempotencyStatusCompleted, models.IdempotencyStatusFailed}

	if dryRun {
		var count int64
		err := s.DB.WithContext(ctx).Model(&models.IdempotencyKey{}).
			Where("(status IN ? AND expires_at <= ?) OR status = ?", finished, now, models.IdempotencyStatusExpired).
			Count(&count).Error
		if err != nil {
			return report, fmt.Errorf("count expired idempotency keys: %w", err)
		}
		report.Removed = count
		report.After = before
		return report, nil
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.IdempotencyKey{}).
			Where("status IN ? AND expires_at <= ?", finished, now).
			Update("status", models.IdempotencyStatusExpired).Error; err != nil {
			return err
		}
		res := tx.Where("status = ?", models.IdempotencyStatusExpired).Delete(&models.IdempotencyKey{})
		if res.Error != nil {
			return res.Error
		}
		report.Removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("cleanup expired idempotency keys: %w", err)
	}

	after, err := s.Stats(ctx)
	if err != nil {
		return report, err
	}
	report.After = after

	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":   "KeyStore",
			"removed": report.Removed,
		}).Info("expired idempotency keys removed")
	}
	return report, nil
}
