package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/inventory_events/config"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// OperationFunc is the business mutation. It must only use tx.
type OperationFunc func(tx *gorm.DB, payload map[string]any) (any, error)

type ExecuteRequest struct {
	Operation string
	Payload   map[string]any
	// Context is folded into the derived key, e.g. the originating queue.
	Context map[string]any
	// IdempotencyKey overrides the derived key when set.
	IdempotencyKey string
	Options        ExecutionOptions
}

type ExecutionResult struct {
	Result       json.RawMessage
	WasDuplicate bool
	Key          string
	Attempts     int
}

func (r ExecutionResult) Decode(v any) error {
	if len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

type Executor struct {
	DB      *gorm.DB
	Keys    IdempotencyStore
	Logger  *logrus.Logger
	Metrics *PipelineMetrics
	// Sleep waits between attempts. Replaced in tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	tracer trace.Tracer
}

func NewExecutor(db *gorm.DB, keys IdempotencyStore, logger *logrus.Logger) *Executor {
	return &Executor{
		DB:     db,
		Keys:   keys,
		Logger: logger,
		Sleep:  sleepContext,
		tracer: otel.Tracer("inventory_events/workflow"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs fn at most Options.MaxRetries times. A completed key short
// circuits with WasDuplicate. A key held by another worker returns
// ErrOperationInProgress. When every attempt fails the error is an
// *ExecutionError; any other error comes from the key store itself.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest, fn OperationFunc) (ExecutionResult, error) {
	if req.Operation == "" {
		return ExecutionResult{}, &config.ConfigurationError{Setting: "operation", Reason: "required"}
	}
	if err := req.Options.Validate(); err != nil {
		return ExecutionResult{}, err
	}
	if req.Options.UseIdempotency && e.Keys == nil {
		return ExecutionResult{}, &config.ConfigurationError{Setting: "executor.Keys", Reason: "required when idempotency is enabled"}
	}

	key := req.IdempotencyKey
	if req.Options.UseIdempotency && key == "" {
		derived, err := DeriveIdempotencyKey(req.Operation, req.Context, req.Payload)
		if err != nil {
			return ExecutionResult{}, err
		}
		key = derived
	}
	if req.Options.UseIdempotency {
		if err := validateKey(key); err != nil {
			return ExecutionResult{}, err
		}
	}

	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= req.Options.MaxRetries; attempt++ {
		attempts = attempt
		res, done, err := e.runAttempt(ctx, req, key, attempt, fn)
		if done {
			return res, err
		}
		lastErr = err

		if attempt == req.Options.MaxRetries {
			break
		}
		delay := req.Options.RetryDelay * time.Duration(attempt)
		if e.Logger != nil {
			e.Logger.WithFields(logrus.Fields{
				"field":     "Executor",
				"operation": req.Operation,
				"key":       key,
				"attempt":   attempt,
				"delay":     delay.String(),
			}).Warn("operation attempt failed, retrying: " + err.Error())
		}
		if serr := sleep(ctx, delay); serr != nil {
			lastErr = errors.Join(lastErr, serr)
			break
		}
	}

	e.Metrics.ObserveAttempt(req.Operation, "exhausted")
	return ExecutionResult{Key: key, Attempts: attempts}, &ExecutionError{
		Operation: req.Operation,
		Key:       key,
		Attempts:  attempts,
		Err:       lastErr,
	}
}

// runAttempt reports done=true when the loop must stop with the returned values.
func (e *Executor) runAttempt(ctx context.Context, req ExecuteRequest, key string, attempt int, fn OperationFunc) (ExecutionResult, bool, error) {
	tracer := e.tracer
	if tracer == nil {
		tracer = otel.Tracer("inventory_events/workflow")
	}
	ctx, span := tracer.Start(ctx, "executor."+req.Operation, trace.WithAttributes(
		attribute.String("idempotency.key", key),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	opts := req.Options
	if opts.UseIdempotency {
		claim, err := e.Keys.Claim(ctx, key, req.Operation, opts.IdempotencyTTL)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "claim failed")
			return ExecutionResult{Key: key}, true, err
		}
		switch claim.Outcome {
		case ClaimAlreadyCompleted:
			span.SetAttributes(attribute.Bool("duplicate", true))
			e.Metrics.ObserveAttempt(req.Operation, "duplicate")
			return ExecutionResult{Result: claim.Result, WasDuplicate: true, Key: key}, true, nil
		case ClaimInProgress:
			e.Metrics.ObserveAttempt(req.Operation, "in_progress")
			return ExecutionResult{Key: key}, true, fmt.Errorf("%w: %s", ErrOperationInProgress, key)
		}
	}

	txCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var encoded []byte
	err := e.DB.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		out, err := fn(tx, req.Payload)
		if err != nil {
			return err
		}
		encoded, err = json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode result of %s: %w", req.Operation, err)
		}
		if opts.UseIdempotency {
			return e.Keys.Complete(tx, key, encoded)
		}
		return nil
	})
	if err == nil {
		e.Metrics.ObserveAttempt(req.Operation, "success")
		return ExecutionResult{Result: encoded, Key: key, Attempts: attempt}, true, nil
	}

	if errors.Is(txCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("attempt exceeded timeout %s: %w", opts.Timeout, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "attempt failed")
	e.Metrics.ObserveAttempt(req.Operation, "failed")

	if opts.UseIdempotency {
		if ferr := e.Keys.Fail(ctx, key, err); ferr != nil {
			config.LogError(e.Logger, "workflow", "Executor.runAttempt", "mark idempotency key failed", key, ferr)
		}
	}
	return ExecutionResult{Key: key, Attempts: attempt}, false, err
}
