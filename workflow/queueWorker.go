package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DBQueueSource = "db-queue"

// QueueWorker is the host runtime for the database-backed queue. It claims
// ready deliveries, hands each to the listener and applies the outcome.
type QueueWorker struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Listener DeliveryHandler
	WorkerID string

	Queue        string
	BatchSize    int
	PollInterval time.Duration
	LockTTL      time.Duration
	Now          func() time.Time
}

func NewQueueWorker(db *gorm.DB, listener DeliveryHandler, logger *logrus.Logger, s config.QueueSettings) *QueueWorker {
	return &QueueWorker{
		DB:           db,
		Logger:       logger,
		Listener:     listener,
		WorkerID:     "worker-" + uuid.NewString(),
		Queue:        s.Name,
		BatchSize:    s.BatchSize,
		PollInterval: s.PollInterval,
		LockTTL:      s.LockTTL,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

func (w *QueueWorker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

func (w *QueueWorker) Run(ctx context.Context) {
	if w == nil || w.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := w.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			config.LogError(w.Logger, "workflow", "QueueWorker.Run", "process batch", w.Queue, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.PollInterval):
		}
	}
}

// ProcessOnce handles one batch and returns how many deliveries were claimed.
func (w *QueueWorker) ProcessOnce(ctx context.Context) (int, error) {
	claimed, err := w.claim(ctx)
	if err != nil || len(claimed) == 0 {
		return 0, err
	}

	for _, rec := range claimed {
		d, derr := deliveryFromRecord(rec)
		if derr != nil {
			w.settle(ctx, rec, Outcome{Action: ActionDeadLetter, State: StateFatalFailure, Err: derr})
			config.LogCritical(w.Logger, "workflow", "QueueWorker.ProcessOnce", "undecodable delivery", rec.ID, derr)
			continue
		}

		procCtx := utils.SetCorrelationIdInContext(ctx, rec.CorrelationId)
		procCtx = utils.SetWorkerIdInContext(procCtx, w.WorkerID)
		procCtx = utils.SetEventSourceInContext(procCtx, DBQueueSource)
		procCtx = utils.SetDeliveryAttemptInContext(procCtx, d.Attempt)

		out := w.Listener.Handle(procCtx, d)
		w.settle(ctx, rec, out)
	}
	return len(claimed), nil
}

func (w *QueueWorker) claim(ctx context.Context) ([]models.QueuedEvent, error) {
	now := w.now()
	staleBefore := now.Add(-w.LockTTL)

	var claimed []models.QueuedEvent
	err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Ready PENDING rows, plus PROCESSING rows whose worker died mid-batch.
		q := tx.
			Where("queue = ?", w.Queue).
			Where(`
				(status = ? AND available_at <= ?)
				OR
				(status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
			`, models.QueuedEventStatusPending, now, models.QueuedEventStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(w.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].Status = models.QueuedEventStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &w.WorkerID
			claimed[i].DeliveryAttempts++
			if err := tx.Model(&models.QueuedEvent{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":            models.QueuedEventStatusProcessing,
				"locked_at":         claimed[i].LockedAt,
				"locked_by":         claimed[i].LockedBy,
				"delivery_attempts": gorm.Expr("delivery_attempts + 1"),
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim queued events: %w", err)
	}
	return claimed, nil
}

func deliveryFromRecord(rec models.QueuedEvent) (Delivery, error) {
	payload, err := utils.DecodeJSONObject(rec.Payload)
	if err != nil {
		return Delivery{}, fmt.Errorf("decode queued event %d payload: %w", rec.ID, err)
	}
	return Delivery{
		ID: strconv.Itoa(rec.ID),
		Envelope: EventEnvelope{
			Name:           rec.EventName,
			Payload:        payload,
			IdempotencyKey: utils.DereferencePtr(rec.IdempotencyKey),
			Source:         rec.Source,
			CorrelationId:  rec.CorrelationId,
			OccurredAt:     rec.CreatedAt,
		},
		Attempt:  rec.DeliveryAttempts,
		Requeues: rec.FailureRequeues,
		Source:   DBQueueSource,
	}, nil
}

// settle writes the outcome back. Requeue makes the row visible again after
// Delay; dead letters stay DEAD until replayed. Only requeues that followed a
// transient failure count against the requeue budget.
func (w *QueueWorker) settle(ctx context.Context, rec models.QueuedEvent, out Outcome) {
	now := w.now()
	updates := map[string]interface{}{
		"locked_at": nil,
		"locked_by": nil,
	}
	if out.Err != nil {
		msg := out.Err.Error()
		updates["last_error"] = &msg
	}

	switch out.Action {
	case ActionAck:
		updates["status"] = models.QueuedEventStatusSucceeded
		updates["processed_at"] = &now
		updates["last_error"] = nil
	case ActionRequeue:
		updates["status"] = models.QueuedEventStatusPending
		updates["available_at"] = now.Add(out.Delay)
		if out.IsFailureRequeue() {
			updates["failure_requeues"] = gorm.Expr("failure_requeues + 1")
		}
	default:
		updates["status"] = models.QueuedEventStatusDead
		if w.Logger != nil {
			w.Logger.WithFields(logrus.Fields{
				"field":          "QueueWorker",
				"queue":          rec.Queue,
				"record_id":      rec.ID,
				"event":          rec.EventName,
				"correlation_id": rec.CorrelationId,
				"worker_id":      w.WorkerID,
				"attempt":        rec.DeliveryAttempts,
				"severity":       "critical",
			}).Error("queued event moved to DEAD")
		}
	}

	err := w.DB.WithContext(context.WithoutCancel(ctx)).Model(&models.QueuedEvent{}).
		Where("id = ? AND locked_by = ?", rec.ID, w.WorkerID).
		Updates(updates).Error
	if err != nil {
		config.LogError(w.Logger, "workflow", "QueueWorker.settle", "update queued event", rec.ID, err)
	}
}

// ReplayDead moves dead-lettered deliveries back to PENDING. An empty ids
// slice replays the whole queue.
func ReplayDead(ctx context.Context, db *gorm.DB, queue string, ids []int) (int64, error) {
	q := db.WithContext(ctx).Model(&models.QueuedEvent{}).
		Where("queue = ? AND status = ?", queue, models.QueuedEventStatusDead)
	if len(ids) > 0 {
		q = q.Where("id IN ?", utils.UniqueSlice(ids))
	}
	res := q.Updates(map[string]interface{}{
		"status":            models.QueuedEventStatusPending,
		"delivery_attempts": 0,
		"failure_requeues":  0,
		"available_at":      time.Now().UTC(),
		"locked_at":         nil,
		"locked_by":         nil,
		"last_error":        nil,
	})
	if res.Error != nil {
		return 0, fmt.Errorf("replay dead events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// EventPublisher writes events to the database queue. EnqueueTx joins the
// caller's transaction so the event commits with the change that caused it.
type EventPublisher struct {
	DB     *gorm.DB
	Queue  string
	Source string

	// Keys, when set, lets EnqueueKeyed reserve the producer's key.
	Keys   *KeyStore
	KeyTTL time.Duration
}

func NewEventPublisher(db *gorm.DB, queue, source string) *EventPublisher {
	return &EventPublisher{DB: db, Queue: queue, Source: source}
}

func (p *EventPublisher) Enqueue(ctx context.Context, ev Event) (*models.QueuedEvent, error) {
	return p.EnqueueTx(p.DB.WithContext(ctx), ev)
}

func (p *EventPublisher) EnqueueTx(tx *gorm.DB, ev Event) (*models.QueuedEvent, error) {
	return enqueueEnvelope(tx, p.Queue, NewEnvelope(ev, p.Source), 0, time.Now().UTC())
}

// EnqueueKeyed queues the event under a producer-chosen idempotency key. The
// key is reserved as pending in the same transaction, so producer retries
// that reuse it are applied once.
func (p *EventPublisher) EnqueueKeyed(ctx context.Context, ev Event, key string) (*models.QueuedEvent, error) {
	env := NewEnvelope(ev, p.Source)
	env.IdempotencyKey = key

	var rec *models.QueuedEvent
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.Keys != nil {
			if err := p.Keys.ReserveTx(tx, key, ev.Name(), p.KeyTTL); err != nil {
				return err
			}
		}
		var err error
		rec, err = enqueueEnvelope(tx, p.Queue, env, 0, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func enqueueEnvelope(tx *gorm.DB, queue string, env EventEnvelope, attempts int, availableAt time.Time) (*models.QueuedEvent, error) {
	rec, err := newQueuedEvent(queue, env, attempts, availableAt)
	if err != nil {
		return nil, err
	}
	return insertQueuedEvent(tx, rec)
}

// newQueuedEvent builds a PENDING row for env without writing it.
func newQueuedEvent(queue string, env EventEnvelope, attempts int, availableAt time.Time) (*models.QueuedEvent, error) {
	if env.Name == "" {
		return nil, errors.New("event name is required")
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", env.Name, err)
	}
	correlationId := env.CorrelationId
	if correlationId == "" {
		correlationId = uuid.NewString()
	}
	return &models.QueuedEvent{
		Queue:            queue,
		EventName:        env.Name,
		Payload:          payload,
		IdempotencyKey:   utils.NilIfEmpty(env.IdempotencyKey),
		Source:           env.Source,
		CorrelationId:    correlationId,
		Status:           models.QueuedEventStatusPending,
		DeliveryAttempts: attempts,
		AvailableAt:      availableAt,
	}, nil
}

func insertQueuedEvent(tx *gorm.DB, rec *models.QueuedEvent) (*models.QueuedEvent, error) {
	if err := tx.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", rec.EventName, err)
	}
	return rec, nil
}
