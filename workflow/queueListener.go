package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type OutcomeAction string

const (
	ActionAck        OutcomeAction = "ack"
	ActionRequeue    OutcomeAction = "requeue"
	ActionDeadLetter OutcomeAction = "dead_letter"
)

type DeliveryState string

const (
	StateReceived         DeliveryState = "received"
	StateKeyDerived       DeliveryState = "key_derived"
	StateDuplicate        DeliveryState = "duplicate"
	StateExecuting        DeliveryState = "executing"
	StateSuccess          DeliveryState = "success"
	StateTransientFailure DeliveryState = "transient_failure"
	StateRequeued         DeliveryState = "requeued"
	StateFatalFailure     DeliveryState = "fatal_failure"
	StateCriticalLogged   DeliveryState = "critical_logged"
)

// Delivery is one attempt by the host queue to hand over an event.
// Attempt starts at 1 and counts every hand-over. Requeues counts only the
// earlier requeues that followed a transient failure; it is what the requeue
// budget is checked against.
type Delivery struct {
	ID       string
	Envelope EventEnvelope
	Attempt  int
	Requeues int
	Source   string
}

// Outcome tells the host queue what to do with the delivery.
type Outcome struct {
	Action OutcomeAction
	Delay  time.Duration
	State  DeliveryState
	Trail  []DeliveryState
	Key    string
	Result json.RawMessage
	Err    error
}

func (o *Outcome) enter(s DeliveryState) {
	o.State = s
	o.Trail = append(o.Trail, s)
}

func (o Outcome) passedThrough(s DeliveryState) bool {
	for _, t := range o.Trail {
		if t == s {
			return true
		}
	}
	return false
}

// IsFailureRequeue reports whether the outcome spends the requeue budget.
// Requeues for a key held by another worker do not.
func (o Outcome) IsFailureRequeue() bool {
	return o.Action == ActionRequeue && o.passedThrough(StateTransientFailure)
}

// HandlerSpec binds an event name to the operation that applies it.
type HandlerSpec struct {
	Operation string
	Options   ExecutionOptions
	Handle    OperationFunc
}

type OperationExecutor interface {
	Execute(ctx context.Context, req ExecuteRequest, fn OperationFunc) (ExecutionResult, error)
}

type EventRecorder interface {
	Record(ctx context.Context, rec EventRecord)
}

// DeliveryHandler is implemented by QueueListener; hosts depend on this.
type DeliveryHandler interface {
	Handle(ctx context.Context, d Delivery) Outcome
}

// QueueListener is invoked once per delivery by every queue host.
type QueueListener struct {
	Executor OperationExecutor
	Monitor  EventRecorder
	Logger   *logrus.Logger
	Metrics  *PipelineMetrics

	// RequeueDelay is the outer retry delay used after the executor has
	// exhausted its own attempts.
	RequeueDelay time.Duration
	// MaxRequeues is how many transient failures are requeued before the
	// delivery is dead-lettered. Checked against Delivery.Requeues.
	MaxRequeues int

	mu       sync.RWMutex
	handlers map[string]HandlerSpec
}

func NewQueueListener(executor OperationExecutor, monitor EventRecorder, logger *logrus.Logger, s config.QueueSettings) *QueueListener {
	return &QueueListener{
		Executor:     executor,
		Monitor:      monitor,
		Logger:       logger,
		RequeueDelay: s.RequeueDelay,
		MaxRequeues:  s.MaxRequeues,
		handlers:     map[string]HandlerSpec{},
	}
}

func (l *QueueListener) Register(eventName string, spec HandlerSpec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers == nil {
		l.handlers = map[string]HandlerSpec{}
	}
	l.handlers[eventName] = spec
}

func (l *QueueListener) handler(eventName string) (HandlerSpec, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	spec, ok := l.handlers[eventName]
	return spec, ok
}

func (l *QueueListener) Handle(ctx context.Context, d Delivery) (out Outcome) {
	start := time.Now()
	ctx, span := otel.Tracer("inventory_events/workflow").Start(ctx, "listener."+d.Envelope.Name)
	defer span.End()

	out.enter(StateReceived)
	defer func() {
		if r := recover(); r != nil {
			out = l.fatal(ctx, d, out, fmt.Errorf("panic while handling %s: %v", d.Envelope.Name, r))
		}
		span.SetAttributes(
			attribute.String("outcome.action", string(out.Action)),
			attribute.String("outcome.state", string(out.State)),
			attribute.Int("delivery.attempt", d.Attempt),
		)
		if out.Err != nil {
			span.RecordError(out.Err)
			if out.Action == ActionDeadLetter {
				span.SetStatus(codes.Error, string(out.State))
			}
		}
		l.record(ctx, d, out, time.Since(start))
	}()

	spec, ok := l.handler(d.Envelope.Name)
	if !ok {
		return l.fatal(ctx, d, out, fmt.Errorf("%w: %s", ErrUnknownEvent, d.Envelope.Name))
	}

	eventContext := map[string]any{"event": d.Envelope.Name}
	key := d.Envelope.IdempotencyKey
	if key == "" && spec.Options.UseIdempotency {
		derived, err := DeriveIdempotencyKey(spec.Operation, eventContext, d.Envelope.Payload)
		if err != nil {
			return l.fatal(ctx, d, out, err)
		}
		key = derived
	}
	out.Key = key
	out.enter(StateKeyDerived)

	res, err := l.Executor.Execute(ctx, ExecuteRequest{
		Operation:      spec.Operation,
		Payload:        d.Envelope.Payload,
		Context:        eventContext,
		IdempotencyKey: key,
		Options:        spec.Options,
	}, spec.Handle)

	switch {
	case err == nil:
		out.Result = res.Result
		if res.WasDuplicate {
			out.enter(StateDuplicate)
		} else {
			out.enter(StateExecuting)
			out.enter(StateSuccess)
		}
		out.Action = ActionAck
		return out

	case errors.Is(err, ErrOperationInProgress):
		// Another worker owns the key; look again later.
		out.enter(StateRequeued)
		out.Action = ActionRequeue
		out.Delay = l.RequeueDelay
		out.Err = err
		return out

	case IsExecutionError(err):
		out.enter(StateExecuting)
		out.enter(StateTransientFailure)
		out.Err = err
		if d.Requeues < l.MaxRequeues {
			out.enter(StateRequeued)
			out.Action = ActionRequeue
			out.Delay = l.RequeueDelay
			if l.Logger != nil {
				l.Logger.WithFields(utils.DeliveryFieldsFromContext(ctx)).WithFields(logrus.Fields{
					"field":       "QueueListener",
					"event":       d.Envelope.Name,
					"delivery_id": d.ID,
					"attempt":     d.Attempt,
					"requeues":    d.Requeues,
					"key":         key,
					"delay":       l.RequeueDelay.String(),
				}).Warn("requeueing delivery after transient failure: " + err.Error())
			}
			return out
		}
		out.enter(StateCriticalLogged)
		out.Action = ActionDeadLetter
		l.logCritical(ctx, d, key, "delivery dead-lettered after exhausting requeues", err)
		return out

	default:
		out.enter(StateExecuting)
		return l.fatal(ctx, d, out, err)
	}
}

func (l *QueueListener) fatal(ctx context.Context, d Delivery, out Outcome, err error) Outcome {
	out.enter(StateFatalFailure)
	out.enter(StateCriticalLogged)
	out.Action = ActionDeadLetter
	out.Delay = 0
	out.Err = err
	l.logCritical(ctx, d, out.Key, "delivery failed fatally", err)
	return out
}

func (l *QueueListener) logCritical(ctx context.Context, d Delivery, key string, msg string, err error) {
	data := utils.DeliveryFieldsFromContext(ctx)
	data["event"] = d.Envelope.Name
	data["delivery_id"] = d.ID
	data["attempt"] = d.Attempt
	data["requeues"] = d.Requeues
	data["source"] = d.Source
	data["key"] = key
	config.LogCritical(l.Logger, "workflow", "QueueListener.Handle", msg, data, err)
}

func (l *QueueListener) record(ctx context.Context, d Delivery, out Outcome, elapsed time.Duration) {
	l.Metrics.ObserveDelivery(d.Envelope.Name, out.Action)
	if l.Monitor == nil {
		return
	}

	status := models.EventStatusSuccess
	switch {
	case out.Action == ActionAck && out.State == StateDuplicate:
		status = models.EventStatusDuplicate
	case out.Action == ActionRequeue && out.State == StateRequeued && errors.Is(out.Err, ErrOperationInProgress):
		status = models.EventStatusRequeued
	case out.Action == ActionRequeue:
		status = models.EventStatusFailed
	case out.Action == ActionDeadLetter:
		status = models.EventStatusDeadLetter
	}

	payload := map[string]any{
		"delivery_id": d.ID,
		"attempt":     d.Attempt,
		"key":         out.Key,
		"state":       string(out.State),
	}
	if out.Err != nil {
		payload["error"] = out.Err.Error()
	}
	source := d.Envelope.Source
	if source == "" {
		source = d.Source
	}
	l.Monitor.Record(ctx, EventRecord{
		Name:     d.Envelope.Name,
		Source:   source,
		Status:   status,
		Duration: elapsed,
		Payload:  payload,
	})
}
