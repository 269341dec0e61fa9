package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/utils"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"gorm.io/gorm"
)

func newTestListener(t *testing.T) (*QueueListener, *recordingRecorder, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	exec := NewExecutor(db, NewKeyStore(db, quietLogger()), quietLogger())
	exec.Sleep = noSleep
	recorder := &recordingRecorder{}
	l := NewQueueListener(exec, recorder, quietLogger(), config.QueueSettings{
		Name:         "test",
		RequeueDelay: 30 * time.Second,
		MaxRequeues:  1,
	})
	return l, recorder, db
}

func delivery(name string, attempt int, payload map[string]any) Delivery {
	return Delivery{
		ID:       "d-1",
		Envelope: EventEnvelope{Name: name, Payload: payload, Source: "test"},
		Attempt:  attempt,
		Requeues: attempt - 1,
		Source:   "test",
	}
}

func TestQueueListener_TransientFailureRequeuesOnceThenDeadLetters(t *testing.T) {
	l, recorder, _ := newTestListener(t)
	calls := 0
	l.Register("flaky", HandlerSpec{
		Operation: "flaky_op",
		Options:   fastOptions(3),
		Handle: func(tx *gorm.DB, payload map[string]any) (any, error) {
			calls++
			return nil, errors.New("lock wait timeout")
		},
	})

	first := l.Handle(context.Background(), delivery("flaky", 1, map[string]any{"id": 1}))
	if first.Action != ActionRequeue || first.Delay != 30*time.Second {
		t.Fatalf("expected requeue after 30s, got %s %s", first.Action, first.Delay)
	}
	if first.State != StateRequeued {
		t.Fatalf("expected requeued state, got %s", first.State)
	}
	if recorder.last().Status != models.EventStatusFailed {
		t.Fatalf("expected failed status recorded, got %s", recorder.last().Status)
	}

	second := l.Handle(context.Background(), delivery("flaky", 2, map[string]any{"id": 1}))
	if second.Action != ActionDeadLetter || second.State != StateCriticalLogged {
		t.Fatalf("expected dead letter after requeue budget, got %s %s", second.Action, second.State)
	}
	if calls != 6 {
		t.Fatalf("expected 3 executor attempts per delivery, got %d", calls)
	}
	if recorder.last().Status != models.EventStatusDeadLetter {
		t.Fatalf("expected dead_letter status recorded, got %s", recorder.last().Status)
	}

	wantTrail := []DeliveryState{StateReceived, StateKeyDerived, StateExecuting, StateTransientFailure, StateCriticalLogged}
	if len(second.Trail) != len(wantTrail) {
		t.Fatalf("unexpected trail %v", second.Trail)
	}
	for i := range wantTrail {
		if second.Trail[i] != wantTrail[i] {
			t.Fatalf("unexpected trail %v", second.Trail)
		}
	}
}

func TestQueueListener_RedeliveryIsAckedAsDuplicate(t *testing.T) {
	l, recorder, _ := newTestListener(t)
	calls := 0
	l.Register("ok", HandlerSpec{
		Operation: "ok_op",
		Options:   fastOptions(1),
		Handle: func(tx *gorm.DB, payload map[string]any) (any, error) {
			calls++
			return map[string]any{"done": true}, nil
		},
	})

	first := l.Handle(context.Background(), delivery("ok", 1, map[string]any{"id": 9, "timestamp": "t1"}))
	second := l.Handle(context.Background(), delivery("ok", 1, map[string]any{"id": 9, "timestamp": "t2"}))

	if first.Action != ActionAck || first.State != StateSuccess {
		t.Fatalf("expected ack/success, got %s/%s", first.Action, first.State)
	}
	if second.Action != ActionAck || second.State != StateDuplicate {
		t.Fatalf("expected ack/duplicate, got %s/%s", second.Action, second.State)
	}
	if calls != 1 {
		t.Fatalf("expected the handler to run once, got %d", calls)
	}
	if first.Key != second.Key || string(second.Result) != `{"done":true}` {
		t.Fatalf("expected same key and stored result, got %q", second.Result)
	}
	if recorder.last().Status != models.EventStatusDuplicate {
		t.Fatalf("expected duplicate status recorded, got %s", recorder.last().Status)
	}
}

func TestQueueListener_UnknownEventIsDeadLettered(t *testing.T) {
	l, _, _ := newTestListener(t)
	out := l.Handle(context.Background(), delivery("nobody.listens", 1, nil))
	if out.Action != ActionDeadLetter || !errors.Is(out.Err, ErrUnknownEvent) {
		t.Fatalf("expected dead letter for unknown event, got %s %v", out.Action, out.Err)
	}
}

func TestQueueListener_PanicIsFatal(t *testing.T) {
	l, _, _ := newTestListener(t)
	l.Register("panics", HandlerSpec{
		Operation: "panics_op",
		Options:   fastOptions(1),
		Handle: func(tx *gorm.DB, payload map[string]any) (any, error) {
			panic("nil map")
		},
	})
	out := l.Handle(context.Background(), delivery("panics", 1, map[string]any{}))
	if out.Action != ActionDeadLetter || out.State != StateCriticalLogged {
		t.Fatalf("expected fatal dead letter, got %s %s", out.Action, out.State)
	}
}

func TestQueueListener_InProgressKeyIsRequeuedWithoutFailure(t *testing.T) {
	l, recorder, db := newTestListener(t)
	l.Register("busy", HandlerSpec{
		Operation: "busy_op",
		Options:   fastOptions(1),
		Handle: func(tx *gorm.DB, payload map[string]any) (any, error) {
			return nil, nil
		},
	})
	d := delivery("busy", 1, map[string]any{"id": 1})
	d.Envelope.IdempotencyKey = "busy-key"
	if _, err := NewKeyStore(db, quietLogger()).Claim(context.Background(), "busy-key", "busy_op", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}

	out := l.Handle(context.Background(), d)
	if out.Action != ActionRequeue || !errors.Is(out.Err, ErrOperationInProgress) {
		t.Fatalf("expected requeue for in-progress key, got %s %v", out.Action, out.Err)
	}
	if recorder.last().Status != models.EventStatusRequeued {
		t.Fatalf("expected requeued status recorded, got %s", recorder.last().Status)
	}
}

func TestQueueListener_InProgressRequeueDoesNotSpendBudget(t *testing.T) {
	l, _, _ := newTestListener(t)
	l.Register("flaky", HandlerSpec{
		Operation: "flaky_op",
		Options:   fastOptions(1),
		Handle: func(tx *gorm.DB, payload map[string]any) (any, error) {
			return nil, errors.New("lock wait timeout")
		},
	})

	// Second hand-over, but the first one was only an in-progress requeue.
	d := delivery("flaky", 2, map[string]any{"id": 1})
	d.Requeues = 0
	out := l.Handle(context.Background(), d)
	if out.Action != ActionRequeue || !out.IsFailureRequeue() {
		t.Fatalf("expected the first transient failure to be requeued, got %s %s", out.Action, out.State)
	}

	d.Attempt, d.Requeues = 3, 1
	out = l.Handle(context.Background(), d)
	if out.Action != ActionDeadLetter {
		t.Fatalf("expected dead letter once the budget is spent, got %s", out.Action)
	}
}

func TestQueueListener_CriticalLogCarriesDeliveryContext(t *testing.T) {
	l, _, _ := newTestListener(t)
	logger, hook := logtest.NewNullLogger()
	l.Logger = logger

	ctx := utils.SetCorrelationIdInContext(context.Background(), "corr-7")
	ctx = utils.SetWorkerIdInContext(ctx, "worker-a")
	l.Handle(ctx, delivery("nobody.listens", 1, nil))

	entry := hook.LastEntry()
	if entry == nil || entry.Data["severity"] != "critical" {
		t.Fatalf("expected a critical log entry, got %+v", entry)
	}
	data, ok := entry.Data["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected structured data, got %T", entry.Data["data"])
	}
	if data["correlation_id"] != "corr-7" || data["worker_id"] != "worker-a" || data["event"] != "nobody.listens" {
		t.Fatalf("unexpected log data %+v", data)
	}
}

func TestQueueListener_OversizedEnvelopeKeyIsDeadLettered(t *testing.T) {
	l, _, _ := newTestListener(t)
	l.Register("ok", HandlerSpec{
		Operation: "ok_op",
		Options:   fastOptions(1),
		Handle: func(tx *gorm.DB, payload map[string]any) (any, error) {
			return nil, nil
		},
	})
	d := delivery("ok", 1, map[string]any{"id": 1})
	d.Envelope.IdempotencyKey = strings.Repeat("x", 65)
	out := l.Handle(context.Background(), d)
	if out.Action != ActionDeadLetter || !errors.Is(out.Err, ErrInvalidKey) {
		t.Fatalf("expected dead letter for oversized key, got %s %v", out.Action, out.Err)
	}
}
