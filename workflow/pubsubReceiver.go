package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const PubSubSource = "pubsub"

var ErrMalformedMessage = errors.New("malformed event message")

// PubSubHost adapts Pub/Sub deliveries (streaming pull or push) to the
// listener. Pub/Sub only knows ack and nack, so requeues and dead letters are
// handed over to the database queue before the message is acked.
type PubSubHost struct {
	DB       *gorm.DB
	Listener DeliveryHandler
	Logger   *logrus.Logger
	Queue    string
	Now      func() time.Time
}

func NewPubSubHost(db *gorm.DB, listener DeliveryHandler, logger *logrus.Logger, queue string) *PubSubHost {
	return &PubSubHost{
		DB:       db,
		Listener: listener,
		Logger:   logger,
		Queue:    queue,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func DecodeEnvelope(data []byte) (EventEnvelope, error) {
	var env EventEnvelope
	if err := utils.UnmarshalFromJSON(data, &env); err != nil {
		return EventEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Name == "" {
		return EventEnvelope{}, fmt.Errorf("%w: name is required", ErrMalformedMessage)
	}
	if env.Source == "" {
		env.Source = PubSubSource
	}
	return env, nil
}

// HandleMessage processes one message and reports whether it can be acked.
// Malformed messages are acked so they do not loop forever.
func (h *PubSubHost) HandleMessage(ctx context.Context, messageID string, data []byte, attempt int) (bool, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		config.LogCritical(h.Logger, "workflow", "PubSubHost.HandleMessage", "dropping undecodable message", messageID, err)
		return true, nil
	}
	if env.CorrelationId == "" {
		env.CorrelationId = messageID
	}
	if attempt < 1 {
		attempt = 1
	}

	ctx = utils.SetCorrelationIdInContext(ctx, env.CorrelationId)
	ctx = utils.SetEventSourceInContext(ctx, PubSubSource)
	ctx = utils.SetDeliveryAttemptInContext(ctx, attempt)

	// Pub/Sub only redelivers when an earlier attempt could not be settled, so
	// each redelivery is counted against the requeue budget.
	d := Delivery{ID: messageID, Envelope: env, Attempt: attempt, Requeues: attempt - 1, Source: PubSubSource}
	out := h.Listener.Handle(ctx, d)
	if err := h.Settle(ctx, d, out); err != nil {
		return false, err
	}
	return true, nil
}

// Settle maps an outcome onto the database queue. A nil error means the
// external message may be acked.
func (h *PubSubHost) Settle(ctx context.Context, d Delivery, out Outcome) error {
	if out.Action == ActionAck {
		return nil
	}
	now := time.Now().UTC()
	if h.Now != nil {
		now = h.Now()
	}

	// The worker bumps delivery_attempts when it claims the row.
	rec, err := newQueuedEvent(h.Queue, d.Envelope, d.Attempt, now.Add(out.Delay))
	if err != nil {
		config.LogError(h.Logger, "workflow", "PubSubHost.Settle", "build queued event", d.ID, err)
		return err
	}
	rec.FailureRequeues = d.Requeues
	if out.IsFailureRequeue() {
		rec.FailureRequeues++
	}
	if out.Err != nil {
		msg := out.Err.Error()
		rec.LastError = &msg
	}

	stage := "requeue to db queue"
	if out.Action != ActionRequeue {
		// Dead letters are written DEAD in the one insert.
		rec.Status = models.QueuedEventStatusDead
		rec.AvailableAt = now
		stage = "dead-letter to db queue"
	}
	if _, err := insertQueuedEvent(h.DB.WithContext(context.WithoutCancel(ctx)), rec); err != nil {
		config.LogError(h.Logger, "workflow", "PubSubHost.Settle", stage, d.ID, err)
		return err
	}
	return nil
}

// Receive runs a streaming pull until ctx is done.
func (h *PubSubHost) Receive(ctx context.Context, sub *pubsub.Subscription) error {
	if sub == nil {
		return &config.ConfigurationError{Setting: "PubSub.Subscription", Reason: "subscription is nil"}
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	h.Logger.WithFields(logrus.Fields{
		"field":        "PubSubHost.Receive",
		"subscription": sub.ID(),
	}).Info("pubsub receiver started")

	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		attempt := 1
		if m.DeliveryAttempt != nil {
			attempt = *m.DeliveryAttempt
		}
		ok, err := h.HandleMessage(ctx, m.ID, m.Data, attempt)
		if !ok {
			h.Logger.WithFields(logrus.Fields{
				"field":      "PubSubHost.Receive",
				"message_id": m.ID,
				"attempt":    attempt,
			}).Error("nacking message: " + err.Error())
			m.Nack()
			return
		}
		m.Ack()
	})
}
