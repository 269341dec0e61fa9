package workflow

import (
	"context"
	"errors"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/inventory_events/config"
	"github.com/sirupsen/logrus"
)

// Notification is handed to the external delivery service.
type Notification struct {
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data"`
	Recipients []string       `json:"recipients"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

func NotificationFromEvent(ev NotifiableEvent, recipients []string) Notification {
	return Notification{
		Type:       ev.Name(),
		Message:    ev.NotificationMessage(),
		Data:       ev.Payload(),
		Recipients: recipients,
	}
}

// LogNotifier writes notifications to the process log. Used when no
// notification topic is configured.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Notify(ctx context.Context, msg Notification) error {
	if n.Logger == nil {
		return nil
	}
	n.Logger.WithFields(logrus.Fields{
		"field":      "Notification",
		"type":       msg.Type,
		"data":       msg.Data,
		"recipients": msg.Recipients,
	}).Warn(msg.Message)
	return nil
}

// PubSubNotifier publishes notifications to the topic consumed by the
// notification service.
type PubSubNotifier struct {
	Topic *pubsub.Topic
}

func (n PubSubNotifier) Notify(ctx context.Context, msg Notification) error {
	_, err := config.PublishJSON(ctx, n.Topic, msg, map[string]string{"type": msg.Type})
	return err
}

// MultiNotifier delivers to every sink and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, msg Notification) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
