package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// NewPubSubClient uses Application Default Credentials unless
// CredentialsJSON is set.
func NewPubSubClient(ctx context.Context, s PubSubSettings, logg *logrus.Logger) (*pubsub.Client, error) {
	if s.ProjectID == "" {
		return nil, &ConfigurationError{Setting: "PubSub.ProjectID", Reason: "required"}
	}

	attempt := 0
	c, err := backoff.Retry(ctx, func() (*pubsub.Client, error) {
		attempt++
		if s.CredentialsJSON != "" {
			return pubsub.NewClient(ctx, s.ProjectID, option.WithCredentialsJSON([]byte(s.CredentialsJSON)))
		}
		return pubsub.NewClient(ctx, s.ProjectID)
	},
		backoff.WithBackOff(connectBackOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			logg.WithFields(logrus.Fields{
				"field":      "NewPubSubClient",
				"project_id": s.ProjectID,
				"attempt":    attempt,
			}).Warnf("failed to init pubsub client: %v; retrying in %s", err, next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	logg.WithFields(logrus.Fields{"field": "NewPubSubClient", "project_id": s.ProjectID, "attempt": attempt}).Info("pubsub client ready")
	return c, nil
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// CreateSubscriptionIfNotExists configures the subscription retry policy so a
// nacked delivery comes back after requeueDelay, which is how the listener's
// Requeue(delay) outcome maps onto Pub/Sub.
func CreateSubscriptionIfNotExists(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic, requeueDelay time.Duration) (*pubsub.Subscription, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if name == "" {
		return nil, errors.New("subscription name is required")
	}
	if topic == nil {
		return nil, errors.New("topic is required")
	}

	sub := client.Subscription(name)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if subExists {
		return sub, nil
	}

	maxBackoff := requeueDelay * 4
	if maxBackoff > 600*time.Second {
		maxBackoff = 600 * time.Second
	}
	sub, err = client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 60 * time.Second,
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: requeueDelay,
			MaximumBackoff: maxBackoff,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %q: %w", name, err)
	}
	return sub, nil
}

// PublishJSON publishes obj and returns the server-assigned message ID.
func PublishJSON(ctx context.Context, t *pubsub.Topic, obj any, attrs map[string]string) (string, error) {
	if t == nil {
		return "", errors.New("topic is nil")
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	result := t.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	return result.Get(ctx)
}
