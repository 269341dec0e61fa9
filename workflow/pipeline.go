package workflow

import (
	"github.com/mmdatafocus/inventory_events/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Pipeline is the set of components every binary wires against one database.
type Pipeline struct {
	Keys      *KeyStore
	Executor  *Executor
	Alerts    *AlertEngine
	Events    *EventMonitor
	Inventory *InventoryMonitor
	Listener  *QueueListener
	Publisher *EventPublisher
}

// NewPipeline builds the components and registers the inventory handlers.
// metrics may be nil.
func NewPipeline(db *gorm.DB, s *config.Settings, notifier Notifier, logger *logrus.Logger, metrics *PipelineMetrics) *Pipeline {
	keys := NewKeyStore(db, logger)

	executor := NewExecutor(db, keys, logger)
	executor.Metrics = metrics

	alerts := NewAlertEngine(notifier, logger)
	alerts.Metrics = metrics
	alerts.Recipients = s.NotificationRecipients

	events := NewEventMonitor(db, s.Monitor, DBBacklogSource{DB: db}, notifier, logger)
	events.Metrics = metrics
	events.Recipients = s.NotificationRecipients

	inventory := NewInventoryMonitor(db, alerts, events, logger, s.CapacityWarningRatio)

	listener := NewQueueListener(executor, events, logger, s.Queue)
	listener.Metrics = metrics

	publisher := NewEventPublisher(db, s.Queue.Name, DBQueueSource)
	publisher.Keys = keys
	publisher.KeyTTL = InventoryOptions().IdempotencyTTL
	RegisterInventoryHandlers(listener, &InventoryHandlers{Alerts: alerts, Publisher: publisher})

	return &Pipeline{
		Keys:      keys,
		Executor:  executor,
		Alerts:    alerts,
		Events:    events,
		Inventory: inventory,
		Listener:  listener,
		Publisher: publisher,
	}
}
