package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics exports executor, listener and monitor counters.
// All methods are no-ops on a nil receiver.
type PipelineMetrics struct {
	mu sync.Mutex

	attemptsTotal     *prometheus.CounterVec
	eventsTotal       *prometheus.CounterVec
	eventDuration     *prometheus.HistogramVec
	deliveriesTotal   *prometheus.CounterVec
	backlogAgeSeconds *prometheus.GaugeVec
	backlogDepth      *prometheus.GaugeVec
	successRate       prometheus.Gauge
	alertsTotal       *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newPipelineCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inventory",
			Subsystem: "events",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newPipelineGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inventory",
			Subsystem: "events",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func NewPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PipelineMetrics{
		registerer:      registerer,
		attemptsTotal:   newPipelineCounterVec("executor_attempts_total", "Executor attempts by operation and outcome", []string{"operation", "outcome"}),
		eventsTotal:     newPipelineCounterVec("recorded_total", "Events recorded by the monitor", []string{"source", "event", "status"}),
		deliveriesTotal: newPipelineCounterVec("deliveries_total", "Queue deliveries by listener action", []string{"event", "action"}),
		alertsTotal:     newPipelineCounterVec("alerts_total", "Alerts raised by type and severity", []string{"type", "severity"}),
		eventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "inventory",
				Subsystem: "events",
				Name:      "duration_seconds",
				Help:      "Time spent handling an event",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"event"},
		),
		backlogAgeSeconds: newPipelineGaugeVec("backlog_oldest_age_seconds", "Age of the oldest pending delivery per queue", []string{"queue"}),
		backlogDepth:      newPipelineGaugeVec("backlog_depth", "Pending deliveries per queue", []string{"queue"}),
		successRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inventory",
			Subsystem: "events",
			Name:      "success_rate",
			Help:      "Success rate over the monitor window",
		}),
	}
}

// Register is safe to call more than once.
func (m *PipelineMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.attemptsTotal,
		m.eventsTotal,
		m.eventDuration,
		m.deliveriesTotal,
		m.backlogAgeSeconds,
		m.backlogDepth,
		m.successRate,
		m.alertsTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *PipelineMetrics) ObserveAttempt(operation, outcome string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *PipelineMetrics) ObserveEvent(source, event, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(source, event, status).Inc()
	if d > 0 {
		m.eventDuration.WithLabelValues(event).Observe(d.Seconds())
	}
}

func (m *PipelineMetrics) ObserveDelivery(event string, action OutcomeAction) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(event, string(action)).Inc()
}

func (m *PipelineMetrics) SetBacklog(queue string, oldest time.Duration, depth int64) {
	if m == nil {
		return
	}
	m.backlogAgeSeconds.WithLabelValues(queue).Set(oldest.Seconds())
	m.backlogDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *PipelineMetrics) SetSuccessRate(rate float64) {
	if m == nil {
		return
	}
	m.successRate.Set(rate)
}

func (m *PipelineMetrics) AlertRaised(alertType, severity string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(alertType, severity).Inc()
}
