package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultEventSource = "queue"

// EventRecord is one handled delivery as the monitor sees it.
type EventRecord struct {
	Name     string
	Source   string
	Status   string
	Duration time.Duration
	Payload  map[string]any
}

// QueueBacklog describes accepted but unprocessed deliveries of one queue.
type QueueBacklog struct {
	Queue     string
	Depth     int64
	OldestAt  *time.Time
	OldestAge time.Duration
	Alerted   bool
	Severity  models.AlertSeverity
}

// BacklogSource reports depth and oldest pending item per queue.
type BacklogSource interface {
	PendingStats(ctx context.Context) ([]QueueBacklog, error)
}

type PerformanceReport struct {
	Window      time.Duration
	From        time.Time
	To          time.Time
	Total       int64
	Successes   int64
	Errors      int64
	SuccessRate float64
	AvgLatency  time.Duration
	Degraded    bool
	Reasons     []string
	Severity    models.AlertSeverity
	Err         error
}

type BacklogReport struct {
	CheckedAt time.Time
	MaxAge    time.Duration
	Queues    []QueueBacklog
	Alerts    int
	Err       error
}

// EventMonitor appends to the event log and checks pipeline health.
// None of its methods return errors to the caller: failures are logged and
// carried in the report.
type EventMonitor struct {
	DB         *gorm.DB
	Settings   config.MonitorSettings
	Backlog    BacklogSource
	Notifier   Notifier
	Logger     *logrus.Logger
	Metrics    *PipelineMetrics
	Recipients []string
	Now        func() time.Time
}

func NewEventMonitor(db *gorm.DB, settings config.MonitorSettings, backlog BacklogSource, notifier Notifier, logger *logrus.Logger) *EventMonitor {
	return &EventMonitor{
		DB:       db,
		Settings: settings,
		Backlog:  backlog,
		Notifier: notifier,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *EventMonitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// RecordEvent appends a successful event to the log.
func (m *EventMonitor) RecordEvent(ctx context.Context, name string, payload map[string]any) {
	m.Record(ctx, EventRecord{Name: name, Status: models.EventStatusSuccess, Payload: payload})
}

// Record appends rec to the log. It never fails the caller.
func (m *EventMonitor) Record(ctx context.Context, rec EventRecord) {
	if m == nil {
		return
	}
	defer m.recoverMonitoring("Record", rec.Name)
	if m.DB == nil {
		return
	}

	source := rec.Source
	if source == "" {
		source = defaultEventSource
	}
	status := rec.Status
	if status == "" {
		status = models.EventStatusSuccess
	}
	payload := "{}"
	if rec.Payload != nil {
		encoded, err := utils.MarshalToJSON(rec.Payload)
		if err != nil {
			config.LogError(m.Logger, "workflow", "EventMonitor.Record", "encode event payload", rec.Name, err)
		} else {
			payload = encoded
		}
	}

	row := models.IntegrationLog{
		Type:       models.IntegrationLogTypeEvent,
		Provider:   source,
		Operation:  rec.Name,
		Status:     status,
		DurationMs: rec.Duration.Milliseconds(),
		Payload:    payload,
		CreatedAt:  m.now(),
	}
	// The log entry is written even if the delivery context was cancelled.
	if err := m.DB.WithContext(context.WithoutCancel(ctx)).Create(&row).Error; err != nil {
		config.LogError(m.Logger, "workflow", "EventMonitor.Record", "append event log", rec.Name, err)
	}
	m.Metrics.ObserveEvent(source, rec.Name, status, rec.Duration)
}

func (m *EventMonitor) recoverMonitoring(funcName string, data any) {
	if r := recover(); r != nil {
		config.LogError(m.Logger, "workflow", "EventMonitor."+funcName, "monitoring panic recovered", data, fmt.Errorf("%v", r))
	}
}

// MonitorPerformance aggregates the trailing window of the event log and
// raises event_performance_degraded when a bound is crossed.
func (m *EventMonitor) MonitorPerformance(ctx context.Context) (report PerformanceReport) {
	if m == nil {
		return PerformanceReport{Err: errors.New("event monitor is nil")}
	}
	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Errorf("monitor performance panic: %v", r)
			config.LogError(m.Logger, "workflow", "EventMonitor.MonitorPerformance", "monitoring panic recovered", nil, report.Err)
		}
	}()

	to := m.now()
	report = PerformanceReport{
		Window:      m.Settings.Window,
		From:        to.Add(-m.Settings.Window),
		To:          to,
		SuccessRate: 1,
		Severity:    models.AlertSeverityWarning,
	}

	var rows []struct {
		Status  string
		Total   int64
		TotalMs int64
	}
	err := m.DB.WithContext(ctx).Model(&models.IntegrationLog{}).
		Select("status, count(*) as total, coalesce(sum(duration_ms), 0) as total_ms").
		Where("type = ? AND created_at >= ? AND created_at <= ?", models.IntegrationLogTypeEvent, report.From, report.To).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		report.Err = fmt.Errorf("aggregate event log: %w", err)
		config.LogError(m.Logger, "workflow", "EventMonitor.MonitorPerformance", "aggregate event log", nil, err)
		return report
	}

	var totalMs int64
	for _, r := range rows {
		// In-progress requeues are neither successes nor failures.
		if r.Status == models.EventStatusRequeued {
			continue
		}
		report.Total += r.Total
		totalMs += r.TotalMs
		switch r.Status {
		case models.EventStatusSuccess, models.EventStatusDuplicate:
			report.Successes += r.Total
		default:
			report.Errors += r.Total
		}
	}
	if report.Total == 0 {
		m.Metrics.SetSuccessRate(1)
		return report
	}

	report.SuccessRate = float64(report.Successes) / float64(report.Total)
	report.AvgLatency = time.Duration(totalMs/report.Total) * time.Millisecond
	m.Metrics.SetSuccessRate(report.SuccessRate)

	allowedErrorRate := 1 - m.Settings.MinSuccessRate
	if report.SuccessRate < m.Settings.MinSuccessRate {
		report.Degraded = true
		report.Reasons = append(report.Reasons, fmt.Sprintf("success rate %.4f below %.4f", report.SuccessRate, m.Settings.MinSuccessRate))
		if 1-report.SuccessRate >= 2*allowedErrorRate {
			report.Severity = models.AlertSeverityCritical
		}
	}
	if report.AvgLatency > m.Settings.MaxAvgLatency {
		report.Degraded = true
		report.Reasons = append(report.Reasons, fmt.Sprintf("average latency %s above %s", report.AvgLatency, m.Settings.MaxAvgLatency))
		if report.AvgLatency >= 2*m.Settings.MaxAvgLatency {
			report.Severity = models.AlertSeverityCritical
		}
	}

	if report.Degraded {
		m.raise(ctx, PerformanceDegradedEvent{Report: report}, report.Severity)
	}
	return report
}

// CheckBacklog raises event_backlog for every queue whose oldest pending
// delivery is older than MaxBacklogAge.
func (m *EventMonitor) CheckBacklog(ctx context.Context) (report BacklogReport) {
	if m == nil {
		return BacklogReport{Err: errors.New("event monitor is nil")}
	}
	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Errorf("check backlog panic: %v", r)
			config.LogError(m.Logger, "workflow", "EventMonitor.CheckBacklog", "monitoring panic recovered", nil, report.Err)
		}
	}()

	now := m.now()
	report = BacklogReport{CheckedAt: now, MaxAge: m.Settings.MaxBacklogAge}
	if m.Backlog == nil {
		report.Err = errors.New("no backlog source configured")
		return report
	}

	queues, err := m.Backlog.PendingStats(ctx)
	if err != nil {
		report.Err = fmt.Errorf("read backlog: %w", err)
		config.LogError(m.Logger, "workflow", "EventMonitor.CheckBacklog", "read backlog", nil, err)
		return report
	}

	for i := range queues {
		q := &queues[i]
		if q.OldestAt != nil {
			q.OldestAge = now.Sub(*q.OldestAt)
			if q.OldestAge < 0 {
				q.OldestAge = 0
			}
		}
		m.Metrics.SetBacklog(q.Queue, q.OldestAge, q.Depth)

		if q.Depth == 0 || q.OldestAge <= m.Settings.MaxBacklogAge {
			continue
		}
		q.Alerted = true
		q.Severity = models.AlertSeverityWarning
		if q.OldestAge >= 2*m.Settings.MaxBacklogAge {
			q.Severity = models.AlertSeverityCritical
		}
		report.Alerts++
		m.raise(ctx, BacklogEvent{Queue: q.Queue, OldestAge: q.OldestAge, Depth: q.Depth, Severity: q.Severity}, q.Severity)
	}
	report.Queues = queues
	return report
}

// raise logs the alert, appends it to the log as type "alert" and sends it
// through the notification sink.
func (m *EventMonitor) raise(ctx context.Context, ev NotifiableEvent, severity models.AlertSeverity) {
	fields := logrus.Fields{
		"field":    "EventMonitor",
		"type":     ev.Name(),
		"severity": string(severity),
		"data":     ev.Payload(),
	}
	if m.Logger != nil {
		if severity == models.AlertSeverityCritical {
			m.Logger.WithFields(fields).Error(ev.NotificationMessage())
		} else {
			m.Logger.WithFields(fields).Warn(ev.NotificationMessage())
		}
	}
	m.Metrics.AlertRaised(ev.Name(), string(severity))

	if m.DB != nil {
		raw, _ := utils.MarshalToJSON(ev.Payload())
		row := models.IntegrationLog{
			Type:      models.IntegrationLogTypeAlert,
			Provider:  "monitor",
			Operation: ev.Name(),
			Status:    string(severity),
			Payload:   raw,
			CreatedAt: m.now(),
		}
		if err := m.DB.WithContext(ctx).Create(&row).Error; err != nil {
			config.LogError(m.Logger, "workflow", "EventMonitor.raise", "append alert log", ev.Name(), err)
		}
	}

	if m.Notifier != nil {
		if err := m.Notifier.Notify(ctx, NotificationFromEvent(ev, m.Recipients)); err != nil {
			config.LogError(m.Logger, "workflow", "EventMonitor.raise", "send monitor notification", ev.Name(), err)
		}
	}
}

// DBBacklogSource reads backlog from the queued_events table.
type DBBacklogSource struct {
	DB *gorm.DB
}

func (s DBBacklogSource) PendingStats(ctx context.Context) ([]QueueBacklog, error) {
	pending := []string{models.QueuedEventStatusPending, models.QueuedEventStatusProcessing}

	var depths []struct {
		Queue string
		Depth int64
	}
	err := s.DB.WithContext(ctx).Model(&models.QueuedEvent{}).
		Select("queue, count(*) as depth").
		Where("status IN ?", pending).
		Group("queue").
		Scan(&depths).Error
	if err != nil {
		return nil, err
	}

	out := make([]QueueBacklog, 0, len(depths))
	for _, d := range depths {
		var oldest models.QueuedEvent
		err := s.DB.WithContext(ctx).
			Select("id", "created_at").
			Where("queue = ? AND status IN ?", d.Queue, pending).
			Order("created_at ASC").
			Take(&oldest).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		qb := QueueBacklog{Queue: d.Queue, Depth: d.Depth}
		if err == nil {
			createdAt := oldest.CreatedAt
			qb.OldestAt = &createdAt
		}
		out = append(out, qb)
	}
	return out, nil
}
