package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// InventoryMonitor scans stock levels and keeps threshold alerts in step
// with them. It is the periodic counterpart of the breach events raised while
// applying inventory changes.
type InventoryMonitor struct {
	DB     *gorm.DB
	Alerts *AlertEngine
	// Events raises capacity alerts through the shared alert path.
	Events *EventMonitor
	Logger *logrus.Logger

	CapacityWarningRatio decimal.Decimal
	Now                  func() time.Time
}

func NewInventoryMonitor(db *gorm.DB, alerts *AlertEngine, events *EventMonitor, logger *logrus.Logger, capacityWarningRatio float64) *InventoryMonitor {
	return &InventoryMonitor{
		DB:                   db,
		Alerts:               alerts,
		Events:               events,
		Logger:               logger,
		CapacityWarningRatio: decimal.NewFromFloat(capacityWarningRatio),
		Now:                  func() time.Time { return time.Now().UTC() },
	}
}

func (m *InventoryMonitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

type ThresholdScanReport struct {
	Kind     models.ThresholdType
	Scanned  int
	Raised   int
	Resolved int
	Critical int
	Err      error
}

// ScanThresholds evaluates every stock level for the given kinds, upserting
// an alert for each breach and resolving alerts that are back in range.
// Each level is handled in its own transaction.
func (m *InventoryMonitor) ScanThresholds(ctx context.Context, kinds ...models.ThresholdType) []ThresholdScanReport {
	if len(kinds) == 0 {
		kinds = models.AllThresholdTypes
	}
	reports := make([]ThresholdScanReport, len(kinds))
	index := map[models.ThresholdType]int{}
	for i, k := range kinds {
		reports[i].Kind = k
		index[k] = i
	}

	var levels []models.StockLevel
	if err := m.DB.WithContext(ctx).Order("id ASC").Find(&levels).Error; err != nil {
		config.LogError(m.Logger, "workflow", "InventoryMonitor.ScanThresholds", "load stock levels", nil, err)
		for i := range reports {
			reports[i].Err = err
		}
		return reports
	}

	now := m.now()
	for _, level := range levels {
		breached := map[models.ThresholdType]AlertInput{}
		for _, b := range StockBreaches(level, now) {
			breached[b.Kind] = b
		}

		err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, kind := range kinds {
				r := &reports[index[kind]]
				r.Scanned++
				if in, ok := breached[kind]; ok {
					alert, err := m.Alerts.UpsertAlert(ctx, tx, in)
					if err != nil {
						return err
					}
					r.Raised++
					if alert.Severity == models.AlertSeverityCritical {
						r.Critical++
					}
					continue
				}
				resolved, err := m.Alerts.ResolveAlert(tx, level.ProductId, level.WarehouseId, kind)
				if err != nil {
					return err
				}
				if resolved {
					r.Resolved++
				}
			}
			return nil
		})
		if err != nil {
			config.LogError(m.Logger, "workflow", "InventoryMonitor.ScanThresholds", "evaluate stock level", level.ID, err)
			for _, kind := range kinds {
				r := &reports[index[kind]]
				r.Err = errors.Join(r.Err, fmt.Errorf("stock level %d: %w", level.ID, err))
			}
		}
	}

	for _, r := range reports {
		if m.Logger == nil {
			break
		}
		m.Logger.WithFields(logrus.Fields{
			"field":    "InventoryMonitor",
			"kind":     string(r.Kind),
			"scanned":  r.Scanned,
			"raised":   r.Raised,
			"resolved": r.Resolved,
			"critical": r.Critical,
		}).Info("threshold scan finished")
	}
	return reports
}

type WarehouseUtilisation struct {
	WarehouseId int
	Name        string
	Used        decimal.Decimal
	Capacity    decimal.Decimal
	Ratio       decimal.Decimal
	Severity    models.AlertSeverity
}

type CapacityReport struct {
	CheckedAt  time.Time
	Warehouses []WarehouseUtilisation
	Alerts     int
	Err        error
}

// CheckCapacity compares the stock held at each active warehouse against its
// capacity. At CapacityWarningRatio a warning is raised, at or above full
// capacity a critical one. Warehouses with no capacity set are skipped.
func (m *InventoryMonitor) CheckCapacity(ctx context.Context) (report CapacityReport) {
	report.CheckedAt = m.now()

	var warehouses []models.Warehouse
	if err := m.DB.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&warehouses).Error; err != nil {
		report.Err = err
		config.LogError(m.Logger, "workflow", "InventoryMonitor.CheckCapacity", "load warehouses", nil, err)
		return report
	}

	for _, w := range warehouses {
		if !w.Capacity.IsPositive() {
			continue
		}
		var quantities []decimal.Decimal
		if err := m.DB.WithContext(ctx).Model(&models.StockLevel{}).
			Where("warehouse_id = ? AND qty > 0", w.ID).
			Pluck("qty", &quantities).Error; err != nil {
			report.Err = errors.Join(report.Err, err)
			config.LogError(m.Logger, "workflow", "InventoryMonitor.CheckCapacity", "load stock for warehouse", w.ID, err)
			continue
		}
		used := decimal.Sum(decimal.Zero, quantities...)
		u := WarehouseUtilisation{
			WarehouseId: w.ID,
			Name:        w.Name,
			Used:        used,
			Capacity:    w.Capacity,
			Ratio:       used.Div(w.Capacity),
		}
		switch {
		case u.Ratio.GreaterThanOrEqual(decimal.NewFromInt(1)):
			u.Severity = models.AlertSeverityCritical
		case u.Ratio.GreaterThanOrEqual(m.CapacityWarningRatio):
			u.Severity = models.AlertSeverityWarning
		}
		report.Warehouses = append(report.Warehouses, u)

		if u.Severity == "" {
			continue
		}
		report.Alerts++
		ev := CapacityWarningEvent{
			WarehouseId:   w.ID,
			WarehouseName: w.Name,
			Used:          used,
			Capacity:      w.Capacity,
			Severity:      u.Severity,
		}
		if m.Events != nil {
			m.Events.raise(ctx, ev, u.Severity)
		} else if m.Logger != nil {
			m.Logger.WithFields(logrus.Fields{"field": "InventoryMonitor", "severity": string(u.Severity)}).Warn(ev.NotificationMessage())
		}
	}
	return report
}
