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

var (
	decimalTwo          = decimal.NewFromInt(2)
	decimalOnePointFive = decimal.RequireFromString("1.5")
)

// Classify maps a breach to its severity. Values are compared as decimals so
// the half and one-and-a-half boundaries are exact.
func Classify(kind models.ThresholdType, threshold, current decimal.Decimal) models.AlertSeverity {
	switch kind {
	case models.ThresholdTypeLowStock, models.ThresholdTypeExpiringSoon:
		if current.LessThanOrEqual(threshold.Div(decimalTwo)) {
			return models.AlertSeverityCritical
		}
	case models.ThresholdTypeHighStock:
		if current.GreaterThanOrEqual(threshold.Mul(decimalOnePointFive)) {
			return models.AlertSeverityCritical
		}
	}
	return models.AlertSeverityWarning
}

type AlertInput struct {
	ProductId      int
	LocationId     int
	Kind           models.ThresholdType
	ThresholdValue decimal.Decimal
	CurrentValue   decimal.Decimal
}

type AlertEngine struct {
	Notifier   Notifier
	Logger     *logrus.Logger
	Metrics    *PipelineMetrics
	Recipients []string
	Now        func() time.Time
}

func NewAlertEngine(notifier Notifier, logger *logrus.Logger) *AlertEngine {
	return &AlertEngine{
		Notifier: notifier,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *AlertEngine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func activeAlertQuery(tx *gorm.DB, productId, locationId int, kind models.ThresholdType) *gorm.DB {
	return tx.Where("product_id = ? AND location_id = ? AND threshold_type = ? AND is_resolved = ?", productId, locationId, kind, false)
}

// UpsertAlert keeps a single active alert per (product, location, kind).
// A repeated breach updates values and severity in place; detected_at stays
// at the first breach. The notification is sent right after the write.
func (e *AlertEngine) UpsertAlert(ctx context.Context, tx *gorm.DB, in AlertInput) (*models.InventoryThresholdAlert, error) {
	if _, err := models.ParseThresholdType(string(in.Kind)); err != nil {
		return nil, err
	}
	severity := Classify(in.Kind, in.ThresholdValue, in.CurrentValue)

	alert, err := e.updateActive(tx, in, severity)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		alert = &models.InventoryThresholdAlert{
			ProductId:      in.ProductId,
			LocationId:     in.LocationId,
			ThresholdType:  in.Kind,
			ThresholdValue: in.ThresholdValue,
			CurrentValue:   in.CurrentValue,
			Severity:       severity,
			IsResolved:     false,
			ActiveSlot:     models.ActiveAlertSlot(),
			DetectedAt:     e.now(),
		}
		if err := tx.Create(alert).Error; err != nil {
			if !isDuplicateKeyErr(err) {
				return nil, fmt.Errorf("insert threshold alert: %w", err)
			}
			// A concurrent breach inserted first; fold into it.
			alert, err = e.updateActive(tx, in, severity)
			if err != nil {
				return nil, err
			}
			if alert == nil {
				return nil, errors.New("threshold alert vanished during upsert")
			}
		}
	}

	e.Metrics.AlertRaised(string(alert.ThresholdType), string(alert.Severity))
	e.notify(ctx, tx, alert)
	return alert, nil
}

func (e *AlertEngine) updateActive(tx *gorm.DB, in AlertInput, severity models.AlertSeverity) (*models.InventoryThresholdAlert, error) {
	var existing models.InventoryThresholdAlert
	err := activeAlertQuery(tx, in.ProductId, in.LocationId, in.Kind).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active threshold alert: %w", err)
	}
	if err := tx.Model(&existing).Updates(map[string]interface{}{
		"threshold_value": in.ThresholdValue,
		"current_value":   in.CurrentValue,
		"severity":        severity,
	}).Error; err != nil {
		return nil, fmt.Errorf("update threshold alert %d: %w", existing.ID, err)
	}
	existing.ThresholdValue = in.ThresholdValue
	existing.CurrentValue = in.CurrentValue
	existing.Severity = severity
	return &existing, nil
}

// ResolveAlert closes the active alert, if any. Called by the inventory
// monitor once the metric is back in range.
func (e *AlertEngine) ResolveAlert(tx *gorm.DB, productId, locationId int, kind models.ThresholdType) (bool, error) {
	now := e.now()
	res := activeAlertQuery(tx.Model(&models.InventoryThresholdAlert{}), productId, locationId, kind).
		Updates(map[string]interface{}{
			"is_resolved": true,
			"resolved_at": &now,
			"active_slot": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("resolve threshold alert: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func ActiveAlerts(ctx context.Context, db *gorm.DB, kinds ...models.ThresholdType) ([]models.InventoryThresholdAlert, error) {
	var alerts []models.InventoryThresholdAlert
	q := db.WithContext(ctx).Where("is_resolved = ?", false)
	if len(kinds) > 0 {
		q = q.Where("threshold_type IN ?", kinds)
	}
	err := q.Order("severity ASC, detected_at ASC").Find(&alerts).Error
	return alerts, err
}

func (e *AlertEngine) notify(ctx context.Context, tx *gorm.DB, alert *models.InventoryThresholdAlert) {
	if e.Notifier == nil {
		return
	}
	ev := ThresholdBreachedEvent{
		AlertId:        alert.ID,
		ProductId:      alert.ProductId,
		LocationId:     alert.LocationId,
		ProductName:    lookupName(tx, &models.Product{}, alert.ProductId),
		LocationName:   lookupName(tx, &models.Warehouse{}, alert.LocationId),
		ThresholdType:  alert.ThresholdType,
		ThresholdValue: alert.ThresholdValue,
		CurrentValue:   alert.CurrentValue,
		Severity:       alert.Severity,
	}
	if err := e.Notifier.Notify(ctx, NotificationFromEvent(ev, e.Recipients)); err != nil {
		config.LogError(e.Logger, "workflow", "AlertEngine.notify", "send threshold notification", ev.Payload(), err)
	}
}

func lookupName(tx *gorm.DB, model any, id int) string {
	var names []string
	if err := tx.Model(model).Where("id = ?", id).Limit(1).Pluck("name", &names).Error; err != nil || len(names) == 0 {
		return ""
	}
	return names[0]
}
