package main

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PubSubPushMessage is the body Pub/Sub posts to push endpoints.
type PubSubPushMessage struct {
	Message struct {
		Data            []byte            `json:"data,omitempty"`
		ID              string            `json:"messageId"`
		Attributes      map[string]string `json:"attributes,omitempty"`
		DeliveryAttempt int               `json:"deliveryAttempt,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pubSubPushHandler answers 204 (ack) once the delivery is settled and 500
// (retry) when the outcome could not be recorded.
func pubSubPushHandler(logger *logrus.Logger, host *workflow.PubSubHost) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "main", "pubSubPushHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		var msg PubSubPushMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "main", "pubSubPushHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		ok, err := host.HandleMessage(c.Request.Context(), msg.Message.ID, msg.Message.Data, msg.Message.DeliveryAttempt)
		if !ok {
			logger.WithFields(logrus.Fields{
				"field":        "pubSubPushHandler",
				"message_id":   msg.Message.ID,
				"subscription": msg.Subscription,
			}).Error("pubsub processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry.
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func keyStatsHandler(keys *workflow.KeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := keys.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stats": stats, "total": stats.Total()})
	}
}

func keyCleanupHandler(keys *workflow.KeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		dryRun := c.Query("dry_run") == "true"
		report, err := keys.CleanupExpired(c.Request.Context(), dryRun)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"dry_run": report.DryRun,
			"before":  report.Before,
			"after":   report.After,
			"removed": report.Removed,
		})
	}
}

func performanceHandler(monitor *workflow.EventMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := monitor.MonitorPerformance(c.Request.Context())
		resp := gin.H{
			"window":         report.Window.String(),
			"total":          report.Total,
			"errors":         report.Errors,
			"success_rate":   report.SuccessRate,
			"avg_latency_ms": report.AvgLatency.Milliseconds(),
			"degraded":       report.Degraded,
			"reasons":        report.Reasons,
			"severity":       report.Severity,
		}
		if report.Err != nil {
			resp["error"] = report.Err.Error()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func backlogHandler(monitor *workflow.EventMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := monitor.CheckBacklog(c.Request.Context())
		queues := make([]gin.H, 0, len(report.Queues))
		for _, q := range report.Queues {
			queues = append(queues, gin.H{
				"queue":              q.Queue,
				"depth":              q.Depth,
				"oldest_age_seconds": int64(q.OldestAge.Seconds()),
				"alerted":            q.Alerted,
				"severity":           q.Severity,
			})
		}
		resp := gin.H{"checked_at": report.CheckedAt, "alerts": report.Alerts, "queues": queues}
		if report.Err != nil {
			resp["error"] = report.Err.Error()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func activeAlertsHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var kinds []models.ThresholdType
		if raw := c.Query("type"); raw != "" {
			kind, err := models.ParseThresholdType(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			kinds = append(kinds, kind)
		}
		alerts, err := workflow.ActiveAlerts(c.Request.Context(), db, kinds...)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"alerts": alerts})
	}
}

type replayRequest struct {
	RecordIds []int `json:"record_ids"`
}

func replayHandler(db *gorm.DB, queue string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req replayRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		n, err := workflow.ReplayDead(c.Request.Context(), db, queue, req.RecordIds)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"queue": queue, "replayed": n})
	}
}
