package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/middlewares"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/utils"
	"github.com/mmdatafocus/inventory_events/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func main() {
	settings, err := config.LoadSettings()
	if err != nil {
		config.NewLogger("info").WithFields(logrus.Fields{"field": "settings"}).Fatal(err.Error())
	}
	logger := config.NewLogger(settings.LogLevel)
	if settings.APISecret == "" {
		logger.WithFields(logrus.Fields{"field": "settings"}).
			Fatal((&config.ConfigurationError{Setting: "APISecret", Reason: "required for the ops endpoints"}).Error())
	}

	// Cloud Run sends SIGTERM on revision shutdown.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	db, err := config.ConnectDatabase(sigCtx, settings.Database, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err.Error())
	}
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	// AutoMigrate can block tables; production runs it as a separate job.
	if !config.SkipMigrations() {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	var (
		rdb    *redis.Client
		locker *redislock.Client
	)
	if settings.RedisAddress != "" {
		rdb, locker, err = config.ConnectRedis(sigCtx, settings.RedisAddress, logger)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis unavailable; periodic jobs run without locks: " + err.Error())
		}
	}

	var (
		psClient *pubsub.Client
		sub      *pubsub.Subscription
	)
	notifiers := workflow.MultiNotifier{workflow.LogNotifier{Logger: logger}}
	if settings.PubSub.Enabled {
		psClient, err = config.NewPubSubClient(sigCtx, settings.PubSub, logger)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err.Error())
		}
		topic, err := config.CreateTopicIfNotExists(sigCtx, psClient, settings.PubSub.Topic)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err.Error())
		}
		sub, err = config.CreateSubscriptionIfNotExists(sigCtx, psClient, settings.PubSub.Subscription, topic, settings.Queue.RequeueDelay)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err.Error())
		}
		if settings.PubSub.NotificationTopic != "" {
			notifyTopic, err := config.CreateTopicIfNotExists(sigCtx, psClient, settings.PubSub.NotificationTopic)
			if err != nil {
				logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err.Error())
			}
			notifiers = append(notifiers, workflow.PubSubNotifier{Topic: notifyTopic})
		}
	}

	metrics := workflow.NewPipelineMetrics(prometheus.DefaultRegisterer)
	if err := metrics.Register(); err != nil {
		logger.WithFields(logrus.Fields{"field": "metrics"}).Fatal(err.Error())
	}

	pipeline := workflow.NewPipeline(db, settings, notifiers, logger, metrics)
	host := workflow.NewPubSubHost(db, pipeline.Listener, logger, settings.Queue.Name)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var wg sync.WaitGroup
	start := func(fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(workerCtx)
		}()
	}

	if settings.Queue.DirectProcessing {
		start(workflow.NewQueueWorker(db, pipeline.Listener, logger, settings.Queue).Run)
	}
	start((&workflow.MonitorDriver{
		Events:    pipeline.Events,
		Inventory: pipeline.Inventory,
		Locker:    locker,
		Logger:    logger,
		Interval:  settings.Monitor.Interval,
	}).Run)
	start((&workflow.CleanupDriver{
		Keys:     pipeline.Keys,
		Locker:   locker,
		Logger:   logger,
		Interval: settings.CleanupInterval,
	}).Run)
	if sub != nil {
		start(func(ctx context.Context) {
			if err := host.Receive(ctx, sub); err != nil && ctx.Err() == nil {
				config.LogError(logger, "main", "main", "pubsub receive stopped", settings.PubSub.Subscription, err)
			}
		})
	}

	r := newRouter(settings, logger, db, pipeline, host)
	srv := &http.Server{
		Addr:    ":" + settings.APIPort,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()
	logger.WithFields(logrus.Fields{"field": "http", "port": settings.APIPort}).Info("event worker started")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	wg.Wait()

	if psClient != nil {
		_ = psClient.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}

func newRouter(settings *config.Settings, logger *logrus.Logger, db *gorm.DB, pipeline *workflow.Pipeline, host *workflow.PubSubHost) *gin.Engine {
	if strings.EqualFold(settings.AppEnv, "production") {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})

	corsConfig := cors.DefaultConfig()
	allowedOrigins := splitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(settings.AppEnv, "production") {
		corsConfig.AllowOrigins = allowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	// cors.New panics on an empty allowlist; without one no browser origin is allowed.
	if corsConfig.AllowAllOrigins || len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", healthHandler(db))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/pubsub", pubSubPushHandler(logger, host))

	ops := r.Group("/internal/ops", middlewares.AuthMiddleware(settings.APISecret), middlewares.RequireOpsAdmin())
	ops.GET("/idempotency/stats", keyStatsHandler(pipeline.Keys))
	ops.POST("/idempotency/cleanup", keyCleanupHandler(pipeline.Keys))
	ops.GET("/events/performance", performanceHandler(pipeline.Events))
	ops.GET("/events/backlog", backlogHandler(pipeline.Events))
	ops.GET("/alerts", activeAlertsHandler(db))
	ops.POST("/queue/replay", replayHandler(db, settings.Queue.Name))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

// customErrorLogger logs only requests that recorded gin errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return []string{}
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
