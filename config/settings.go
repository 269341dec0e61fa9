package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type DatabaseSettings struct {
	Driver     string `validate:"oneof=mysql sqlite"`
	User       string `validate:"required_if=Driver mysql"`
	Password   string
	Host       string `validate:"required_if=Driver mysql"`
	Port       string
	Name       string `validate:"required_if=Driver mysql"`
	SQLiteFile string `validate:"required_if=Driver sqlite"`

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type PubSubSettings struct {
	Enabled           bool
	ProjectID         string `validate:"required_if=Enabled true"`
	CredentialsJSON   string
	Topic             string `validate:"required_if=Enabled true"`
	Subscription      string `validate:"required_if=Enabled true"`
	NotificationTopic string
}

// MonitorSettings bounds the event pipeline health checks.
type MonitorSettings struct {
	Window         time.Duration `validate:"gt=0"`
	MinSuccessRate float64       `validate:"gt=0,lte=1"`
	MaxAvgLatency  time.Duration `validate:"gt=0"`
	MaxBacklogAge  time.Duration `validate:"gt=0"`
	Interval       time.Duration `validate:"gt=0"`
}

type QueueSettings struct {
	Name             string        `validate:"required"`
	RequeueDelay     time.Duration `validate:"gt=0"`
	MaxRequeues      int           `validate:"gte=0"`
	BatchSize        int           `validate:"gt=0"`
	PollInterval     time.Duration `validate:"gt=0"`
	LockTTL          time.Duration `validate:"gt=0"`
	DirectProcessing bool
}

type Settings struct {
	AppEnv    string
	LogLevel  string `validate:"oneof=trace debug info warn warning error"`
	APIPort   string `validate:"required,numeric"`
	APISecret string

	RedisAddress string

	Database DatabaseSettings
	PubSub   PubSubSettings
	Monitor  MonitorSettings
	Queue    QueueSettings

	NotificationRecipients []string
	CleanupInterval        time.Duration `validate:"gt=0"`
	CapacityWarningRatio   float64       `validate:"gt=0,lte=1"`
}

// LoadSettings reads .env (when present) and the process environment.
// Returns a joined ConfigurationError when a required value is missing.
func LoadSettings() (*Settings, error) {
	_ = godotenv.Load()

	s := &Settings{
		AppEnv:       stringFromEnv("GO_ENV", "development"),
		LogLevel:     strings.ToLower(stringFromEnv("LOG_LEVEL", "info")),
		APIPort:      stringFromEnv("API_PORT", "8080"),
		APISecret:    os.Getenv("API_SECRET"),
		RedisAddress: os.Getenv("REDIS_ADDRESS"),
		Database: DatabaseSettings{
			Driver:          strings.ToLower(stringFromEnv("DB_DRIVER", "mysql")),
			User:            os.Getenv("DB_USER"),
			Password:        os.Getenv("DB_PASSWORD"),
			Host:            os.Getenv("DB_HOST"),
			Port:            stringFromEnv("DB_PORT", "3306"),
			Name:            os.Getenv("DB_NAME"),
			SQLiteFile:      os.Getenv("SQLITE_FILE"),
			MaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
			ConnMaxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
		},
		PubSub: PubSubSettings{
			Enabled:           boolFromEnv("PUBSUB_ENABLED", false),
			ProjectID:         pubSubProjectID(),
			CredentialsJSON:   os.Getenv("PUBSUB_CREDENTIALS_JSON"),
			Topic:             os.Getenv("PUBSUB_TOPIC"),
			Subscription:      os.Getenv("PUBSUB_SUBSCRIPTION"),
			NotificationTopic: os.Getenv("NOTIFICATION_TOPIC"),
		},
		Monitor: MonitorSettings{
			Window:         time.Duration(intFromEnv("MONITOR_WINDOW_MINUTES", 15)) * time.Minute,
			MinSuccessRate: floatFromEnv("MONITOR_MIN_SUCCESS_RATE", 0.95),
			MaxAvgLatency:  time.Duration(intFromEnv("MONITOR_MAX_AVG_LATENCY_MS", 5000)) * time.Millisecond,
			MaxBacklogAge:  time.Duration(intFromEnv("MONITOR_MAX_BACKLOG_AGE_MINUTES", 10)) * time.Minute,
			Interval:       time.Duration(intFromEnv("MONITOR_INTERVAL_SECONDS", 60)) * time.Second,
		},
		Queue: QueueSettings{
			Name:             stringFromEnv("QUEUE_NAME", "inventory-events"),
			RequeueDelay:     time.Duration(intFromEnv("QUEUE_REQUEUE_DELAY_SECONDS", 30)) * time.Second,
			MaxRequeues:      intFromEnv("QUEUE_MAX_REQUEUES", 1),
			BatchSize:        intFromEnv("QUEUE_BATCH_SIZE", 20),
			PollInterval:     time.Duration(intFromEnv("QUEUE_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
			LockTTL:          time.Duration(intFromEnv("QUEUE_LOCK_TTL_SECONDS", 120)) * time.Second,
			DirectProcessing: boolFromEnv("QUEUE_DIRECT_PROCESSING", true),
		},
		NotificationRecipients: listFromEnv("NOTIFICATION_RECIPIENTS"),
		CleanupInterval:        time.Duration(intFromEnv("CLEANUP_INTERVAL_MINUTES", 60)) * time.Minute,
		CapacityWarningRatio:   floatFromEnv("CAPACITY_WARNING_RATIO", 0.85),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	return ValidateStruct(s)
}

func pubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run sets this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

func stringFromEnv(key string, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func listFromEnv(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
