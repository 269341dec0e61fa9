package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// ConnectDatabase opens the configured database, retrying with exponential
// backoff until ctx is done. Call it after the HTTP server is listening.
func ConnectDatabase(ctx context.Context, s DatabaseSettings, logg *logrus.Logger) (*gorm.DB, error) {
	if err := ValidateStruct(s); err != nil {
		return nil, err
	}
	if s.Driver == "sqlite" {
		return OpenSQLite(s.SQLiteFile)
	}

	dsn := mysqlDSN(s)
	attempt := 0
	db, err := backoff.Retry(ctx, func() (*gorm.DB, error) {
		attempt++
		return gorm.Open(mysql.Open(dsn), initConfig())
	},
		backoff.WithBackOff(connectBackOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			logg.WithFields(logrus.Fields{
				"field":   "ConnectDatabase",
				"attempt": attempt,
				"host":    s.Host,
			}).Warnf("failed to connect database: %v; retrying in %s", err, next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
		if s.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(s.MaxOpenConns)
		}
		if s.MaxIdleConns >= 0 {
			sqlDB.SetMaxIdleConns(s.MaxIdleConns)
		}
		if s.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(s.ConnMaxLifetime)
		}
		if s.ConnMaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(s.ConnMaxIdleTime)
		}
	}
	if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
		logg.Warnf("db connected but failed to install otelgorm plugin: %v", pluginErr)
	}
	logg.WithFields(logrus.Fields{"field": "ConnectDatabase", "attempt": attempt}).Info("connected to database")
	return db, nil
}

// OpenSQLite is used for local runs and tests. SQLite allows a single writer,
// so the pool is pinned to one connection.
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := gorm.Open(sqlite.Open(dsn), initConfig())
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func mysqlDSN(s DatabaseSettings) string {
	network := "tcp"
	address := fmt.Sprintf("%s:%s", s.Host, s.Port)

	// Cloud SQL Auth Proxy exposes a unix socket at /cloudsql/<CONNECTION_NAME>.
	if strings.HasPrefix(s.Host, "/cloudsql/") {
		network = "unix"
		address = s.Host
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true",
		s.User,
		s.Password,
		network,
		address,
		s.Name,
	)
}

func connectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	return b
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		TranslateError: true,
		NamingStrategy: initNamingStrategy(),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func initLog() logger.Interface {
	level := logger.Error
	if os.Getenv("GORM_LOG") != "" {
		level = logger.Info
	}
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:                  false,
			LogLevel:                  level,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
