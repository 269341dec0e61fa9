package config

import (
	"os"
	"strings"
)

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}

// SkipMigrations disables AutoMigrate at startup.
//
// Set via env:
// - SKIP_MIGRATIONS=true
func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS", false)
}

// IntegrationTestsEnabled gates tests that need a live MySQL/Redis.
//
// Set via env:
// - INTEGRATION_TESTS=1
func IntegrationTestsEnabled() bool {
	return boolFromEnv("INTEGRATION_TESTS", false)
}
