package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/inventory_events/config"
)

// ExecutionOptions configure one executor call. MaxRetries is the total
// number of attempts, so 1 means no retry.
type ExecutionOptions struct {
	MaxRetries     int           `validate:"gte=1"`
	RetryDelay     time.Duration `validate:"gte=0"`
	Timeout        time.Duration `validate:"gt=0"`
	UseIdempotency bool
	IdempotencyTTL time.Duration `validate:"required_if=UseIdempotency true"`
}

func (o ExecutionOptions) Validate() error {
	return config.ValidateStruct(o)
}

// Inventory mutations re-apply safely under the same key, so they get the
// most attempts.
func InventoryOptions() ExecutionOptions {
	return ExecutionOptions{
		MaxRetries:     5,
		RetryDelay:     2000 * time.Millisecond,
		Timeout:        60 * time.Second,
		UseIdempotency: true,
		IdempotencyTTL: 48 * time.Hour,
	}
}

func OrderOptions() ExecutionOptions {
	return ExecutionOptions{
		MaxRetries:     3,
		RetryDelay:     1500 * time.Millisecond,
		Timeout:        45 * time.Second,
		UseIdempotency: true,
		IdempotencyTTL: 24 * time.Hour,
	}
}

func WarehouseOptions() ExecutionOptions {
	return ExecutionOptions{
		MaxRetries:     3,
		RetryDelay:     1000 * time.Millisecond,
		Timeout:        30 * time.Second,
		UseIdempotency: true,
		IdempotencyTTL: 12 * time.Hour,
	}
}

// Financial operations are never retried automatically. The long TTL keeps
// the key around for manual replay.
func FinancialOptions() ExecutionOptions {
	return ExecutionOptions{
		MaxRetries:     1,
		RetryDelay:     0,
		Timeout:        30 * time.Second,
		UseIdempotency: true,
		IdempotencyTTL: 72 * time.Hour,
	}
}

func OptionsForDomain(domain string) (ExecutionOptions, error) {
	switch strings.ToLower(strings.TrimSpace(domain)) {
	case "inventory":
		return InventoryOptions(), nil
	case "order":
		return OrderOptions(), nil
	case "warehouse":
		return WarehouseOptions(), nil
	case "financial":
		return FinancialOptions(), nil
	}
	return ExecutionOptions{}, &config.ConfigurationError{Setting: "domain", Reason: fmt.Sprintf("no execution preset for %q", domain)}
}
