package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ConfigurationError reports a missing or invalid setting. It is never retried.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
}

func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

var validate = validator.New()

// ValidateStruct runs the validator tags of v and converts every failure into
// a ConfigurationError joined into one error.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return &ConfigurationError{Setting: "settings", Reason: err.Error()}
	}

	var errs []error
	for _, ve := range validationErrors {
		setting := ve.Namespace()
		if i := strings.Index(setting, "."); i >= 0 {
			setting = setting[i+1:]
		}
		reason := ve.Tag()
		if ve.Param() != "" {
			reason = reason + "=" + ve.Param()
		}
		errs = append(errs, &ConfigurationError{Setting: setting, Reason: reason})
	}
	return errors.Join(errs...)
}
