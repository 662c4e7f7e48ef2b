package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.StoreDriver != "memory" && cfg.StoreDriver != "postgres" {
		errs = append(errs, ValidationError{
			Field:   "STORE_DRIVER",
			Message: fmt.Sprintf("must be 'memory' or 'postgres', got %q", cfg.StoreDriver),
		})
	}

	// DATABASE_URL is only required for the postgres driver.
	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required when STORE_DRIVER is postgres",
		})
	}

	errs = append(errs, validateDuration("TICK_INTERVAL", cfg.TickIntervalStr, true)...)
	errs = append(errs, validateDuration("EXECUTION_TIMEOUT", cfg.ExecutionTimeoutStr, false)...)
	errs = append(errs, validateDuration("HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr, true)...)
	errs = append(errs, validateDuration("ENGINE_DRAIN_TIMEOUT", cfg.EngineDrainTimeoutStr, true)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDuration(field, value string, mustBePositive bool) ValidationErrors {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration: %v", err)}}
	}
	if mustBePositive && d <= 0 {
		return ValidationErrors{{Field: field, Message: "must be positive"}}
	}
	if !mustBePositive && d < 0 {
		return ValidationErrors{{Field: field, Message: "must not be negative"}}
	}
	return nil
}
