package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateRetryDelays(); err != nil {
		return err
	}

	return c.validateBudgetCeilings()
}

// validateRetryDelays ensures the backoff cap is not below the base delay.
func (c *Config) validateRetryDelays() error {
	if c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return fmt.Errorf("retry: max_delay_ms (%d) must be >= base_delay_ms (%d)",
			c.Retry.MaxDelayMS, c.Retry.BaseDelayMS)
	}
	return nil
}

// validateBudgetCeilings ensures the monthly ceiling is not below the daily
// ceiling when both are set.
func (c *Config) validateBudgetCeilings() error {
	if c.Budget.DailyCeiling > 0 && c.Budget.MonthlyCeiling > 0 &&
		c.Budget.MonthlyCeiling < c.Budget.DailyCeiling {
		return fmt.Errorf("budget: monthly_ceiling (%.2f) must be >= daily_ceiling (%.2f)",
			c.Budget.MonthlyCeiling, c.Budget.DailyCeiling)
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly
// messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError produces one actionable message per failed tag.
func formatSingleValidationError(e validator.FieldError) string {
	field := strings.ToLower(e.Namespace())
	field = strings.TrimPrefix(field, "config.")

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s: required", field)
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s]", field, e.Param())
	case "min":
		return fmt.Sprintf("%s: must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s: must be at most %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s: must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s: must be host:port", field)
	default:
		return fmt.Sprintf("%s: failed %s validation", field, e.Tag())
	}
}
