package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// RegisterCustomValidators registers the approval-gate validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("env_name", validateEnvName); err != nil {
		return fmt.Errorf("failed to register env_name validator: %w", err)
	}
	return nil
}

// validateDuration accepts a non-negative time.ParseDuration string.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

func validateEnvName(fl validator.FieldLevel) bool {
	return envNamePattern.MatchString(fl.Field().String())
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return c.validateDistinctFiles()
}

// validateDistinctFiles rejects configurations in which two components would
// write the same file.
func (c *Config) validateDistinctFiles() error {
	files := map[string]string{
		"policy.path":        c.Policy.Path,
		"consent.state_path": c.Consent.StatePath,
		"audit.path":         c.Audit.Path,
		"breaker.state_path": c.Breaker.StatePath,
	}
	if c.Audit.SQLitePath != "" {
		files["audit.sqlite_path"] = c.Audit.SQLitePath
	}
	seen := make(map[string]string, len(files))
	for _, key := range []string{"policy.path", "consent.state_path", "audit.path", "breaker.state_path", "audit.sqlite_path"} {
		path, ok := files[key]
		if !ok {
			continue
		}
		if other, dup := seen[path]; dup {
			return fmt.Errorf("%s and %s must not be the same file: %s", other, key, path)
		}
		seen[path] = key
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
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

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a non-negative duration such as 30m or 1h", field)
	case "env_name":
		return fmt.Sprintf("%s must be a valid environment variable name", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
