package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML path rather than the Go field name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError is one field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors holds every failure found in one pass.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// validate checks required fields, enums and cross-field constraints.
func validate(cfg *Config) error {
	var errs ValidationErrors

	if err := structValidator.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			if skipMQTTField(cfg, fe) {
				continue
			}
			field := fieldPath(fe)
			errs = append(errs, ValidationError{Field: field, Message: formatValidationMessage(field, fe)})
		}
	}

	p := cfg.Plugin
	if p.Password == "" && p.PasswordEnv == "" {
		errs = append(errs, ValidationError{
			Field:   "plugin.password",
			Message: "plugin.password or plugin.password_env is required",
		})
	}
	if p.Metrics != "" && len(p.AllowedMetrics) > 0 && !slices.Contains(p.AllowedMetrics, p.Metrics) {
		errs = append(errs, ValidationError{
			Field:   "plugin.allowed_metrics",
			Message: fmt.Sprintf("plugin.allowed_metrics must contain the metrics filter %q", p.Metrics),
		})
	}
	for i, m := range p.AllowedMetrics {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("plugin.allowed_metrics[%d]", i),
				Message: fmt.Sprintf("plugin.allowed_metrics[%d] must not be empty", i),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// skipMQTTField ignores MQTT settings while no broker is configured.
func skipMQTTField(cfg *Config, fe validator.FieldError) bool {
	return !cfg.Outputs.MQTT.Enabled() && strings.HasPrefix(fieldPath(fe), "outputs.mqtt.")
}

// fieldPath turns "Config.plugin.site" into "plugin.site".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// formatValidationMessage creates human-readable error messages.
func formatValidationMessage(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be positive", field)
	case "gte":
		return fmt.Sprintf("%s must not be negative", field)
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
