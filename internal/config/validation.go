package config

import (
	"fmt"
	"math"
	"strings"

	"knockd/internal/knock"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

// ValidateConfig performs validation of every section.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	errs := append(ValidationErrors(nil), c.envErrs...)
	errs = append(errs, validateKnock(&c.Knock)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateKnock(k *KnockConfig) ValidationErrors {
	var errs ValidationErrors

	if k.DelayMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "knock.delay_ms",
			Message: "delay must be at least 1ms",
		})
	}

	if k.Preset != "" {
		if _, err := knock.PresetThreshold(k.Preset); err != nil {
			errs = append(errs, ValidationError{
				Field:   "knock.preset",
				Message: fmt.Sprintf("unknown preset %q (valid: rigorous, default, lenient)", k.Preset),
			})
		}
	} else if !(k.Threshold > 0) || math.IsInf(k.Threshold, 1) {
		errs = append(errs, ValidationError{
			Field:   "knock.threshold",
			Message: "threshold must be a positive number",
		})
	}

	if k.AllowedErrors < 0 {
		errs = append(errs, ValidationError{
			Field:   "knock.allowed_errors",
			Message: "allowed errors cannot be negative",
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.path",
			Message: "database path is required",
		})
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Addr == "" {
		errs = append(errs, ValidationError{
			Field:   "server.addr",
			Message: "listen address is required",
		})
	}
	for name, v := range map[string]int{
		"server.read_timeout_sec":     s.ReadTimeoutSec,
		"server.write_timeout_sec":    s.WriteTimeoutSec,
		"server.shutdown_timeout_sec": s.ShutdownTimeoutSec,
	} {
		if v < 0 {
			errs = append(errs, ValidationError{Field: name, Message: "timeout cannot be negative"})
		}
	}
	if s.MaxFailures < 0 {
		errs = append(errs, ValidationError{Field: "server.max_failures", Message: "cannot be negative"})
	}
	if s.MaxFailures > 0 && s.LockoutSec <= 0 {
		errs = append(errs, ValidationError{Field: "server.lockout_sec", Message: "must be positive when max_failures is set"})
	}
	for i, origin := range s.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("server.allowed_origins[%d]", i),
				Message: "origin cannot be empty",
			})
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output writes a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}
