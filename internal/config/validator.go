package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProviderName validates the agent backend name
func (v *Validator) ValidateProviderName(name string) error {
	validNames := []string{"subprocess", "anthropic"}
	for _, valid := range validNames {
		if name == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid provider: %s (must be one of: %s)", name, strings.Join(validNames, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
	}
	return nil
}

// ValidatePermissionMode validates a permission mode
func (v *Validator) ValidatePermissionMode(mode string) error {
	if mode == "" {
		return nil // Use default
	}

	validModes := []string{"default", "acceptEdits", "bypassPermissions"}
	for _, valid := range validModes {
		if mode == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid permission mode: %s (must be one of: %s)", mode, strings.Join(validModes, ", "))
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule validates a cron expression
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return fmt.Errorf("schedule cannot be empty")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateProviderName(cfg.Provider.Name); err != nil {
		errors = append(errors, err)
	}

	switch cfg.Provider.Name {
	case "subprocess":
		if strings.TrimSpace(cfg.Provider.Command) == "" {
			errors = append(errors, fmt.Errorf("provider command is required for the subprocess provider"))
		}
	case "anthropic":
		// The key may also come from the environment, so only validate
		// the format of one that is present.
		if cfg.Provider.APIKey != "" {
			if err := v.ValidateAPIKey(cfg.Provider.APIKey); err != nil {
				errors = append(errors, err)
			}
		}
	}

	if err := v.ValidatePermissionMode(cfg.Provider.PermissionMode); err != nil {
		errors = append(errors, err)
	}

	if cfg.Supervisor.MaxWorkers < 0 {
		errors = append(errors, fmt.Errorf("supervisor.max_workers must be >= 0"))
	}
	if cfg.Supervisor.IdlePreemptSeconds < 0 {
		errors = append(errors, fmt.Errorf("supervisor.idle_preempt_seconds must be >= 0"))
	}

	if cfg.Retention.Enabled {
		if cfg.Retention.MaxAgeDays <= 0 {
			errors = append(errors, fmt.Errorf("retention.max_age_days must be positive when retention is enabled"))
		}
		if err := v.ValidateSchedule(cfg.Retention.Schedule); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
