package config

import (
	"encoding/json"
	"time"
)

// Config represents the main Warden configuration
type Config struct {
	// Data directory; session logs and the index live under it
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Sessions directory (defaults to <data_dir>/sessions)
	SessionsDir string `json:"sessions_dir" mapstructure:"sessions_dir"`

	// Session index database path (defaults to <data_dir>/index.db)
	IndexPath string `json:"index_path" mapstructure:"index_path"`

	// Supervisor
	Supervisor SupervisorConfig `json:"supervisor" mapstructure:"supervisor"`

	// Provider
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`

	// Retention
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// SupervisorConfig holds worker cap and preemption settings
type SupervisorConfig struct {
	MaxWorkers         int `json:"max_workers" mapstructure:"max_workers"`                   // 0 = unlimited
	IdlePreemptSeconds int `json:"idle_preempt_seconds" mapstructure:"idle_preempt_seconds"` // seconds
}

// IdlePreemptThreshold returns the preemption threshold as a duration
func (c SupervisorConfig) IdlePreemptThreshold() time.Duration {
	return time.Duration(c.IdlePreemptSeconds) * time.Second
}

// ProviderConfig holds agent backend configuration
type ProviderConfig struct {
	Name           string   `json:"name" mapstructure:"name"` // subprocess, anthropic
	Command        string   `json:"command" mapstructure:"command"`
	Args           []string `json:"args" mapstructure:"args"`
	Model          string   `json:"model" mapstructure:"model"`
	APIKey         string   `json:"api_key" mapstructure:"api_key"`
	PermissionMode string   `json:"permission_mode" mapstructure:"permission_mode"` // default, acceptEdits, bypassPermissions
}

// RetentionConfig holds session cleanup settings
type RetentionConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Schedule   string `json:"schedule" mapstructure:"schedule"` // cron expression
}

// MaxAge returns the retention window as a duration
func (c RetentionConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSizeMB int    `json:"max_size_mb" mapstructure:"max_size_mb"` // 0 disables rotation
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`         // days rotated files are kept
	Compress  bool   `json:"compress" mapstructure:"compress"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			MaxWorkers:         4,
			IdlePreemptSeconds: 300,
		},
		Provider: ProviderConfig{
			Name:           "subprocess",
			PermissionMode: "default",
		},
		Retention: RetentionConfig{
			Enabled:    true,
			MaxAgeDays: 30,
			Schedule:   "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
			MaxSizeMB: 100,
			MaxAge:    7,
			Compress:  true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()
	if errs := v.ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
