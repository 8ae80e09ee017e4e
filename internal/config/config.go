// Package config provides configuration loading and management for evolve.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how aggressively the engine automates progress.
type Mode string

const (
	// ModeStrict advances only when every criterion, optional ones included, is satisfied.
	ModeStrict Mode = "strict"
	// ModeFlexible advances when every required criterion is satisfied.
	ModeFlexible Mode = "flexible"
	// ModeManual evaluates criteria but never completes items or advances phases.
	ModeManual Mode = "manual"
)

const (
	DefaultCheckIntervalSeconds = 300
	DefaultDebounceMS           = 750
	MinDebounceMS               = 500
	MaxDebounceMS               = 1000
)

// Config is the root configuration.
type Config struct {
	Project        string          `json:"project"         mapstructure:"project"`
	Database       string          `json:"database"        mapstructure:"database"`
	PhasesFile     string          `json:"phases_file"     mapstructure:"phases_file"`
	AutoCompletion Settings        `json:"auto_completion" mapstructure:"auto_completion"`
	Scheduler      SchedulerConfig `json:"scheduler"       mapstructure:"scheduler"`
	Server         ServerConfig    `json:"server"          mapstructure:"server"`
}

// Settings controls automatic completion and phase advancement.
type Settings struct {
	Enabled               bool `json:"enabled"                 mapstructure:"enabled"`
	Mode                  Mode `json:"mode"                    mapstructure:"mode"`
	AutoAdvancePhases     bool `json:"auto_advance_phases"     mapstructure:"auto_advance_phases"`
	RequireManualApproval bool `json:"require_manual_approval" mapstructure:"require_manual_approval"`
	CheckIntervalSeconds  int  `json:"check_interval_seconds"  mapstructure:"check_interval_seconds"`
}

// SchedulerConfig tunes the change-notification path.
type SchedulerConfig struct {
	DebounceMS int `json:"debounce_ms" mapstructure:"debounce_ms"`
}

// ServerConfig configures the optional HTTP surface.
type ServerConfig struct {
	Listen string `json:"listen,omitempty" mapstructure:"listen"`
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		Enabled:              true,
		Mode:                 ModeFlexible,
		AutoAdvancePhases:    true,
		CheckIntervalSeconds: DefaultCheckIntervalSeconds,
	}
}

// Default returns a complete default configuration for project.
func Default(project string) Config {
	return Config{
		Project:        project,
		Database:       ".evolve/evolve.db",
		AutoCompletion: DefaultSettings(),
		Scheduler:      SchedulerConfig{DebounceMS: DefaultDebounceMS},
	}
}

// CheckInterval returns the timer period.
func (s Settings) CheckInterval() time.Duration {
	return time.Duration(s.CheckIntervalSeconds) * time.Second
}

// Automates reports whether items may be auto-completed and phases advanced.
func (s Settings) Automates() bool {
	return s.Enabled && s.Mode != ModeManual
}

// Debounce returns the change-notification debounce window.
func (c SchedulerConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// Validate checks settings that only matter at start time.
func (s Settings) Validate() error {
	if s.CheckIntervalSeconds <= 0 {
		return &ConfigurationError{Field: "auto_completion.check_interval_seconds", Reason: "must be > 0"}
	}
	switch s.Mode {
	case ModeStrict, ModeFlexible, ModeManual:
	default:
		return &ConfigurationError{Field: "auto_completion.mode", Reason: fmt.Sprintf("unknown mode %q", s.Mode)}
	}
	return nil
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Project) == "" {
		return &ConfigurationError{Field: "project", Reason: "is required"}
	}
	if strings.TrimSpace(c.Database) == "" {
		return &ConfigurationError{Field: "database", Reason: "is required"}
	}
	if err := c.AutoCompletion.Validate(); err != nil {
		return err
	}
	if d := c.Scheduler.DebounceMS; d < MinDebounceMS || d > MaxDebounceMS {
		return &ConfigurationError{
			Field:  "scheduler.debounce_ms",
			Reason: fmt.Sprintf("must be within [%d, %d]", MinDebounceMS, MaxDebounceMS),
		}
	}
	return nil
}

// ConfigurationError reports a rejected setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s %s", e.Field, e.Reason)
}
