package config

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON string

// ValidateSettings validates raw config settings against the JSON schema.
func ValidateSettings(settings map[string]any) error {
	schemaLoader := gojsonschema.NewStringLoader(schemaJSON)
	documentLoader := gojsonschema.NewGoLoader(settings)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("validate config schema: %w", err)
	}
	if result.Valid() {
		return nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, schemaErr := range result.Errors() {
		errs = append(errs, schemaErr.String())
	}
	sort.Strings(errs)

	return fmt.Errorf("config schema validation failed: %s", strings.Join(errs, "; "))
}

// FromSettings validates raw settings and decodes them over the defaults.
// Keys missing from settings keep their default values.
func FromSettings(settings map[string]any) (Config, error) {
	if err := ValidateSettings(settings); err != nil {
		return Config{}, err
	}
	return Decode(settings)
}

// Decode decodes settings over the defaults without schema validation.
// Scalars are weakly typed so environment overrides may arrive as strings.
func Decode(settings map[string]any) (Config, error) {
	project, _ := settings["project"].(string)
	cfg := Default(project)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, fmt.Errorf("build config decoder: %w", err)
	}
	if err := dec.Decode(settings); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Keys lists every dotted configuration key, for binding environment overrides.
func Keys() []string {
	return []string{
		"project",
		"database",
		"phases_file",
		"auto_completion.enabled",
		"auto_completion.mode",
		"auto_completion.auto_advance_phases",
		"auto_completion.require_manual_approval",
		"auto_completion.check_interval_seconds",
		"scheduler.debounce_ms",
		"server.listen",
	}
}
