package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/metalagman/evolve/internal/config"
)

const (
	workspaceDir      = ".evolve"
	defaultConfigPath = ".evolve/config.yaml"
	defaultPhasesPath = ".evolve/phases.yaml"
	envPrefix         = "EVOLVE"
	defaultConfigYAML = `project: default
database: .evolve/evolve.db
phases_file: .evolve/phases.yaml
auto_completion:
  enabled: true
  mode: flexible
  auto_advance_phases: true
  require_manual_approval: false
  check_interval_seconds: 300
scheduler:
  debounce_ms: 750
server:
  listen: 127.0.0.1:8787
`
)

func resolveConfigPath(repoRoot, path string) string {
	if path == "" {
		path = defaultConfigPath
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(repoRoot, path)
}

// loadConfig reads the YAML config file, validates it against the schema
// and applies EVOLVE_* environment overrides on top.
func loadConfig(repoRoot string) (config.Config, error) {
	path := resolveConfigPath(repoRoot, viper.GetString("config"))
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := config.ValidateSettings(viper.AllSettings()); err != nil {
		return config.Config{}, err
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range config.Keys() {
		if err := viper.BindEnv(key); err != nil {
			return config.Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	cfg, err := config.Decode(viper.AllSettings())
	if err != nil {
		return config.Config{}, err
	}
	cfg.Database = resolvePath(repoRoot, cfg.Database)
	if cfg.PhasesFile != "" {
		cfg.PhasesFile = resolvePath(repoRoot, cfg.PhasesFile)
	}
	return cfg, nil
}

func resolvePath(repoRoot, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(repoRoot, path)
}

func writeFileIfMissing(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
