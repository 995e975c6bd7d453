// Package config loads corpusd's non-secret runtime tunables from an
// optional YAML file, merged over built-in defaults — the teacher's
// pkg/config/loader.go Initialize/load pipeline, scoped down to this
// repository's much smaller settings surface (spec §9: "replace global
// settings singleton with an explicit configuration struct"). Secrets
// and connection strings stay in os.Getenv, following
// pkg/database/config.go's LoadConfigFromEnv — this loader only covers
// values that are reasonable to version-control (batch sizes, lease
// durations, retention windows).
package config

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/openbiblio/corpus/pkg/cleanup"
	"github.com/openbiblio/corpus/pkg/dispatch"
)

// AppConfig is the merged, ready-to-use configuration.
type AppConfig struct {
	HTTPAddr          string
	SweeperInterval   time.Duration
	ReconcileInterval time.Duration
	Dispatch          dispatch.Config
	Cleanup           cleanup.Config
}

// Default returns the built-in configuration, used outright when no
// YAML file is present.
func Default() AppConfig {
	return AppConfig{
		HTTPAddr:          ":8080",
		SweeperInterval:   time.Minute,
		ReconcileInterval: 10 * time.Minute,
		Dispatch:          dispatch.DefaultConfig,
		Cleanup:           cleanup.DefaultConfig(),
	}
}

// yamlConfig is the YAML file's wire shape: every field optional, with
// durations as strings (parsed after env expansion), following the
// teacher's SystemYAMLConfig/RunbooksYAMLConfig pattern of plain string
// fields resolved into typed config by hand rather than a custom
// yaml.Unmarshaler on time.Duration.
type yamlConfig struct {
	HTTPAddr          string        `yaml:"http_addr"`
	SweeperInterval   string        `yaml:"sweeper_interval"`
	ReconcileInterval string        `yaml:"reconcile_interval"`
	Dispatch          *yamlDispatch `yaml:"dispatch"`
	Cleanup           *yamlCleanup  `yaml:"cleanup"`
}

type yamlDispatch struct {
	BatchSize     int    `yaml:"batch_size"`
	LeaseDuration string `yaml:"lease_duration"`
	PresignExpiry string `yaml:"presign_expiry"`
	MaxRetries    int    `yaml:"max_retries"`
}

type yamlCleanup struct {
	ImportRetention       string `yaml:"import_retention"`
	DispatchUnitRetention string `yaml:"dispatch_unit_retention"`
	CleanupInterval       string `yaml:"cleanup_interval"`
}

// Load reads path, expands ${VAR}/$VAR environment references the way
// the teacher's ExpandEnv does, and merges the result over Default()
// with dario.cat/mergo: a field set to a non-empty, non-zero value in the
// YAML file overrides its built-in default; an unset, empty or zero value
// (such as max_retries: 0) leaves the default in place. A missing file is not
// an error — Default() is returned as-is, since the file is optional.
func Load(path string) (AppConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return AppConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed yamlConfig
	if err := yaml.Unmarshal(expandEnv(data), &parsed); err != nil {
		return AppConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if parsed.HTTPAddr != "" {
		cfg.HTTPAddr = parsed.HTTPAddr
	}
	if parsed.SweeperInterval != "" {
		d, err := time.ParseDuration(parsed.SweeperInterval)
		if err != nil {
			return AppConfig{}, fmt.Errorf("config: sweeper_interval: %w", err)
		}
		cfg.SweeperInterval = d
	}
	if parsed.ReconcileInterval != "" {
		d, err := time.ParseDuration(parsed.ReconcileInterval)
		if err != nil {
			return AppConfig{}, fmt.Errorf("config: reconcile_interval: %w", err)
		}
		cfg.ReconcileInterval = d
	}

	if parsed.Dispatch != nil {
		overrides, err := resolveDispatchOverrides(*parsed.Dispatch)
		if err != nil {
			return AppConfig{}, err
		}
		if err := mergo.Merge(&cfg.Dispatch, overrides, mergo.WithOverride); err != nil {
			return AppConfig{}, fmt.Errorf("config: merge dispatch config: %w", err)
		}
	}

	if parsed.Cleanup != nil {
		overrides, err := resolveCleanupOverrides(*parsed.Cleanup)
		if err != nil {
			return AppConfig{}, err
		}
		if err := mergo.Merge(&cfg.Cleanup, overrides, mergo.WithOverride); err != nil {
			return AppConfig{}, fmt.Errorf("config: merge cleanup config: %w", err)
		}
	}

	return cfg, nil
}

func resolveDispatchOverrides(y yamlDispatch) (dispatch.Config, error) {
	overrides := dispatch.Config{BatchSize: y.BatchSize, MaxRetries: y.MaxRetries}
	if y.LeaseDuration != "" {
		d, err := time.ParseDuration(y.LeaseDuration)
		if err != nil {
			return dispatch.Config{}, fmt.Errorf("config: dispatch.lease_duration: %w", err)
		}
		overrides.LeaseDuration = d
	}
	if y.PresignExpiry != "" {
		d, err := time.ParseDuration(y.PresignExpiry)
		if err != nil {
			return dispatch.Config{}, fmt.Errorf("config: dispatch.presign_expiry: %w", err)
		}
		overrides.PresignExpiry = d
	}
	return overrides, nil
}

func resolveCleanupOverrides(y yamlCleanup) (cleanup.Config, error) {
	var overrides cleanup.Config
	if y.ImportRetention != "" {
		d, err := time.ParseDuration(y.ImportRetention)
		if err != nil {
			return cleanup.Config{}, fmt.Errorf("config: cleanup.import_retention: %w", err)
		}
		overrides.ImportRetention = d
	}
	if y.DispatchUnitRetention != "" {
		d, err := time.ParseDuration(y.DispatchUnitRetention)
		if err != nil {
			return cleanup.Config{}, fmt.Errorf("config: cleanup.dispatch_unit_retention: %w", err)
		}
		overrides.DispatchUnitRetention = d
	}
	if y.CleanupInterval != "" {
		d, err := time.ParseDuration(y.CleanupInterval)
		if err != nil {
			return cleanup.Config{}, fmt.Errorf("config: cleanup.cleanup_interval: %w", err)
		}
		overrides.CleanupInterval = d
	}
	return overrides, nil
}

// expandEnv expands ${VAR} and $VAR references in a YAML file's raw
// bytes before parsing, matching the teacher's ExpandEnv.
func expandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
