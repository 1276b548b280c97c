package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "BUSMON_"

type envOverrides struct {
	Bus      *string  `env:"BUS"`
	Rules    []string `env:"RULES" envSeparator:";"`
	Format   *string  `env:"FORMAT"`
	Compress *string  `env:"COMPRESS"`
	Color    *string  `env:"COLOR"`
	MaxBytes *int     `env:"MAX_BYTES"`
	LogLevel *string  `env:"LOG_LEVEL"`
}

func applyEnv(cfg *Config) error {
	return applyEnvFrom(cfg, nil)
}

// applyEnvFrom reads overrides from environment, or from the process
// environment when environment is nil.
func applyEnvFrom(cfg *Config, environment map[string]string) error {
	var overrides envOverrides
	opts := env.Options{Prefix: EnvPrefix, Environment: environment}
	if err := env.ParseWithOptions(&overrides, opts); err != nil {
		return fmt.Errorf("read %s* environment: %w", EnvPrefix, err)
	}

	if overrides.Bus != nil {
		cfg.Bus = strings.TrimSpace(*overrides.Bus)
	}
	if overrides.Rules != nil {
		cfg.Rules = cleanRules(overrides.Rules)
	}
	if overrides.Format != nil {
		cfg.Output.Format = strings.ToLower(strings.TrimSpace(*overrides.Format))
	}
	if overrides.Compress != nil {
		cfg.Output.Compress = strings.ToLower(strings.TrimSpace(*overrides.Compress))
	}
	if overrides.Color != nil {
		cfg.Output.Color = strings.ToLower(strings.TrimSpace(*overrides.Color))
	}
	if overrides.MaxBytes != nil {
		cfg.Output.MaxBytes = *overrides.MaxBytes
	}
	if overrides.LogLevel != nil {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(*overrides.LogLevel))
	}
	return nil
}
