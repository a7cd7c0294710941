// Package config loads orchestrator-wide defaults (budget, worktree root,
// namespace, per-agent timeouts, model-rate overrides) from a config file
// layered with environment variables. Grounded on cmd/cobra_cli.go
// (viper.SetConfigName/AddConfigPath discovery).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"anvil/internal/costtracker"
)

const (
	envPrefix           = "ANVIL"
	defaultNamespace    = "anvil"
	defaultAgentTimeout = 5 * time.Minute
	defaultMaxRetries   = 3
)

// Config holds the orchestrator's tunable defaults.
type Config struct {
	Budget       float64
	Namespace    string
	WorktreeRoot string
	AgentTimeout time.Duration
	MaxRetries   int
	Rates        map[string]costtracker.Rate
}

// Load reads configuration from an optional file plus ANVIL_-prefixed
// environment variables, applying defaults for anything unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("anvil-config")
		v.AddConfigPath("$HOME")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	v.SetDefault("budget", 0.0)
	v.SetDefault("namespace", defaultNamespace)
	v.SetDefault("worktree_root", "")
	v.SetDefault("agent_timeout_seconds", int(defaultAgentTimeout.Seconds()))
	v.SetDefault("max_retries", defaultMaxRetries)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Budget:       v.GetFloat64("budget"),
		Namespace:    v.GetString("namespace"),
		WorktreeRoot: v.GetString("worktree_root"),
		AgentTimeout: time.Duration(v.GetInt("agent_timeout_seconds")) * time.Second,
		MaxRetries:   v.GetInt("max_retries"),
		Rates:        loadRates(v),
	}
	if strings.TrimSpace(cfg.Namespace) == "" {
		cfg.Namespace = defaultNamespace
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = defaultAgentTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return cfg, nil
}

func loadRates(v *viper.Viper) map[string]costtracker.Rate {
	raw := v.GetStringMap("rates")
	if len(raw) == 0 {
		return costtracker.DefaultRates
	}
	rates := make(map[string]costtracker.Rate, len(raw))
	for model := range raw {
		rates[model] = costtracker.Rate{
			InputPerMillion:  v.GetFloat64(fmt.Sprintf("rates.%s.input_per_million", model)),
			OutputPerMillion: v.GetFloat64(fmt.Sprintf("rates.%s.output_per_million", model)),
		}
	}
	return rates
}
