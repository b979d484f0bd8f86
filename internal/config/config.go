// Package config loads kernel and worker settings from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/orderflow/pkg/api"
)

// Config is the complete runtime configuration. Zero values fall back
// to the defaults from Default().
type Config struct {
	Worker struct {
		// Count is the number of worker goroutines polling the queue.
		Count int `yaml:"count"`
	} `yaml:"worker"`

	Lease struct {
		// TTL is how long a dispatch lease lives without renewal. It
		// must comfortably exceed the slowest step timeout plus append
		// latency; an expired lease lets another worker take over.
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"lease"`

	// Steps overrides per-step timeout and retry settings, keyed by
	// step name (e.g. "ProcessPayment").
	Steps map[string]StepConfig `yaml:"steps"`
}

// StepConfig mirrors api.StepOptions in YAML-friendly form. Zero fields
// keep the built-in default for that setting.
type StepConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	InitialInterval   time.Duration `yaml:"initial_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxInterval       time.Duration `yaml:"max_interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
	ContinueOnFailure *bool         `yaml:"continue_on_failure"`
}

// Default returns the configuration the kernel ships with.
func Default() Config {
	var cfg Config
	cfg.Worker.Count = 2
	cfg.Lease.TTL = 30 * time.Second
	return cfg
}

// Load reads a YAML config file and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Worker.Count < 1 {
		cfg.Worker.Count = 1
	}
	if cfg.Lease.TTL <= 0 {
		cfg.Lease.TTL = Default().Lease.TTL
	}
	return cfg, nil
}

// StepOptions merges the config overrides into the built-in per-step
// defaults and returns the effective options map.
func (c Config) StepOptions() map[api.Step]api.StepOptions {
	opts := api.DefaultStepOptions()

	for name, sc := range c.Steps {
		step := api.Step(name)
		o := opts[step]

		if sc.Timeout > 0 {
			o.Timeout = sc.Timeout
		}
		if sc.InitialInterval > 0 {
			o.Retry.InitialInterval = sc.InitialInterval
		}
		if sc.BackoffMultiplier > 0 {
			o.Retry.BackoffMultiplier = sc.BackoffMultiplier
		}
		if sc.MaxInterval > 0 {
			o.Retry.MaxInterval = sc.MaxInterval
		}
		if sc.MaxAttempts > 0 {
			o.Retry.MaxAttempts = sc.MaxAttempts
		}
		if sc.ContinueOnFailure != nil {
			o.ContinueOnFailure = *sc.ContinueOnFailure
		}

		opts[step] = o
	}

	return opts
}
