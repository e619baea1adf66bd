package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration for YAML fields, accepting empty strings.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Pool mirrors the brood.yaml document structure.
type Pool struct {
	Version string     `yaml:"version"`
	Pool    PoolMeta   `yaml:"pool"`
	Workers WorkerSpec `yaml:"workers"`
}

// PoolMeta carries pool-level identity.
type PoolMeta struct {
	Name string `yaml:"name"`
}

// WorkerSpec describes the worker command every process in the pool runs.
type WorkerSpec struct {
	Command     []string          `yaml:"command"`
	Args        []string          `yaml:"args"`
	Procs       int               `yaml:"procs"`
	StartMethod string            `yaml:"start_method"`
	Daemon      bool              `yaml:"daemon"`
	Env         map[string]string `yaml:"env"`
	Workdir     string            `yaml:"workdir"`
	Image       string            `yaml:"image"`
	StopGrace   Duration          `yaml:"stop_grace"`
}
