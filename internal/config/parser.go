package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Start methods the pool file may select.
var knownStartMethods = map[string]struct{}{
	"spawn":  {},
	"docker": {},
}

// Parse reads a pool definition from YAML.
func Parse(r io.Reader) (*Pool, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var doc Pool
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode pool: %w", err)
	}
	doc.ApplyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Load parses the pool file at the provided path.
func Load(path string) (*Pool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pool file: %w", err)
	}
	defer f.Close()
	doc, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// ApplyDefaults fills unset worker fields.
func (p *Pool) ApplyDefaults() {
	if p.Workers.Procs == 0 {
		p.Workers.Procs = 1
	}
	if p.Workers.StartMethod == "" {
		p.Workers.StartMethod = "spawn"
	}
}

// Validate enforces schema invariants.
func (p *Pool) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("version is required")
	}
	if p.Pool.Name == "" {
		return fmt.Errorf("pool.name is required")
	}
	if len(p.Workers.Command) == 0 {
		return fmt.Errorf("workers.command is required")
	}
	if p.Workers.Procs < 1 {
		return fmt.Errorf("workers.procs must be at least 1")
	}
	if _, ok := knownStartMethods[p.Workers.StartMethod]; !ok {
		return fmt.Errorf("unsupported start method %q", p.Workers.StartMethod)
	}
	if p.Workers.StartMethod == "docker" && p.Workers.Image == "" {
		return fmt.Errorf("workers.image is required for the docker start method")
	}
	if p.Workers.StopGrace.Duration < 0 {
		return fmt.Errorf("workers.stop_grace must not be negative")
	}
	return nil
}
