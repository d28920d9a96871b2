package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/churnshield/churnshield/internal/alerts"
	"github.com/churnshield/churnshield/internal/risk"
)

// Policy is the tunable business configuration: factor weights for the
// scorer and follow-up durations for the alert lifecycle.
type Policy struct {
	Scoring risk.Config         `yaml:"scoring"`
	Actions alerts.ActionConfig `yaml:"actions"`
}

// DefaultPolicy returns the stock weights and durations.
func DefaultPolicy() Policy {
	return Policy{
		Scoring: risk.DefaultConfig(),
		Actions: alerts.DefaultActionConfig(),
	}
}

// Validate checks both halves of the policy.
func (p Policy) Validate() error {
	if err := p.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	if err := p.Actions.Validate(); err != nil {
		return fmt.Errorf("actions: %w", err)
	}
	return nil
}

// LoadPolicy reads a YAML policy file. Keys missing from the file keep
// their defaults. An empty path returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy over the defaults and validates it.
// Unknown keys are rejected so typos don't silently fall back.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
