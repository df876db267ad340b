// Package policy loads the tunable decision rules (noise rules and risk
// weights) from a YAML file.
package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/hush/internal/noise"
	"github.com/linnemanlabs/hush/internal/risk"
)

// Policy is the full set of decision rules the engine runs with.
type Policy struct {
	Noise noise.Policy
	Risk  risk.Weights
}

// Default returns the built-in rules.
func Default() *Policy {
	return &Policy{
		Noise: noise.DefaultPolicy(),
		Risk:  risk.DefaultWeights(),
	}
}

// Validate checks both sections.
func (p *Policy) Validate() error {
	var errs []error
	if err := p.Noise.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("noise: %w", err))
	}
	if err := p.Risk.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("risk: %w", err))
	}
	return errors.Join(errs...)
}

// document is the on-disk layout. Absent sections keep their defaults;
// fields missing from a present risk section keep their default values.
type document struct {
	Noise *[]noise.Rule `yaml:"noise"`
	Risk  risk.Weights  `yaml:"risk"`
}

// Load reads a policy file. An empty path returns the defaults.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a policy document.
func Parse(data []byte) (*Policy, error) {
	doc := document{Risk: risk.DefaultWeights()}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	p := &Policy{Noise: noise.DefaultPolicy(), Risk: doc.Risk}
	if doc.Noise != nil {
		p.Noise = noise.Policy{Rules: *doc.Noise}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}
