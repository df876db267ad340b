// Package noise classifies alerts that are not worth analyst attention.
package noise

import (
	"errors"
	"fmt"
	"slices"

	"github.com/linnemanlabs/hush/internal/alert"
)

// Verdict is the outcome of classifying one alert.
type Verdict struct {
	IsNoise bool   `json:"is_noise"`
	Reason  string `json:"reason,omitempty"`
}

// Rule is one entry of a noise policy. Every condition that is set must hold
// for the rule to match.
type Rule struct {
	Name   string `yaml:"name"`
	Reason string `yaml:"reason"`

	// MaxLevel matches level <= MaxLevel.
	MaxLevel *int `yaml:"max_level,omitempty"`
	// BelowLevel matches level < BelowLevel.
	BelowLevel *int `yaml:"below_level,omitempty"`
	// RuleIDs matches when the alert's rule id is listed.
	RuleIDs []string `yaml:"rule_ids,omitempty"`
	// MinCount matches occurrence count > MinCount.
	MinCount int `yaml:"min_count,omitempty"`
}

func (r *Rule) hasCondition() bool {
	return r.MaxLevel != nil || r.BelowLevel != nil || len(r.RuleIDs) > 0 || r.MinCount > 0
}

func (r *Rule) matches(a *alert.Alert, count int) bool {
	if !r.hasCondition() {
		return false
	}
	if r.MaxLevel != nil && a.Rule.Level > *r.MaxLevel {
		return false
	}
	if r.BelowLevel != nil && a.Rule.Level >= *r.BelowLevel {
		return false
	}
	if len(r.RuleIDs) > 0 && !slices.Contains(r.RuleIDs, a.Rule.ID) {
		return false
	}
	if r.MinCount > 0 && count <= r.MinCount {
		return false
	}
	return true
}

// Policy is an ordered rule list; the first matching rule wins.
type Policy struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{Rules: []Rule{
		{Name: "low-severity", Reason: "low severity", MaxLevel: intp(3)},
		{Name: "known-noisy-rule", Reason: "known noisy rule", RuleIDs: []string{"5715", "1002"}},
		{Name: "high-frequency-low-severity", Reason: "high frequency low severity", MinCount: 20, BelowLevel: intp(6)},
	}}
}

// Validate reports rules that could never match or carry no reason.
func (p Policy) Validate() error {
	var errs []error
	for i := range p.Rules {
		r := &p.Rules[i]
		if !r.hasCondition() {
			errs = append(errs, fmt.Errorf("noise rule %d (%s) has no condition", i, r.Name))
		}
		if r.Reason == "" {
			errs = append(errs, fmt.Errorf("noise rule %d (%s) has no reason", i, r.Name))
		}
		if r.MinCount < 0 {
			errs = append(errs, fmt.Errorf("noise rule %d (%s) has negative min_count %d", i, r.Name, r.MinCount))
		}
	}
	return errors.Join(errs...)
}

// Classifier evaluates a Policy. The zero value classifies nothing as noise.
type Classifier struct {
	policy Policy
}

// NewClassifier returns a Classifier for the given policy. The policy is copied.
func NewClassifier(p Policy) *Classifier {
	return &Classifier{policy: Policy{Rules: slices.Clone(p.Rules)}}
}

// Classify returns the verdict of the first matching rule.
func (c *Classifier) Classify(a *alert.Alert, occurrenceCount int) Verdict {
	for i := range c.policy.Rules {
		r := &c.policy.Rules[i]
		if r.matches(a, occurrenceCount) {
			return Verdict{IsNoise: true, Reason: r.Reason}
		}
	}
	return Verdict{}
}

func intp(v int) *int { return &v }
