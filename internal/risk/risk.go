// Package risk assigns a bounded 0-100 score and a priority bucket to an
// aggregated alert group.
package risk

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/linnemanlabs/hush/internal/alert"
)

// Bucket is a priority class derived from a score.
type Bucket string

const (
	Critical Bucket = "CRITICAL"
	High     Bucket = "HIGH"
	Medium   Bucket = "MEDIUM"
	Noise    Bucket = "NOISE"
)

// Valid reports whether b is one of the known buckets.
func (b Bucket) Valid() bool {
	switch b {
	case Critical, High, Medium, Noise:
		return true
	}
	return false
}

// MaxScore is the upper bound of every score.
const MaxScore = 100

// Weights are the tunable scoring parameters.
type Weights struct {
	LevelMultiplier       int `yaml:"level_multiplier"`
	TechniqueBonus        int `yaml:"technique_bonus"`
	ServerAssetBonus      int `yaml:"server_asset_bonus"`
	WorkstationAssetBonus int `yaml:"workstation_asset_bonus"`
	FrequencyBonus        int `yaml:"frequency_bonus"`
	// FrequencyThreshold awards FrequencyBonus when count > threshold.
	FrequencyThreshold int `yaml:"frequency_threshold"`

	HighRiskTechniques []string `yaml:"high_risk_techniques"`
	ServerIndicators   []string `yaml:"server_indicators"`

	CriticalThreshold int `yaml:"critical_threshold"`
	HighThreshold     int `yaml:"high_threshold"`
	MediumThreshold   int `yaml:"medium_threshold"`
}

// DefaultWeights returns the built-in scoring parameters.
func DefaultWeights() Weights {
	return Weights{
		LevelMultiplier:       6,
		TechniqueBonus:        20,
		ServerAssetBonus:      15,
		WorkstationAssetBonus: 5,
		FrequencyBonus:        10,
		FrequencyThreshold:    5,
		HighRiskTechniques:    []string{"T1003", "T1110", "T1059", "T1021", "T1098", "T1543", "T1068"},
		ServerIndicators:      []string{"srv", "prod", "db"},
		CriticalThreshold:     80,
		HighThreshold:         50,
		MediumThreshold:       30,
	}
}

// Validate checks that thresholds are ordered and weights are non-negative.
func (w Weights) Validate() error {
	var errs []error

	for name, v := range map[string]int{
		"level_multiplier":        w.LevelMultiplier,
		"technique_bonus":         w.TechniqueBonus,
		"server_asset_bonus":      w.ServerAssetBonus,
		"workstation_asset_bonus": w.WorkstationAssetBonus,
		"frequency_bonus":         w.FrequencyBonus,
		"frequency_threshold":     w.FrequencyThreshold,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0, got %d", name, v))
		}
	}

	if !(w.MediumThreshold > 0 && w.MediumThreshold < w.HighThreshold &&
		w.HighThreshold < w.CriticalThreshold && w.CriticalThreshold <= MaxScore) {
		errs = append(errs, fmt.Errorf("thresholds must satisfy 0 < medium < high < critical <= %d, got %d/%d/%d",
			MaxScore, w.MediumThreshold, w.HighThreshold, w.CriticalThreshold))
	}
	if slices.Contains(w.ServerIndicators, "") {
		errs = append(errs, errors.New("server_indicators must not contain an empty string"))
	}
	if slices.Contains(w.HighRiskTechniques, "") {
		errs = append(errs, errors.New("high_risk_techniques must not contain an empty string"))
	}

	return errors.Join(errs...)
}

// Context is the aggregation state the scorer sees besides the alert.
type Context struct {
	OccurrenceCount int
}

// Result is a score, its bucket, and the contributions that produced it.
type Result struct {
	Score   int      `json:"score"`
	Bucket  Bucket   `json:"bucket"`
	Reasons []string `json:"reasons"`
}

// Scorer computes risk from a fixed set of weights.
type Scorer struct {
	w Weights
}

// NewScorer returns a Scorer; w should already be validated.
func NewScorer(w Weights) *Scorer {
	w.HighRiskTechniques = slices.Clone(w.HighRiskTechniques)
	w.ServerIndicators = slices.Clone(w.ServerIndicators)
	return &Scorer{w: w}
}

// Score is deterministic for a given alert, context and weights.
func (s *Scorer) Score(a *alert.Alert, c Context) Result {
	w := &s.w
	var reasons []string

	level := a.Rule.Level
	base := level * w.LevelMultiplier
	total := base
	reasons = append(reasons, fmt.Sprintf("Base severity level %d (+%d)", level, base))

	if t := a.Technique(); t != "" && s.highRisk(t) {
		total += w.TechniqueBonus
		reasons = append(reasons, fmt.Sprintf("High-risk MITRE technique detected: %s (+%d)", t, w.TechniqueBonus))
	}

	if s.isServer(a.Agent.Name) {
		total += w.ServerAssetBonus
		reasons = append(reasons, fmt.Sprintf("Critical asset (server) (+%d)", w.ServerAssetBonus))
	} else {
		total += w.WorkstationAssetBonus
	}

	if c.OccurrenceCount > w.FrequencyThreshold {
		total += w.FrequencyBonus
		reasons = append(reasons, fmt.Sprintf("High frequency (%d occurrences) (+%d)", c.OccurrenceCount, w.FrequencyBonus))
	}

	total = min(max(total, 0), MaxScore)
	return Result{Score: total, Bucket: s.Bucket(total), Reasons: reasons}
}

// Bucket maps a score to its priority class.
func (s *Scorer) Bucket(score int) Bucket {
	switch {
	case score >= s.w.CriticalThreshold:
		return Critical
	case score >= s.w.HighThreshold:
		return High
	case score >= s.w.MediumThreshold:
		return Medium
	default:
		return Noise
	}
}

// highRisk is a substring match, so T1059.001 counts as T1059.
func (s *Scorer) highRisk(technique string) bool {
	for _, t := range s.w.HighRiskTechniques {
		if strings.Contains(technique, t) {
			return true
		}
	}
	return false
}

func (s *Scorer) isServer(agent string) bool {
	name := strings.ToLower(agent)
	for _, ind := range s.w.ServerIndicators {
		if strings.Contains(name, strings.ToLower(ind)) {
			return true
		}
	}
	return false
}
