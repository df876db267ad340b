package correlate

import (
	"slices"
	"time"

	"github.com/linnemanlabs/hush/internal/alert"
	"github.com/linnemanlabs/hush/internal/explain"
	"github.com/linnemanlabs/hush/internal/risk"
)

// Status tracks whether an incident can still absorb alerts.
type Status string

const (
	// StatusOpen means the incident is the live entry for its group key
	StatusOpen Status = "open"

	// StatusClosed means a later alert for the same key arrived after the window
	StatusClosed Status = "closed"
)

// OverrideExplanation replaces the narrative of an analyst-suppressed incident.
const OverrideExplanation = "Manually marked as noise by analyst."

// OverrideReason is the noise reason of an analyst-suppressed incident.
const OverrideReason = "analyst override"

// Incident is an aggregated, scored and explained group of alerts.
type Incident struct {
	ID        string     `json:"id"`
	GroupKey  string     `json:"group_key"`
	Status    Status     `json:"status"`
	RuleID    string     `json:"rule_id"`
	RuleName  string     `json:"rule_name"`
	AgentName string     `json:"agent_name"`
	Technique string     `json:"technique,omitempty"`
	StartTime time.Time  `json:"start_time"`
	LastSeen  time.Time  `json:"last_seen"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`

	Count  int            `json:"count"`
	Alerts []*alert.Alert `json:"alerts"`

	RiskScore   int         `json:"risk_score"`
	RiskBucket  risk.Bucket `json:"risk_bucket"`
	RiskReasons []string    `json:"risk_reasons"`

	IsNoise     bool   `json:"is_noise"`
	NoiseReason string `json:"noise_reason,omitempty"`
	Suppressed  bool   `json:"suppressed"`

	Explanation string           `json:"explanation"`
	Category    string           `json:"category"`
	Advisory    explain.Advisory `json:"advisory"`

	Brief string `json:"brief,omitempty"`
}

// clone returns a copy that shares no mutable slices with inc. Member alerts
// are immutable and shared.
func (inc *Incident) clone() *Incident {
	cp := *inc
	cp.Alerts = slices.Clip(slices.Clone(inc.Alerts))
	cp.RiskReasons = slices.Clone(inc.RiskReasons)
	cp.Advisory = explain.Advisory{
		TruePositive:  slices.Clone(inc.Advisory.TruePositive),
		FalsePositive: slices.Clone(inc.Advisory.FalsePositive),
	}
	if inc.ClosedAt != nil {
		t := *inc.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// Stats summarizes ingestion since start or the last purge.
type Stats struct {
	Processed       int64     `json:"processed"`
	Folded          int64     `json:"folded"`
	ReductionRate   float64   `json:"reduction_rate"`
	LastIngestTime  time.Time `json:"last_ingest_time"`
	OpenIncidents   int       `json:"open_incidents"`
	ClosedIncidents int       `json:"closed_incidents"`
}

// Snapshot is the full engine state at one revision.
type Snapshot struct {
	Revision   uint64      `json:"revision"`
	Processed  int64       `json:"processed"`
	Folded     int64       `json:"folded"`
	LastIngest time.Time   `json:"last_ingest"`
	Incidents  []*Incident `json:"incidents"`
	Closed     []*Incident `json:"closed,omitempty"`
}
