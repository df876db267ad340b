// Package explain produces the analyst-facing narrative and triage advisory
// for an incident.
package explain

import (
	"fmt"
	"slices"
	"strings"

	"github.com/linnemanlabs/hush/internal/risk"
)

// UnknownRule names rules that arrive without a description.
const UnknownRule = "Unknown Rule"

// Summary is the part of an incident the explanation is built from.
type Summary struct {
	RuleName string
	// not rendered in the narrative
	Technique      string
	AffectedAssets []string
	Count          int
	Bucket         risk.Bucket
}

// Advisory lists conditions that point toward a true or a false positive.
type Advisory struct {
	TruePositive  []string `json:"true_positive"`
	FalsePositive []string `json:"false_positive"`
}

// Explanation is the narrative plus the advisory of the matched category.
type Explanation struct {
	Text     string   `json:"text"`
	Category string   `json:"category"`
	Advisory Advisory `json:"advisory"`
}

type category struct {
	name     string
	keywords []string
	advisory Advisory
}

// categories are checked in order; the first keyword hit wins.
var categories = []category{
	{
		name:     "authentication",
		keywords: []string{"ssh", "login", "authentication"},
		advisory: Advisory{
			FalsePositive: []string{
				"User forgot password or capsule key.",
				"Admin script running scheduled task with wrong creds.",
			},
			TruePositive: []string{
				"High frequency (10+ attempts) in < 1 minute.",
				"Source IP is external or unknown geography.",
			},
		},
	},
	{
		name:     "malware",
		keywords: []string{"malware", "trojan", "virus"},
		advisory: Advisory{
			FalsePositive: []string{
				"Security scanner testing antivirus signatures.",
				"User downloaded a known safe 'hacktool' for testing.",
			},
			TruePositive: []string{
				"File path is in a temporary or system directory (e.g., AppData, /tmp).",
				"Process spawned a network connection immediately after.",
			},
		},
	},
	{
		name:     "configuration",
		keywords: []string{"configuration", "policy"},
		advisory: Advisory{
			FalsePositive: []string{
				"Authorized system update or patch.",
				"DevOps deployment pipeline changes.",
			},
			TruePositive: []string{
				"Change happened outside of maintenance window.",
				"Critical security control (Firewall/SELinux) disabled.",
			},
		},
	},
}

var generic = category{
	name: "generic",
	advisory: Advisory{
		FalsePositive: []string{
			"Scheduled maintenance activity.",
			"Known harmless application behavior.",
		},
		TruePositive: []string{
			"Activity is anomalous for this specific user/host.",
			"Correlated with other alerts in the same timeframe.",
		},
	},
}

// Explain builds the narrative and advisory for s. It is pure.
func Explain(s Summary) Explanation {
	rule := s.RuleName
	if rule == "" {
		rule = UnknownRule
	}

	var b strings.Builder
	fmt.Fprintf(&b, "This incident triggered the rule \"%s\" ", rule)
	if s.Count > 1 {
		fmt.Fprintf(&b, "and was observed %d times within a short time window. ", s.Count)
	} else {
		b.WriteString("once. ")
	}
	if s.Bucket == risk.Critical {
		b.WriteString("It is marked CRITICAL due to potential high impact. ")
	}

	c := match(s.RuleName)
	return Explanation{
		Text:     strings.TrimSpace(b.String()),
		Category: c.name,
		Advisory: Advisory{
			TruePositive:  slices.Clone(c.advisory.TruePositive),
			FalsePositive: slices.Clone(c.advisory.FalsePositive),
		},
	}
}

func match(ruleName string) category {
	name := strings.ToLower(ruleName)
	for _, c := range categories {
		for _, kw := range c.keywords {
			if strings.Contains(name, kw) {
				return c
			}
		}
	}
	return generic
}
