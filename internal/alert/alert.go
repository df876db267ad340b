// Package alert defines the normalized security alert that hush ingests and
// the boundary parser that turns raw webhook bodies into it.
package alert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// UnknownAgent is substituted when an alert carries no agent name.
const UnknownAgent = "unknown-agent"

// DefaultLevel is substituted when an alert carries no rule level.
const DefaultLevel = 1

var (
	// ErrInvalidPayload means the body was not a JSON alert envelope.
	ErrInvalidPayload = errors.New("invalid alert payload")

	// ErrInvalidAlert means the body decoded but failed validation.
	ErrInvalidAlert = errors.New("invalid alert")
)

// Mitre holds MITRE ATT&CK technique identifiers in source order.
type Mitre struct {
	ID []string `json:"id,omitempty"`
}

// Rule is the detection rule that fired.
type Rule struct {
	ID          string `json:"id" validate:"required"`
	Level       int    `json:"level" validate:"min=0,max=15"`
	Description string `json:"description"`
	Mitre       Mitre  `json:"mitre,omitempty"`
}

// Agent is the monitored host that produced the alert.
type Agent struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name" validate:"required"`
	IP   string `json:"ip,omitempty"`
}

// Alert is a single normalized alert. It is never mutated after Parse.
type Alert struct {
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Rule      Rule   `json:"rule"`
	Agent     Agent  `json:"agent"`

	// Fields carries every other top-level source field verbatim.
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
}

// GroupKey is the deterministic aggregation key for the alert.
func (a *Alert) GroupKey() string {
	return a.Rule.ID + "-" + a.Agent.Name
}

// Technique returns the first MITRE technique id, or "".
func (a *Alert) Technique() string {
	if len(a.Rule.Mitre.ID) == 0 {
		return ""
	}
	return a.Rule.Mitre.ID[0]
}

// wire mirrors the loosely typed source document.
type wire struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Rule      *struct {
		ID          json.RawMessage `json:"id"`
		Level       *int            `json:"level"`
		Description string          `json:"description"`
		Mitre       *Mitre          `json:"mitre"`
	} `json:"rule"`
	Agent *Agent `json:"agent"`
	Mitre *Mitre `json:"mitre"`
}

// known top-level keys that are lifted into typed fields.
var known = map[string]struct{}{
	"id": {}, "timestamp": {}, "rule": {}, "agent": {}, "mitre": {},
}

var validate = validator.New()

// Parse decodes a webhook body into a normalized Alert. Bodies wrapped in a
// "payload" or "data" envelope are unwrapped, including envelopes whose value
// is a JSON-encoded string.
func Parse(body []byte) (*Alert, error) {
	raw, err := unwrap(body)
	if err != nil {
		return nil, err
	}

	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if w.Rule == nil {
		return nil, fmt.Errorf("%w: missing rule", ErrInvalidAlert)
	}

	a := &Alert{
		ID:        w.ID,
		Timestamp: w.Timestamp,
		Rule: Rule{
			ID:          ruleID(w.Rule.ID),
			Level:       DefaultLevel,
			Description: w.Rule.Description,
		},
	}
	if w.Rule.Level != nil {
		a.Rule.Level = *w.Rule.Level
	}
	switch {
	case w.Rule.Mitre != nil && len(w.Rule.Mitre.ID) > 0:
		a.Rule.Mitre.ID = w.Rule.Mitre.ID
	case w.Mitre != nil && len(w.Mitre.ID) > 0:
		a.Rule.Mitre.ID = w.Mitre.ID
	}
	if w.Agent != nil {
		a.Agent = *w.Agent
	}
	if strings.TrimSpace(a.Agent.Name) == "" {
		a.Agent.Name = UnknownAgent
	}

	fields, err := extraFields(raw)
	if err != nil {
		return nil, err
	}
	a.Fields = fields

	if err := validate.Struct(a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAlert, err)
	}
	return a, nil
}

// unwrap strips a payload/data envelope. An object that already has a rule is
// treated as the alert itself, since Wazuh alerts carry their own data field.
func unwrap(body []byte) ([]byte, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, ok := env["rule"]; ok {
		return body, nil
	}

	inner, ok := env["payload"]
	if !ok {
		inner, ok = env["data"]
	}
	if !ok {
		return body, nil
	}

	inner = bytes.TrimSpace(inner)
	if len(inner) > 0 && inner[0] == '"' {
		var s string
		if err := json.Unmarshal(inner, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		inner = []byte(s)
	}
	if !json.Valid(inner) {
		return nil, fmt.Errorf("%w: envelope does not contain JSON", ErrInvalidPayload)
	}
	return inner, nil
}

func extraFields(raw []byte) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	for k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// ruleID accepts the rule id as either a JSON string or a number.
func ruleID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}
