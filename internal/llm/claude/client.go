// Package claude writes analyst briefs for incidents with the Anthropic
// Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/hush/internal/correlate"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-20250514"

const (
	maxTokens      = 1024
	requestTimeout = 120 * time.Second
	// maxSampleAlerts bounds how many member alerts go into the prompt.
	maxSampleAlerts = 3
)

// ErrEmptyBrief is returned when the model answers without any text.
var ErrEmptyBrief = errors.New("claude returned no text")

const systemPrompt = `You are a senior SOC analyst. You receive one correlated security incident
with its risk score, scoring factors and a triage checklist. Write a short brief for the
on-call analyst: what most likely happened, how urgent it is, and the next three concrete
investigation or containment steps. Use plain text, at most 200 words. Do not invent facts
that are not in the incident.`

// Client implements the brief provider for the Claude API.
type Client struct {
	api   anthropic.Client
	model anthropic.Model
}

// New creates a new Claude client with the given API key and model name.
// Extra request options are applied after the defaults.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(requestTimeout),
	}
	return &Client{
		api:   anthropic.NewClient(append(base, opts...)...),
		model: anthropic.Model(model),
	}
}

// Brief asks the model for an analyst brief on inc.
func (c *Client) Brief(ctx context.Context, inc *correlate.Incident) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(inc))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude brief for %s: %w", inc.ID, err)
	}

	text := responseText(msg)
	if text == "" {
		return "", ErrEmptyBrief
	}
	return text, nil
}

// responseText joins the text blocks of msg.
func responseText(msg *anthropic.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, strings.TrimSpace(block.Text))
		}
	}
	return strings.Join(parts, "\n\n")
}

// buildPrompt renders the incident as the user message.
func buildPrompt(inc *correlate.Incident) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Incident %s\n", inc.ID)
	fmt.Fprintf(&b, "Rule: %s (id %s)\n", inc.RuleName, inc.RuleID)
	fmt.Fprintf(&b, "Asset: %s\n", inc.AgentName)
	if inc.Technique != "" {
		fmt.Fprintf(&b, "MITRE ATT&CK technique: %s\n", inc.Technique)
	}
	fmt.Fprintf(&b, "Occurrences: %d between %s and %s\n",
		inc.Count, inc.StartTime.UTC().Format(time.RFC3339), inc.LastSeen.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Risk: %d/100 (%s)\n", inc.RiskScore, inc.RiskBucket)
	if inc.IsNoise {
		fmt.Fprintf(&b, "Flagged as noise: %s\n", inc.NoiseReason)
	}

	if len(inc.RiskReasons) > 0 {
		b.WriteString("\nScoring factors:\n")
		for _, r := range inc.RiskReasons {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	if inc.Explanation != "" {
		fmt.Fprintf(&b, "\nSummary: %s\n", inc.Explanation)
	}

	if len(inc.Advisory.TruePositive) > 0 || len(inc.Advisory.FalsePositive) > 0 {
		fmt.Fprintf(&b, "\nTriage checklist (%s):\n", inc.Category)
		for _, s := range inc.Advisory.TruePositive {
			fmt.Fprintf(&b, "- true positive if: %s\n", s)
		}
		for _, s := range inc.Advisory.FalsePositive {
			fmt.Fprintf(&b, "- false positive if: %s\n", s)
		}
	}

	n := min(len(inc.Alerts), maxSampleAlerts)
	if n > 0 {
		b.WriteString("\nSample alerts:\n")
		for _, a := range inc.Alerts[:n] {
			fmt.Fprintf(&b, "- %s level %d: %s\n", a.Timestamp, a.Rule.Level, a.Rule.Description)
		}
	}

	return b.String()
}
