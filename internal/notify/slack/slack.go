// Package slack posts incident escalations to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/hush/internal/correlate"
	"github.com/linnemanlabs/hush/internal/risk"
)

const (
	maxExplanationLen = 3000
	maxReasons        = 10
	httpTimeout       = 10 * time.Second
)

// Notifier sends incident escalations to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger

	wg sync.WaitGroup
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

// Hooks returns engine hooks that post every escalation in the background.
// Delivery failures are logged and never reach ingestion.
func (n *Notifier) Hooks() correlate.Hooks {
	if !n.Enabled() {
		return correlate.Hooks{}
	}
	return correlate.Hooks{
		OnEscalate: func(inc *correlate.Incident) {
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
				defer cancel()
				if err := n.Send(ctx, inc); err != nil {
					n.logger.Error(ctx, err, "slack escalation failed", "incident_id", inc.ID)
				}
			}()
		},
	}
}

// Wait blocks until in-flight notifications finish or ctx is done.
func (n *Notifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send posts an incident to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, inc *correlate.Incident) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(inc)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(inc *correlate.Incident) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(inc),
			{"type": "divider"},
			fieldsBlock(inc),
			{"type": "divider"},
			explanationBlock(inc),
			reasonsBlock(inc),
			{"type": "divider"},
			contextBlock(inc),
		},
	}
}

func headerBlock(inc *correlate.Incident) map[string]any {
	text := fmt.Sprintf("%s %s incident: %s", bucketEmoji(inc.RiskBucket), inc.RiskBucket, inc.RuleName)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(inc *correlate.Incident) map[string]any {
	technique := inc.Technique
	if technique == "" {
		technique = "n/a"
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Asset:* %s", inc.AgentName),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Risk score:* %d/%d", inc.RiskScore, risk.MaxScore),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Occurrences:* %d", inc.Count),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Technique:* %s", technique),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Rule ID:* %s", inc.RuleID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Category:* %s", inc.Category),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func explanationBlock(inc *correlate.Incident) map[string]any {
	text := truncate(inc.Explanation, maxExplanationLen)
	if text == "" {
		text = "_No explanation available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Why this matters*\n\n%s", text),
		},
	}
}

func reasonsBlock(inc *correlate.Incident) map[string]any {
	reasons := inc.RiskReasons
	if len(reasons) > maxReasons {
		reasons = reasons[:maxReasons]
	}
	text := "_No scoring factors._"
	if len(reasons) > 0 {
		text = "• " + strings.Join(reasons, "\n• ")
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Risk factors*\n%s", text),
		},
	}
}

func contextBlock(inc *correlate.Incident) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("hush • incident %s • first seen %s", inc.ID, inc.StartTime.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func bucketEmoji(b risk.Bucket) string {
	switch b {
	case risk.Critical:
		return "\U0001f534" // red circle
	case risk.High:
		return "\U0001f7e0" // orange circle
	case risk.Medium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
