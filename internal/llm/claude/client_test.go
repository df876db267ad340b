package claude

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/hush/internal/alert"
	"github.com/linnemanlabs/hush/internal/correlate"
	"github.com/linnemanlabs/hush/internal/explain"
	"github.com/linnemanlabs/hush/internal/risk"
)

func testIncident() *correlate.Incident {
	start := time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC)
	return &correlate.Incident{
		ID:          "01JN123",
		RuleID:      "9001",
		RuleName:    "Mimikatz credential dumping detected",
		AgentName:   "db-prod-02",
		Technique:   "T1003",
		StartTime:   start,
		LastSeen:    start.Add(2 * time.Minute),
		Count:       2,
		RiskScore:   100,
		RiskBucket:  risk.Critical,
		RiskReasons: []string{"Base severity level 14 (+84)", "High-risk MITRE technique detected: T1003 (+20)"},
		Explanation: "This incident triggered the rule.",
		Category:    "malware",
		Advisory: explain.Advisory{
			TruePositive:  []string{"Process spawned from temp directory."},
			FalsePositive: []string{"Security tool scanning files."},
		},
		Alerts: []*alert.Alert{
			{Timestamp: "2026-02-26T14:23:00Z", Rule: alert.Rule{ID: "9001", Level: 14, Description: "Mimikatz credential dumping detected"}},
		},
	}
}

// fakeMessages serves the Messages endpoint and captures the request body.
func fakeMessages(t *testing.T, status int, body string, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "sk-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("X-Api-Key"))
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server, model string) *Client {
	return New("sk-test", model, option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
}

func TestBrief_ReturnsText(t *testing.T) {
	t.Parallel()

	var req map[string]any
	srv := fakeMessages(t, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [{"type": "text", "text": "  Isolate db-prod-02.  "}, {"type": "text", "text": "Rotate credentials."}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 100, "output_tokens": 20}
	}`, &req)

	c := newTestClient(srv, "claude-test")
	brief, err := c.Brief(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Brief: %v", err)
	}
	if brief != "Isolate db-prod-02.\n\nRotate credentials." {
		t.Errorf("brief = %q", brief)
	}

	if req["model"] != "claude-test" {
		t.Errorf("model = %v", req["model"])
	}
	msgs, ok := req["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("messages = %v", req["messages"])
	}
	if !strings.Contains(mustJSON(t, msgs[0]), "db-prod-02") {
		t.Error("prompt does not mention the asset")
	}
}

func TestBrief_ProviderError(t *testing.T) {
	t.Parallel()

	srv := fakeMessages(t, http.StatusBadRequest,
		`{"type":"error","error":{"type":"invalid_request_error","message":"bad model"}}`, nil)

	_, err := newTestClient(srv, "nope").Brief(context.Background(), testIncident())
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %T does not wrap *anthropic.Error", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
}

func TestBrief_EmptyResponse(t *testing.T) {
	t.Parallel()

	srv := fakeMessages(t, http.StatusOK, `{
		"id": "msg_2", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [], "stop_reason": "end_turn", "usage": {"input_tokens": 1, "output_tokens": 0}
	}`, nil)

	_, err := newTestClient(srv, "").Brief(context.Background(), testIncident())
	if !errors.Is(err, ErrEmptyBrief) {
		t.Errorf("err = %v, want ErrEmptyBrief", err)
	}
}

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()

	c := New("k", "")
	if c.model != DefaultModel {
		t.Errorf("model = %q, want %q", c.model, DefaultModel)
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	p := buildPrompt(testIncident())
	for _, want := range []string{
		"Rule: Mimikatz credential dumping detected (id 9001)",
		"Asset: db-prod-02",
		"MITRE ATT&CK technique: T1003",
		"Occurrences: 2 between 2026-02-26T14:23:00Z and 2026-02-26T14:25:00Z",
		"Risk: 100/100 (CRITICAL)",
		"- Base severity level 14 (+84)",
		"Triage checklist (malware):",
		"- true positive if: Process spawned from temp directory.",
		"- false positive if: Security tool scanning files.",
		"level 14: Mimikatz credential dumping detected",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q\n%s", want, p)
		}
	}
	if strings.Contains(p, "Flagged as noise") {
		t.Error("prompt flags a non-noise incident as noise")
	}
}

func TestBuildPrompt_SamplesAlerts(t *testing.T) {
	t.Parallel()

	inc := testIncident()
	inc.Technique = ""
	for range 10 {
		inc.Alerts = append(inc.Alerts, inc.Alerts[0])
	}

	p := buildPrompt(inc)
	if n := strings.Count(p, "level 14:"); n != maxSampleAlerts {
		t.Errorf("sampled alerts = %d, want %d", n, maxSampleAlerts)
	}
	if strings.Contains(p, "MITRE") {
		t.Error("prompt mentions MITRE without a technique")
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}
