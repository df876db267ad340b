package incidentapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/hush/internal/alert"
	"github.com/linnemanlabs/hush/internal/correlate"
	"github.com/linnemanlabs/hush/internal/risk"
)

// filterAll disables bucket filtering on the incident feed.
const filterAll = "ALL"

type ingestResponse struct {
	Status     string `json:"status"`
	IncidentID string `json:"incident_id"`
}

type statsResponse struct {
	Processed       int64      `json:"processed"`
	Reduced         int64      `json:"reduced"`
	ReductionRate   string     `json:"reduction_rate"`
	LastHeartbeat   *time.Time `json:"last_heartbeat"`
	OpenIncidents   int        `json:"open_incidents"`
	ClosedIncidents int        `json:"closed_incidents"`
}

type actionResponse struct {
	Success  bool                `json:"success"`
	Incident *correlate.Incident `json:"incident,omitempty"`
	Message  string              `json:"message,omitempty"`
}

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, `{"error":"alert too large"}`, http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	al, err := alert.Parse(body)
	if err != nil {
		a.logger.Warn(r.Context(), "rejected alert", "err", err, "bytes", len(body))
		http.Error(w, `{"error":"invalid alert payload"}`, http.StatusBadRequest)
		return
	}

	inc := a.eng.ProcessAlert(r.Context(), al)

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("hush.incident.id", inc.ID),
		attribute.String("hush.incident.bucket", string(inc.RiskBucket)),
		attribute.Int("hush.incident.count", inc.Count),
	)

	writeJSON(w, http.StatusOK, ingestResponse{Status: "processed", IncidentID: inc.ID})
}

// matchesFilter reports whether an incident belongs in the feed for filter.
// HIGH is an alias that also admits MEDIUM.
func matchesFilter(b risk.Bucket, filter string) bool {
	switch filter {
	case "", filterAll:
		return true
	case string(risk.High):
		return b == risk.High || b == risk.Medium
	default:
		return string(b) == filter
	}
}

func validFilter(filter string) bool {
	return filter == "" || filter == filterAll || risk.Bucket(filter).Valid()
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	filter := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("type")))
	if !validFilter(filter) {
		http.Error(w, `{"error":"unknown incident type"}`, http.StatusBadRequest)
		return
	}

	all := a.eng.Incidents()
	out := make([]*correlate.Incident, 0, len(all))
	for _, inc := range all {
		if matchesFilter(inc.RiskBucket, filter) {
			out = append(out, inc)
		}
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("hush.filter", filter),
		attribute.Int("hush.incidents.returned", len(out)),
	)

	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("hush.incident.id", id))

	inc, ok := a.eng.Incident(id)
	if !ok {
		http.Error(w, `{"error":"incident not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("hush.incident.status", string(inc.Status)))

	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := a.eng.Stats()

	resp := statsResponse{
		Processed:       st.Processed,
		Reduced:         st.Folded,
		ReductionRate:   fmt.Sprintf("%.1f", st.ReductionRate),
		OpenIncidents:   st.OpenIncidents,
		ClosedIncidents: st.ClosedIncidents,
	}
	if !st.LastIngestTime.IsZero() {
		t := st.LastIngestTime
		resp.LastHeartbeat = &t
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleMarkNoise(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("hush.incident.id", id))

	inc, err := a.eng.MarkAsNoise(r.Context(), id)
	if errors.Is(err, correlate.ErrNotFound) {
		http.Error(w, `{"error":"incident not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to mark incident as noise", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, actionResponse{Success: true, Incident: inc})
}

func (a *API) handleBrief(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("hush.incident.id", id))

	if a.briefer == nil {
		http.Error(w, `{"error":"analyst brief not configured"}`, http.StatusNotImplemented)
		return
	}

	inc, ok := a.eng.Incident(id)
	if !ok {
		http.Error(w, `{"error":"incident not found"}`, http.StatusNotFound)
		return
	}

	brief, err := a.briefer.Brief(ctx, inc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "brief failed")
		a.logger.Error(ctx, err, "analyst brief failed", "id", id)
		http.Error(w, `{"error":"brief provider failed"}`, http.StatusBadGateway)
		return
	}

	// the incident may have been purged while the provider was working
	inc, err = a.eng.AttachBrief(ctx, id, brief)
	if errors.Is(err, correlate.ErrNotFound) {
		http.Error(w, `{"error":"incident not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error(ctx, err, "failed to attach brief", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, actionResponse{Success: true, Incident: inc})
}

func (a *API) handlePurge(w http.ResponseWriter, r *http.Request) {
	a.eng.Purge(r.Context())
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "All incidents purged."})
}
