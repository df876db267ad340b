// Package incidentapi exposes the correlation engine over HTTP: alert
// ingestion, the incident feed, stats and analyst actions.
package incidentapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/hush/internal/alert"
	"github.com/linnemanlabs/hush/internal/correlate"
)

// Engine defines the correlation operations the API needs.
type Engine interface {
	ProcessAlert(ctx context.Context, a *alert.Alert) *correlate.Incident
	Incidents() []*correlate.Incident
	Incident(id string) (*correlate.Incident, bool)
	Stats() correlate.Stats
	MarkAsNoise(ctx context.Context, id string) (*correlate.Incident, error)
	AttachBrief(ctx context.Context, id, brief string) (*correlate.Incident, error)
	Purge(ctx context.Context)
}

// Briefer writes an analyst brief for an incident.
type Briefer interface {
	Brief(ctx context.Context, inc *correlate.Incident) (string, error)
}

// Option configures an API.
type Option func(*API)

// WithBriefer enables the brief action.
func WithBriefer(b Briefer) Option {
	return func(a *API) { a.briefer = b }
}

// WithAuth guards the analyst actions (noise, brief, purge) with mw.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.auth = mw }
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	eng     Engine
	briefer Briefer
	auth    func(http.Handler) http.Handler
}

// New creates a new API handler.
func New(logger log.Logger, eng Engine, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if eng == nil {
		panic(xerrors.New("correlation engine is required"))
	}
	a := &API{
		logger: logger,
		eng:    eng,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlert)
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Get("/stats", a.handleStats)

		r.Group(func(r chi.Router) {
			if a.auth != nil {
				r.Use(a.auth)
			}
			r.Post("/incidents/{id}/action/noise", a.handleMarkNoise)
			r.Post("/incidents/{id}/action/brief", a.handleBrief)
			r.Post("/purge", a.handlePurge)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}
