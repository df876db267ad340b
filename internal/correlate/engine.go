package correlate

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/hush/internal/alert"
	"github.com/linnemanlabs/hush/internal/explain"
	"github.com/linnemanlabs/hush/internal/noise"
	"github.com/linnemanlabs/hush/internal/risk"
)

const (
	DefaultWindow      = 5 * time.Minute
	DefaultArchiveSize = 1000
)

// ErrNotFound is returned by id-keyed operations for an unknown incident.
var ErrNotFound = errors.New("incident not found")

// Classifier decides whether an alert is noise given its occurrence count.
type Classifier interface {
	Classify(a *alert.Alert, occurrenceCount int) noise.Verdict
}

// Scorer computes the risk of an alert given its aggregation context.
type Scorer interface {
	Score(a *alert.Alert, c risk.Context) risk.Result
}

// ProcessEvent describes one ProcessAlert call.
type ProcessEvent struct {
	Folded   bool
	Closed   bool
	Bucket   risk.Bucket
	IsNoise  bool
	Open     int
	Duration float64
}

// Hooks are optional callbacks invoked outside the engine lock.
type Hooks struct {
	OnProcess  func(e ProcessEvent)
	OnEscalate func(inc *Incident)
}

// Option configures an Engine.
type Option func(*Engine)

// WithWindow sets the maximum gap between a group's last alert and a new one
// for the new alert to fold in.
func WithWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithClassifier(c Classifier) Option {
	return func(e *Engine) {
		if c != nil {
			e.classifier = c
		}
	}
}

func WithScorer(s Scorer) Option {
	return func(e *Engine) {
		if s != nil {
			e.scorer = s
		}
	}
}

// WithArchiveSize bounds the number of closed incidents kept for lookup by id.
func WithArchiveSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.archiveSize = n
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

func WithLogger(l log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine owns the incident store. All mutations are serialized by mu; reads
// share it. Incidents handed out are copies.
type Engine struct {
	window      time.Duration
	archiveSize int
	now         func() time.Time
	classifier  Classifier
	scorer      Scorer
	hooks       Hooks
	logger      log.Logger

	mu         sync.RWMutex
	open       map[string]*Incident // group key -> open incident
	openByID   map[string]*Incident // incident ID -> open incident
	closed     *lru.Cache[string, *Incident]
	processed  int64
	folded     int64
	lastIngest time.Time
	revision   uint64
}

// NewEngine creates an engine with the default policy unless overridden.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		window:      DefaultWindow,
		archiveSize: DefaultArchiveSize,
		now:         time.Now,
		classifier:  noise.NewClassifier(noise.DefaultPolicy()),
		scorer:      risk.NewScorer(risk.DefaultWeights()),
		logger:      log.Nop(),
		open:        make(map[string]*Incident),
		openByID:    make(map[string]*Incident),
	}
	for _, o := range opts {
		o(e)
	}
	e.closed = newArchive(e.archiveSize)
	return e
}

func newArchive(size int) *lru.Cache[string, *Incident] {
	c, err := lru.New[string, *Incident](size)
	if err != nil {
		// only fails for size <= 0, which the options reject
		panic(err)
	}
	return c
}

// ProcessAlert folds a into the open incident for its group key, or opens a
// new incident, then re-enriches it. It never fails on a parsed alert.
func (e *Engine) ProcessAlert(ctx context.Context, a *alert.Alert) *Incident {
	start := time.Now()
	key := a.GroupKey()

	e.mu.Lock()
	now := e.now()
	e.processed++
	e.lastIngest = now
	e.revision++

	var (
		folded  bool
		retired *Incident
		prev    risk.Bucket
	)

	inc, ok := e.open[key]
	if ok && now.Sub(inc.LastSeen) < e.window {
		folded = true
		prev = inc.RiskBucket
		e.folded++
		inc.Count++
		inc.Alerts = append(inc.Alerts, a)
		if now.After(inc.LastSeen) {
			inc.LastSeen = now
		}
	} else {
		if ok {
			retired = e.closeLocked(inc, now)
		}
		inc = &Incident{
			ID:        ulid.Make().String(),
			GroupKey:  key,
			Status:    StatusOpen,
			RuleID:    a.Rule.ID,
			RuleName:  a.Rule.Description,
			AgentName: a.Agent.Name,
			Technique: a.Technique(),
			StartTime: now,
			LastSeen:  now,
			Count:     1,
			Alerts:    []*alert.Alert{a},
		}
		e.open[key] = inc
		e.openByID[inc.ID] = inc
	}

	e.enrich(inc)

	out := inc.clone()
	openCount := len(e.open)
	e.mu.Unlock()

	escalated := out.RiskBucket == risk.Critical && (!folded || prev != risk.Critical)

	if retired != nil {
		e.logger.Info(ctx, "incident closed",
			"incident_id", retired.ID,
			"group_key", retired.GroupKey,
			"count", retired.Count,
		)
	}
	if escalated {
		e.logger.Info(ctx, "incident escalated",
			"incident_id", out.ID,
			"group_key", out.GroupKey,
			"risk_score", out.RiskScore,
			"count", out.Count,
		)
		if e.hooks.OnEscalate != nil {
			e.hooks.OnEscalate(out.clone())
		}
	}
	if e.hooks.OnProcess != nil {
		e.hooks.OnProcess(ProcessEvent{
			Folded:   folded,
			Closed:   retired != nil,
			Bucket:   out.RiskBucket,
			IsNoise:  out.IsNoise,
			Open:     openCount,
			Duration: time.Since(start).Seconds(),
		})
	}

	return out
}

// closeLocked moves inc from the open index to the archive.
func (e *Engine) closeLocked(inc *Incident, now time.Time) *Incident {
	delete(e.open, inc.GroupKey)
	delete(e.openByID, inc.ID)
	inc.Status = StatusClosed
	closedAt := now
	inc.ClosedAt = &closedAt
	e.closed.Add(inc.ID, inc)
	return inc.clone()
}

// enrich recomputes noise, risk and explanation from the first member alert
// and the current count. Analyst suppression overrides the verdict.
func (e *Engine) enrich(inc *Incident) {
	first := inc.Alerts[0]

	verdict := e.classifier.Classify(first, inc.Count)
	res := e.scorer.Score(first, risk.Context{OccurrenceCount: inc.Count})

	inc.RiskScore = res.Score
	inc.RiskBucket = res.Bucket
	inc.RiskReasons = res.Reasons
	inc.IsNoise = verdict.IsNoise
	inc.NoiseReason = verdict.Reason
	if inc.IsNoise {
		inc.RiskBucket = risk.Noise
	}

	ex := explain.Explain(explain.Summary{
		RuleName:       first.Rule.Description,
		Technique:      first.Technique(),
		AffectedAssets: []string{first.Agent.Name},
		Count:          inc.Count,
		Bucket:         inc.RiskBucket,
	})
	inc.Explanation = ex.Text
	inc.Category = ex.Category
	inc.Advisory = ex.Advisory

	if inc.Suppressed {
		suppress(inc)
	}
}

func suppress(inc *Incident) {
	inc.Suppressed = true
	inc.IsNoise = true
	inc.NoiseReason = OverrideReason
	inc.RiskBucket = risk.Noise
	inc.Explanation = OverrideExplanation
}

// Incidents returns the open incidents, most recently active first.
func (e *Engine) Incidents() []*Incident {
	e.mu.RLock()
	out := make([]*Incident, 0, len(e.open))
	for _, inc := range e.open {
		out = append(out, inc.clone())
	}
	e.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Incident) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

// Incident looks up an open or archived incident by id.
func (e *Engine) Incident(id string) (*Incident, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inc, ok := e.lookupLocked(id)
	if !ok {
		return nil, false
	}
	return inc.clone(), true
}

func (e *Engine) lookupLocked(id string) (*Incident, bool) {
	if inc, ok := e.openByID[id]; ok {
		return inc, true
	}
	return e.closed.Peek(id)
}

// Stats returns the ingestion counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Processed:       e.processed,
		Folded:          e.folded,
		ReductionRate:   reductionRate(e.folded, e.processed),
		LastIngestTime:  e.lastIngest,
		OpenIncidents:   len(e.open),
		ClosedIncidents: e.closed.Len(),
	}
}

func reductionRate(folded, processed int64) float64 {
	if processed == 0 {
		return 0
	}
	return math.Round(float64(folded)/float64(processed)*1000) / 10
}

// MarkAsNoise permanently suppresses an incident. Score, reasons and advisory
// are kept. Calling it again has no further effect.
func (e *Engine) MarkAsNoise(ctx context.Context, id string) (*Incident, error) {
	e.mu.Lock()
	inc, ok := e.lookupLocked(id)
	if !ok {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	already := inc.Suppressed
	suppress(inc)
	if !already {
		e.revision++
	}
	out := inc.clone()
	e.mu.Unlock()

	if !already {
		e.logger.Info(ctx, "incident marked as noise", "incident_id", id, "group_key", out.GroupKey)
	}
	return out, nil
}

// AttachBrief stores an analyst brief on an incident.
func (e *Engine) AttachBrief(_ context.Context, id, brief string) (*Incident, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inc, ok := e.lookupLocked(id)
	if !ok {
		return nil, ErrNotFound
	}
	inc.Brief = brief
	e.revision++
	return inc.clone(), nil
}

// Purge drops every incident and resets the counters.
func (e *Engine) Purge(ctx context.Context) {
	e.mu.Lock()
	n := len(e.open) + e.closed.Len()
	e.open = make(map[string]*Incident)
	e.openByID = make(map[string]*Incident)
	e.closed.Purge()
	e.processed = 0
	e.folded = 0
	e.lastIngest = time.Time{}
	e.revision++
	e.mu.Unlock()

	e.logger.Warn(ctx, "all incidents purged", "incidents", n)
}

// Revision increases on every mutation.
func (e *Engine) Revision() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.revision
}

// Snapshot copies the full state under the read lock.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := &Snapshot{
		Revision:   e.revision,
		Processed:  e.processed,
		Folded:     e.folded,
		LastIngest: e.lastIngest,
		Incidents:  make([]*Incident, 0, len(e.open)),
	}
	for _, inc := range e.open {
		s.Incidents = append(s.Incidents, inc.clone())
	}
	slices.SortFunc(s.Incidents, func(a, b *Incident) int { return cmp.Compare(a.ID, b.ID) })

	// oldest first, so Restore re-adds in the same recency order
	for _, inc := range e.closed.Values() {
		s.Closed = append(s.Closed, inc.clone())
	}
	return s
}

// Restore replaces the engine state with s. Open incidents sharing a group
// key keep the one seen last; the others are archived.
func (e *Engine) Restore(s *Snapshot) {
	if s == nil {
		return
	}

	open := make(map[string]*Incident, len(s.Incidents))
	openByID := make(map[string]*Incident, len(s.Incidents))
	closed := newArchive(e.archiveSize)

	for _, c := range s.Closed {
		if c == nil {
			continue
		}
		inc := c.clone()
		inc.Status = StatusClosed
		closed.Add(inc.ID, inc)
	}
	for _, c := range s.Incidents {
		if c == nil || len(c.Alerts) == 0 {
			continue
		}
		inc := c.clone()
		inc.Status = StatusOpen
		if prev, ok := open[inc.GroupKey]; ok {
			if prev.LastSeen.After(inc.LastSeen) {
				prev, inc = inc, prev
			}
			delete(openByID, prev.ID)
			prev.Status = StatusClosed
			closedAt := inc.LastSeen
			prev.ClosedAt = &closedAt
			closed.Add(prev.ID, prev)
		}
		open[inc.GroupKey] = inc
		openByID[inc.ID] = inc
	}

	e.mu.Lock()
	e.open = open
	e.openByID = openByID
	e.closed = closed
	e.processed = s.Processed
	e.folded = s.Folded
	e.lastIngest = s.LastIngest
	e.revision = s.Revision
	e.mu.Unlock()
}
