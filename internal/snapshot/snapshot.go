// Package snapshot persists correlation engine state so that it survives
// restarts. A Persister restores the engine on start, then periodically writes
// snapshots to a Store. Store failures are logged and never reach ingestion.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/hush/internal/correlate"
)

// DefaultInterval is how often Run checks for changes to persist.
const DefaultInterval = 5 * time.Second

// flushTimeout bounds the final save on shutdown.
const flushTimeout = 10 * time.Second

// Store is durable storage for a single engine snapshot.
type Store interface {
	Save(ctx context.Context, s *correlate.Snapshot) error
	Load(ctx context.Context) (*correlate.Snapshot, bool, error)
}

// Source is the state owner, normally *correlate.Engine.
type Source interface {
	Snapshot() *correlate.Snapshot
	Restore(s *correlate.Snapshot)
	Revision() uint64
}

// Encode serializes a snapshot for stores that hold raw bytes.
func Encode(s *correlate.Snapshot) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) (*correlate.Snapshot, error) {
	var s correlate.Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// Option configures a Persister.
type Option func(*Persister)

func WithInterval(d time.Duration) Option {
	return func(p *Persister) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithLogger(l log.Logger) Option {
	return func(p *Persister) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Persister) { p.metrics = m }
}

// Persister moves snapshots between a Source and a Store.
type Persister struct {
	src      Source
	store    Store
	interval time.Duration
	logger   log.Logger
	metrics  *Metrics

	// saved is the last revision known to be in the store. Only Restore, Run
	// and Flush touch it, and they are not called concurrently.
	saved uint64
}

// NewPersister creates a Persister.
func NewPersister(src Source, store Store, opts ...Option) *Persister {
	p := &Persister{
		src:      src,
		store:    store,
		interval: DefaultInterval,
		logger:   log.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Restore loads the stored snapshot into the source. Any failure leaves the
// source untouched and is only logged. It reports whether state was restored.
func (p *Persister) Restore(ctx context.Context) bool {
	s, ok, err := p.store.Load(ctx)
	switch {
	case err != nil:
		p.metrics.restored("error")
		p.logger.Error(ctx, err, "snapshot restore failed, starting empty")
		return false
	case !ok || s == nil:
		p.metrics.restored("empty")
		p.logger.Info(ctx, "no snapshot found, starting empty")
		return false
	}

	p.src.Restore(s)
	p.saved = s.Revision
	p.metrics.restored("ok")
	p.logger.Info(ctx, "snapshot restored",
		"revision", s.Revision,
		"incidents", len(s.Incidents),
		"closed", len(s.Closed),
		"processed", s.Processed,
	)
	return true
}

// Flush saves the current state if it changed since the last successful save.
func (p *Persister) Flush(ctx context.Context) error {
	if p.src.Revision() == p.saved {
		p.metrics.saved("skipped", 0)
		return nil
	}

	// copy under the engine lock, write outside it
	s := p.src.Snapshot()

	start := time.Now()
	err := p.store.Save(ctx, s)
	dur := time.Since(start)
	if err != nil {
		p.metrics.saved("error", dur)
		return fmt.Errorf("save snapshot revision %d: %w", s.Revision, err)
	}
	p.saved = s.Revision
	p.metrics.saved("ok", dur)
	return nil
}

// Run flushes every interval until ctx is done, then flushes once more with
// a fresh deadline. Save errors are logged and retried on the next tick.
func (p *Persister) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			if err := p.Flush(fctx); err != nil {
				p.logger.Error(fctx, err, "final snapshot flush failed")
			} else {
				p.logger.Info(fctx, "final snapshot flushed", "revision", p.saved)
			}
			cancel()
			return
		case <-t.C:
			if err := p.Flush(ctx); err != nil {
				p.logger.Error(ctx, err, "snapshot save failed")
			}
		}
	}
}
