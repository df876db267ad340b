// Package pgstore provides a PostgreSQL implementation of snapshot.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/hush/internal/correlate"
	"github.com/linnemanlabs/hush/internal/snapshot"
)

var tracer = otel.Tracer("github.com/linnemanlabs/hush/internal/snapshot/pgstore")

//go:embed schema.sql
var schema string

// Store keeps the latest snapshot in a single-row table.
type Store struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	migrated bool
}

// New returns a Store over pool without touching the database. The schema is
// applied by the first call that reaches Postgres, and retried on later calls
// until it succeeds. The pool stays owned by the caller.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrated {
		return nil
	}
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.migrated = true
	return nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Save upserts the snapshot row.
func (s *Store) Save(ctx context.Context, snap *correlate.Snapshot) error {
	ctx, span := tracer.Start(ctx, "pgstore.Save", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
		attribute.Int64("hush.snapshot.revision", int64(snap.Revision)), //nolint:gosec // revisions stay far below MaxInt64
		attribute.Int("hush.snapshot.incidents", len(snap.Incidents)),
	))
	defer span.End()

	if err := s.ensureSchema(ctx); err != nil {
		return fail(span, err)
	}

	b, err := snapshot.Encode(snap)
	if err != nil {
		return fail(span, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO hush_snapshots (id, revision, processed, folded, incidents, state, saved_at)
		VALUES (1, $1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			revision  = EXCLUDED.revision,
			processed = EXCLUDED.processed,
			folded    = EXCLUDED.folded,
			incidents = EXCLUDED.incidents,
			state     = EXCLUDED.state,
			saved_at  = EXCLUDED.saved_at`,
		int64(snap.Revision), snap.Processed, snap.Folded, len(snap.Incidents)+len(snap.Closed), string(b), //nolint:gosec // see above
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert snapshot: %w", err))
	}
	return nil
}

// Load reads the snapshot row. No row is not an error.
func (s *Store) Load(ctx context.Context) (*correlate.Snapshot, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Load", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	if err := s.ensureSchema(ctx); err != nil {
		return nil, false, fail(span, err)
	}

	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM hush_snapshots WHERE id = 1`).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("select snapshot: %w", err))
	}

	snap, err := snapshot.Decode(state)
	if err != nil {
		return nil, false, fail(span, err)
	}
	return snap, true, nil
}

// Delete removes the stored snapshot.
func (s *Store) Delete(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "pgstore.Delete", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	if err := s.ensureSchema(ctx); err != nil {
		return fail(span, err)
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM hush_snapshots WHERE id = 1`); err != nil {
		return fail(span, fmt.Errorf("delete snapshot: %w", err))
	}
	return nil
}
