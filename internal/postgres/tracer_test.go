package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/hush/internal/snapshot/pgstore.(*Store).Save", "(*Store).Save"},
		{"already short", "(*Store).Save", "Save"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Load", "(*Store).Load"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestOperationName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT state FROM hush_snapshots", "SELECT"},
		{"  insert into hush_snapshots values (1)", "INSERT"},
		{"\n\tWITH x AS (SELECT 1) SELECT * FROM x", "WITH"},
		{"", "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := operationName(tt.sql); got != tt.want {
			t.Errorf("operationName(%q) = %q, want %q", tt.sql, got, tt.want)
		}
	}
}

// recordingTracer counts calls from the logging tracer.
type recordingTracer struct {
	starts, ends int
}

func (r *recordingTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	r.starts++
	return ctx
}

func (r *recordingTracer) TraceQueryEnd(_ context.Context, _ *pgx.Conn, _ pgx.TraceQueryEndData) {
	r.ends++
}

// Not parallel: uses the global query observer.
func TestLoggingTracer_ObservesQueries(t *testing.T) {
	defer SetQueryObserver(nil)

	type call struct {
		op, caller, outcome string
	}
	var calls []call
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, op, caller, outcome string, _ time.Duration) {
		calls = append(calls, call{op, caller, outcome})
	}))

	inner := &recordingTracer{}
	tr := wrapQueryTracer(inner)

	ctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	ctx = tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "insert into t values (1)"})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	if inner.starts != 2 || inner.ends != 2 {
		t.Errorf("inner tracer calls = %d/%d, want 2/2", inner.starts, inner.ends)
	}
	if len(calls) != 2 {
		t.Fatalf("observer calls = %d, want 2", len(calls))
	}
	if calls[0].op != "SELECT" || calls[0].outcome != "ok" {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].op != "INSERT" || calls[1].outcome != "error" {
		t.Errorf("second call = %+v", calls[1])
	}
	if calls[0].caller == "" {
		t.Error("caller label should never be empty")
	}
}

// Not parallel: mutates the global query observer.
func TestSetQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	}))

	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "SELECT", "(*Store).Load", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if got := getQueryObserver(); got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}

func TestIsDriverFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fn   string
		want bool
	}{
		{"", true},
		{"runtime.goexit", true},
		{"github.com/jackc/pgx/v5/pgxpool.(*Pool).QueryRow", true},
		{"github.com/exaring/otelpgx.(*Tracer).TraceQueryStart", true},
		{"github.com/linnemanlabs/hush/internal/postgres.loggingTracer.TraceQueryStart", true},
		{"github.com/linnemanlabs/hush/internal/snapshot/pgstore.(*Store).Save", false},
		{"testing.tRunner", false},
	}
	for _, tt := range tests {
		if got := isDriverFrame(tt.fn); got != tt.want {
			t.Errorf("isDriverFrame(%q) = %v, want %v", tt.fn, got, tt.want)
		}
	}
}
