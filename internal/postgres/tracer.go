package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// slowQuery is the threshold above which successful queries are logged.
// Failed queries are always logged.
const slowQuery = 250 * time.Millisecond

// QueryObserver receives one call per finished query. main wires it to a
// Prometheus histogram.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, operation, caller, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, operation, caller, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, operation, caller, outcome string, dur time.Duration) {
	f(ctx, operation, caller, outcome, dur)
}

type observerBox struct{ o QueryObserver }

var observer atomic.Pointer[observerBox]

// SetQueryObserver installs the process-wide observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerBox{o: o})
}

func getQueryObserver() QueryObserver {
	if b := observer.Load(); b != nil {
		return b.o
	}
	return nil
}

// queryTrace travels in the context between TraceQueryStart and
// TraceQueryEnd.
type queryTrace struct {
	op     string
	caller string
	start  time.Time
}

type queryTraceKey struct{}

func (q *queryTrace) callerLabel() string {
	if q.caller == "" {
		return "unknown"
	}
	return q.caller
}

// loggingTracer sits around otelpgx. Every query is reported to the
// observer; failed and slow queries are also logged.
type loggingTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := &queryTrace{
		op:     operationName(data.SQL),
		caller: findDBCaller(),
		start:  time.Now(),
	}

	// otelpgx opens the span, so it goes first
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if q.caller != "" {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("db.caller", q.caller))
		}
	}
	return context.WithValue(ctx, queryTraceKey{}, q)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, _ := ctx.Value(queryTraceKey{}).(*queryTrace)
	if q == nil {
		q = &queryTrace{op: "UNKNOWN"}
	}
	var elapsed time.Duration
	if !q.start.IsZero() {
		elapsed = time.Since(q.start)
	}

	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if o := getQueryObserver(); o != nil {
		o.ObserveQuery(ctx, q.op, q.callerLabel(), outcome, elapsed)
	}

	switch {
	case data.Err != nil:
		kv := logFields(q, elapsed, data.CommandTag)
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			kv = append(kv, "db.error_code", pgErr.Code)
		}
		log.FromContext(ctx).Error(ctx, data.Err, "db query failed", kv...)
	case elapsed >= slowQuery:
		log.FromContext(ctx).Warn(ctx, "slow db query", logFields(q, elapsed, data.CommandTag)...)
	}
}

func logFields(q *queryTrace, elapsed time.Duration, tag pgconn.CommandTag) []any {
	kv := []any{
		"db.operation.name", q.op,
		"db.duration", elapsed.Seconds(),
		"db.caller", q.caller,
	}
	if s := strings.TrimSpace(tag.String()); s != "" {
		kv = append(kv, "pg.command_tag", s, "db.rows", tag.RowsAffected())
	}
	return kv
}

// operationName returns the upper-cased first keyword of a statement.
func operationName(sql string) string {
	f := strings.Fields(sql)
	if len(f) == 0 {
		return "UNKNOWN"
	}
	return strings.ToUpper(f[0])
}

// callerSkip lists frames that never count as the caller of a query.
var callerSkip = []string{
	"runtime.",
	"github.com/jackc/pgx/v5",
	"github.com/exaring/otelpgx",
	"github.com/linnemanlabs/hush/internal/postgres.",
}

func isDriverFrame(fn string) bool {
	if fn == "" {
		return true
	}
	for _, p := range callerSkip {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

// findDBCaller returns the first function on the stack outside the driver
// stack and this package, shortened to receiver and method.
func findDBCaller() string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if !isDriverFrame(fr.Function) {
			return shortenFuncName(fr.Function)
		}
		if !more {
			return ""
		}
	}
}

// shortenFuncName drops the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndexByte(fn, '/'); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if i := strings.IndexByte(fn, '.'); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	return fn
}
