// Hush correlates security alerts into scored, explained incidents and
// filters the noise out of the analyst feed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/hush/internal/authmw"
	hc "github.com/linnemanlabs/hush/internal/cfg"
	"github.com/linnemanlabs/hush/internal/correlate"
	"github.com/linnemanlabs/hush/internal/incidentapi"
	"github.com/linnemanlabs/hush/internal/llm/claude"
	"github.com/linnemanlabs/hush/internal/noise"
	"github.com/linnemanlabs/hush/internal/notify/slack"
	"github.com/linnemanlabs/hush/internal/policy"
	"github.com/linnemanlabs/hush/internal/postgres"
	"github.com/linnemanlabs/hush/internal/risk"
	"github.com/linnemanlabs/hush/internal/snapshot"
)

const appName = "hush"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// identity for logs, traces and metrics
	v.AppName = appName
	v.Component = component

	// build metadata stamped by ldflags
	vi := v.Get()

	// flags and HUSH_ env overrides, per package
	var (
		appCfg    hc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first, env vars below do not override it
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from HUSH_ environment variables
	cfg.FillFromEnv(flag.CommandLine, "HUSH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// checks spanning more than one package
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// fail fast on a bad policy file, before anything starts listening
	pol, err := policy.Load(appCfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"window", appCfg.Window().String(),
		"archive_size", appCfg.ArchiveSize,
		"policy_file", appCfg.PolicyFile,
		"noise_rules", len(pol.Noise.Rules),
		"snapshot_interval", appCfg.SnapshotInterval().String(),
		"api_token_set", appCfg.APIToken != "",
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// start profiling before anything else so the whole process is covered
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, otelErr := otelx.Init(ctx, traceOpts)
	if otelErr != nil {
		L.Error(ctx, otelErr, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// link spans to pyroscope profiles when both are running
	if otelErr == nil && traceCfg.EnableTracing && profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Per-query DB duration histogram, fed by the postgres tracer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hush_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "caller", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, operation, caller, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(operation, caller, outcome).Observe(dur.Seconds())
		},
	))

	// Snapshot backend. Only bad configuration stops boot; an unreachable
	// backend leaves the engine empty until it recovers.
	store, closeStore, err := openStore(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeStore()

	// Slack escalations, async and best effort
	notifier := slack.New(appCfg.SlackWebhookURL, L)
	if notifier.Enabled() {
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	// Correlation engine
	engineMetrics := correlate.NewMetrics(m.Registry())
	eng := correlate.NewEngine(
		correlate.WithWindow(appCfg.Window()),
		correlate.WithArchiveSize(appCfg.ArchiveSize),
		correlate.WithClassifier(noise.NewClassifier(pol.Noise)),
		correlate.WithScorer(risk.NewScorer(pol.Risk)),
		correlate.WithHooks(correlate.Chain(engineMetrics.Hooks(), notifier.Hooks())),
		correlate.WithLogger(L),
	)

	// Restore before serving so the first request sees the previous state.
	persister := snapshot.NewPersister(eng, store,
		snapshot.WithInterval(appCfg.SnapshotInterval()),
		snapshot.WithLogger(L),
		snapshot.WithMetrics(snapshot.NewMetrics(m.Registry())),
	)
	persister.Restore(ctx)

	// The persister outlives the signal: it is stopped explicitly after the
	// API listener so the final flush captures every accepted alert.
	persistCtx, cancelPersist := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPersist()
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		persister.Run(persistCtx)
	}()
	stopPersister := func(sctx context.Context) error {
		cancelPersist()
		select {
		case <-persistDone:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}

	// API options
	var apiOpts []incidentapi.Option
	if appCfg.APIToken != "" {
		apiOpts = append(apiOpts, incidentapi.WithAuth(authmw.Token(appCfg.APIToken)))
	} else {
		L.Warn(ctx, "no api-token configured, analyst actions are unauthenticated")
	}
	if appCfg.ClaudeAPIKey != "" {
		apiOpts = append(apiOpts, incidentapi.WithBriefer(claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)))
		L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)
	}

	// readiness flips to failing once shutdown begins so load balancers stop
	// sending new alerts while in-flight requests finish.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	// live as long as we can answer
	liveness := health.Fixed(true, "")

	// ops http server for metrics, health checks, pprof
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	// Compress text responses (we are JSON only)
	r.Use(middleware.Compress(5, "application/json"))

	// tag the request logger and span with the matched chi pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog())

	// 413 above the limit
	r.Use(httpmw.MaxBody(appCfg.MaxAlertBytes))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	incidentapi.New(L, eng, apiOpts...).RegisterRoutes(r)

	// handler chain for the API listener; each wrap goes outside the previous one
	// first and is last to see response
	var h http.Handler = r

	// per-request logger, innermost so trace ids are already set
	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// probes are not worth a span
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// renamed to the route pattern once chi has matched
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	// Client IP resolution and spoofing protection, outer so downstream sees the resolved ip
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	// panics anywhere below become 500s
	h = httpmw.Recover(L, nil)(h)

	// headers set last so even recovered responses carry them
	h = httpmw.SecurityHeaders(h)

	apiHTTPOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiHTTPOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start incidentapi http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop incidentapi http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// not fatal; systemd falls back to its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until SIGINT or SIGTERM
	<-ctx.Done()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// stop advertising readiness
	shutdownGate.Set("draining")
	waitDrain(bg, L, time.Duration(appCfg.DrainSeconds)*time.Second)

	// The API stops first so the persister's final flush sees every alert.
	var seq stopSequence
	seq.add("incidentapi http server", apiHTTPStop)
	seq.add("snapshot persister", stopPersister)
	seq.add("slack notifier", notifier.Wait)
	seq.add("ops http server", opsHTTPStop)
	if shutdownOtelx != nil {
		seq.add("otel", shutdownOtelx)
	}
	seq.run(bg, L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second)

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	// NOTIFY_SOCKET is only present under a Type=notify unit
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
