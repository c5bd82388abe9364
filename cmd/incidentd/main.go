// Incidentd accepts incident reports over HTTP and phone, classifies them
// against a knowledge base and fans them out to chat, ticketing and on-call.
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
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/incidentd/internal/authmw"
	ic "github.com/linnemanlabs/incidentd/internal/cfg"
	"github.com/linnemanlabs/incidentd/internal/classify"
	"github.com/linnemanlabs/incidentd/internal/dispatch"
	"github.com/linnemanlabs/incidentd/internal/dispatch/natsq"
	"github.com/linnemanlabs/incidentd/internal/escalation"
	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/incidentapi"
	"github.com/linnemanlabs/incidentd/internal/knowledge"
	"github.com/linnemanlabs/incidentd/internal/knowledgeapi"
	"github.com/linnemanlabs/incidentd/internal/notify"
	"github.com/linnemanlabs/incidentd/internal/notify/slack"
	"github.com/linnemanlabs/incidentd/internal/postgres"
	"github.com/linnemanlabs/incidentd/internal/ticket/jira"
	"github.com/linnemanlabs/incidentd/internal/voice"
	"github.com/linnemanlabs/incidentd/internal/voice/deepgram"
	"github.com/linnemanlabs/incidentd/internal/voice/twilio"
	"github.com/linnemanlabs/incidentd/internal/voiceapi"
)

const appName = "incidentd"
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

	v.AppName = appName
	v.Component = component

	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    ic.Config
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

	// cmdline flags win over env vars
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "INCIDENTD_", func(format string, args ...any) {
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

	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
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
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"store", appCfg.Store,
		"llm_provider", appCfg.LLMProvider,
		"embedder", appCfg.Embedder,
		"workers", appCfg.Workers,
		"queue_size", appCfg.QueueSize,
		"nats", appCfg.NATSURL != "",
		"slack", appCfg.SlackToken != "",
		"jira", appCfg.JiraConfigured(),
		"twilio", appCfg.TwilioConfigured(),
		"deepgram", appCfg.DeepgramAPIKey != "",
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// profiling first so the whole lifetime is covered
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// tag spans with profile ids so traces link to flame graphs
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "incidentd_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "source", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, operation, source, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(operation, source, outcome).Observe(dur.Seconds())
		},
	))

	st, err := openStores(ctx, appCfg, L)
	if err != nil {
		return err
	}
	defer st.close()

	// Knowledge base
	embedder, err := newEmbedder(appCfg)
	if err != nil {
		return err
	}
	var index knowledge.Index = knowledge.NewMemIndex()
	if st.pool != nil {
		pgIdx, err := newPGIndex(ctx, st.pool)
		if err != nil {
			return err
		}
		index = pgIdx
	}
	kb := knowledge.NewRetriever(embedder, index, L, knowledge.NewMetrics(m.Registry()))
	if appCfg.SeedKnowledge {
		if _, err := knowledge.Seed(ctx, kb, L); err != nil {
			L.Error(ctx, err, "knowledge seed failed")
		}
	}

	provider, err := newProvider(appCfg)
	if err != nil {
		return err
	}
	if provider != nil {
		L.Info(ctx, "initialized LLM provider", "provider", provider.Name())
	} else {
		L.Warn(ctx, "no LLM provider configured, classification relies on knowledge matches only")
	}

	classifyOpts := classify.DefaultOptions()
	classifyOpts.MatchThreshold = appCfg.MatchThreshold
	classifier := classify.New(kb, provider, L, classify.NewMetrics(m.Registry()), classifyOpts)

	// Fan-out integrations
	routing := notify.DefaultRouting()
	if appCfg.RoutingFile != "" {
		routing, err = notify.LoadRouting(appCfg.RoutingFile)
		if err != nil {
			return fmt.Errorf("load routing: %w", err)
		}
	}

	var integ incident.Integrations
	if appCfg.SlackToken != "" {
		integ.Chat = slack.New(appCfg.SlackToken, appCfg.SlackBaseURL, routing, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	if appCfg.JiraConfigured() {
		integ.Tickets = jira.New(jira.Config{
			URL:     appCfg.JiraURL,
			User:    appCfg.JiraUser,
			Token:   appCfg.JiraToken,
			Project: appCfg.JiraProject,
		}, routing)
		L.Info(ctx, "ticketing enabled", "type", "jira", "project", appCfg.JiraProject)
	}

	twilioClient := twilio.New(twilio.Config{
		AccountSID: appCfg.TwilioAccountSID,
		AuthToken:  appCfg.TwilioAuthToken,
		FromNumber: appCfg.TwilioFromNumber,
	})
	var dialer escalation.Dialer
	if appCfg.TwilioConfigured() && appCfg.TwilioFromNumber != "" {
		dialer = twilioClient
	}
	scheduler := escalation.New(st.incidents, st.calls, dialer, escalation.Config{
		OnCallNumber:  appCfg.OnCallNumber,
		PublicBaseURL: appCfg.PublicBaseURL,
	}, L, escalation.NewMetrics(m.Registry()))
	integ.Escalator = scheduler

	svcOpts := incident.DefaultOptions()
	svcOpts.EscalationDelay = time.Duration(appCfg.EscalationDelaySeconds) * time.Second
	incidentSvc := incident.NewService(st.incidents, classifier, L, incident.NewMetrics(m.Registry()), integ, svcOpts)

	// Voice intake
	var transcriber voice.Transcriber
	if appCfg.DeepgramAPIKey != "" {
		transcriber = deepgram.New(appCfg.DeepgramAPIKey, "", appCfg.DeepgramModel)
	}
	pipeline := voice.NewPipeline(st.calls, twilioClient, transcriber, L, voice.NewMetrics(m.Registry()))

	// Dispatch
	pool := dispatch.NewPool(dispatch.Options{
		Workers:    appCfg.Workers,
		QueueSize:  appCfg.QueueSize,
		JobTimeout: time.Duration(appCfg.JobTimeoutSeconds) * time.Second,
	}, L, dispatch.NewMetrics(m.Registry()))
	registerJobs(pool, incidentSvc, pipeline)

	// workers outlive the signal context so queued jobs drain after the http drain period
	poolCtx, cancelPool := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPool()
	workers, workersCtx := errgroup.WithContext(poolCtx)
	workers.Go(func() error { return pool.Run(workersCtx) })

	var queue dispatch.Enqueuer = pool
	stopNATS := func(context.Context) error { return nil }
	if appCfg.NATSURL != "" {
		nc, err := natsq.Connect(natsq.Config{URL: appCfg.NATSURL, Name: appName}, L)
		if err != nil {
			cancelPool()
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		transport := natsq.New(nc, pool, natsq.Config{
			Name:   appName,
			Prefix: appCfg.NATSPrefix,
			Queue:  appCfg.NATSQueue,
		}, L)
		if err := transport.Start(); err != nil {
			cancelPool()
			return fmt.Errorf("nats subscribe: %w", err)
		}
		queue = transport
		stopNATS = func(context.Context) error { return transport.Close() }
		L.Info(ctx, "shared dispatch enabled", "type", "nats", "prefix", appCfg.NATSPrefix, "queue", appCfg.NATSQueue)
	}

	stopWorkers := func(sctx context.Context) error {
		cancelPool()
		done := make(chan error, 1)
		go func() { done <- workers.Wait() }()
		select {
		case err := <-done:
			return err
		case <-sctx.Done():
			return fmt.Errorf("dispatch drain: %w (%d jobs queued)", sctx.Err(), pool.Len())
		}
	}
	stopEscalations := func(context.Context) error {
		if n := scheduler.Pending(); n > 0 {
			L.Warn(context.Background(), "dropping pending escalations", "pending", n)
		}
		scheduler.Stop()
		return nil
	}

	// readiness fails while draining so the load balancer stops sending traffic
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

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

	r.Use(middleware.Compress(5, "application/json", "text/xml"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// per-request query counts on the server span
	r.Use(postgres.RequestStats)

	r.Use(httpmw.AccessLog())

	r.Use(httpmw.MaxBody(1024 * 64))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	incidentHTTP := incidentapi.New(L, incidentSvc, queue)
	knowledgeHTTP := knowledgeapi.New(L, kb)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.BearerToken(appCfg.APIToken))
		incidentHTTP.RegisterRoutes(r)
		knowledgeHTTP.RegisterRoutes(r)
	})

	voiceHTTP := voiceapi.New(L, incidentSvc, queue, appCfg.Hotline)
	r.Group(func(r chi.Router) {
		if appCfg.TwilioConfigured() && appCfg.VerifyTwilioSignature {
			r.Use(authmw.TwilioSignature(appCfg.TwilioAuthToken, appCfg.PublicBaseURL))
		} else {
			L.Warn(ctx, "twilio webhook signatures are not verified")
		}
		voiceHTTP.RegisterRoutes(r)
	})

	// middleware stack for main listener, outermost sees the raw request first
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	h = httpmw.Recover(L, nil)(h)

	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Inflow stops before workers drain; escalation timers go last since
	// queued jobs may still arm new ones.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"nats transport", stopNATS},
		{"dispatch workers", stopWorkers},
		{"escalation scheduler", stopEscalations},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
