package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/svcgate/internal/anchorstore"
	"github.com/keithlinneman/svcgate/internal/authn"
	"github.com/keithlinneman/svcgate/internal/cfg"
	"github.com/keithlinneman/svcgate/internal/health"
	"github.com/keithlinneman/svcgate/internal/httpmw"
	"github.com/keithlinneman/svcgate/internal/httpserver"
	"github.com/keithlinneman/svcgate/internal/log"
	"github.com/keithlinneman/svcgate/internal/metrics"
	"github.com/keithlinneman/svcgate/internal/opshttp"
	"github.com/keithlinneman/svcgate/internal/otelx"
	"github.com/keithlinneman/svcgate/internal/prof"
	"github.com/keithlinneman/svcgate/internal/ratelimit"
	"github.com/keithlinneman/svcgate/internal/shutdown"
	v "github.com/keithlinneman/svcgate/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix SVCGATE_ and validate
	cfg.FillFromEnv(flag.CommandLine, "SVCGATE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             vi.AppName,
		Level:           lvl,
		StacktraceLevel: stLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"anchor_source", conf.AnchorSource,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       vi.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       vi.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:  conf.EnableTracing,
		Endpoint: conf.OTLPEndpoint,
		Insecure: true,
		Sample:   conf.TraceSample,
		Service:  vi.AppName,
		Version:  vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics
	buckets, err := conf.BucketList()
	if err != nil {
		// Validate already caught malformed buckets, belt and braces
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	m := metrics.New(metrics.Options{DurationBuckets: buckets})
	m.SetBuildInfo(vi)

	// Shutdown coordinator, mirrored into the shutdown_state gauge
	coord := shutdown.New(func(s shutdown.State) {
		m.SetShutdownState(s.String())
	})

	// Trust anchor resolver, per configured source
	resolver, err := buildResolver(ctx, L, conf, m)
	if err != nil {
		L.Error(ctx, err, "failed to initialize trust anchor source")
		os.Exit(1)
	}

	extractor := authn.NewExtractor(authn.ExtractorOptions{
		Resolver:       resolver,
		Audience:       conf.AuthnAudience,
		Leeway:         conf.AuthnLeeway,
		ResolveTimeout: conf.ResolveTimeout,
	})
	authnMW := authn.Middleware(extractor, authn.MiddlewareOptions{
		AnonymousPaths: conf.AnonymousPathList(),
		OnReject: func(kind authn.Kind) {
			m.IncAuthnRejected(string(kind))
		},
	})

	// Per-IP rate limiter, disabled when rps is 0
	var rateLimitMW func(http.Handler) http.Handler
	if conf.RateLimitRPS > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			ratelimit.WithOnDenied(func(ip string) {
				m.IncRateLimitDenied()
			}),
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
		)
		rateLimitMW = limiter.Middleware
	}

	var corsPolicy *httpmw.CORSPolicy
	if origins := conf.OriginList(); len(origins) > 0 {
		p := httpmw.DefaultCORSPolicy(origins)
		corsPolicy = &p
	}

	// Start the gateway listener
	apiHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:            L,
		Port:              conf.HTTPPort,
		Coordinator:       coord,
		RetryAfterSeconds: conf.RetryAfterSeconds,
		MaxBodyBytes:      conf.MaxBodyBytes,
		CORS:              corsPolicy,
		MetricsMW:         m.Middleware,
		AuthnMW:           authnMW,
		RateLimitMW:       rateLimitMW,
		OnPanic:           m.IncHttpPanic,
		OnShutdownReject:  m.IncShutdownRejected,
		OnBodyLimitReject: m.IncBodyLimitRejected,
		APIRoutes:         registerRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start gateway http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// Admin/ops listener for metrics, health checks and pprof
	// sg restricts inbound to internal monitoring infrastructure
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   coord.ReadinessProbe(),
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received, draining",
		"drain_timeout", conf.DrainTimeout,
		"in_flight", coord.InFlight(),
	)

	// a second signal skips the drain wait
	drainCtx, cancelDrain := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelDrain()

	if err := coord.Drain(drainCtx, conf.DrainTimeout); err != nil {
		L.Warn(context.Background(), "drain did not complete cleanly",
			"error", err, "in_flight", coord.InFlight())
	} else {
		L.Info(context.Background(), "drain complete")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "gateway http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// buildResolver wires the trust anchor source selected by config: a static
// table fed from SSM+S3 with a polling watcher, a remote keyset endpoint, or
// an empty table that rejects every credential as unknown.
func buildResolver(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) (authn.Resolver, error) {
	switch conf.AnchorSource {
	case cfg.AnchorSourceAWS:
		loader, err := anchorstore.NewLoader(ctx, anchorstore.LoaderOptions{
			Logger:   L,
			SSMParam: conf.AnchorSSMParam,
			S3Bucket: conf.AnchorS3Bucket,
			S3Prefix: conf.AnchorS3Prefix,
		})
		if err != nil {
			return nil, err
		}

		id, anchors, err := loader.Load(ctx)
		if err != nil {
			// anchors are required to admit any credential, fail early at
			// startup; systemd will restart if the source is briefly down
			return nil, err
		}
		static := authn.NewStaticResolver(anchors...)
		L.Info(ctx, "loaded trust anchor keyset", "release_id", id, "anchors", len(anchors))

		watcher := anchorstore.NewWatcher(&anchorstore.WatcherOptions{
			Logger:       L,
			Loader:       loader,
			Resolver:     static,
			PollInterval: conf.AnchorPollEvery,
			CurrentID:    id,
			Metrics:      m,
			OnSwap: func(id string, anchors int) {
				L.Info(ctx, "trust anchor keyset rotated", "release_id", id, "anchors", anchors)
			},
		})
		go watcher.Run(ctx)
		return static, nil

	case cfg.AnchorSourceRemote:
		// per-kid cache in front of the keyset fetcher keeps repeat
		// lookups off the resolver's refresh path entirely
		remote := authn.NewRemoteResolver(nil, conf.AnchorURL, conf.AnchorTTL)
		return authn.NewCachingResolver(remote, conf.AnchorTTL), nil

	default:
		L.Warn(ctx, "no trust anchor source configured, all credentials will be rejected")
		return authn.NewStaticResolver(), nil
	}
}

// registerRoutes mounts the demo API the gateway fronts.
func registerRoutes(r chi.Router) {
	r.Get("/v1/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("pong\n"))
	})

	r.Get("/v1/whoami", func(w http.ResponseWriter, r *http.Request) {
		id, ok := authn.IdentityFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.Write([]byte(`{"anonymous":true}` + "\n"))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"account":  id.Account,
			"audience": id.Audience,
			"key_id":   id.KeyID,
		})
	})
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
