package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/svcgate/internal/httpmw"
	"github.com/keithlinneman/svcgate/internal/xerrors"
)

// NewHandler builds the request pipeline around the chi router.
// main() owns *http.Server so it can do graceful shutdown.
//
// Wrapping order, outermost first: recover, request ID, client IP,
// shutdown admission, metrics, logger injection, access log, tracing,
// rate limit, body limit, CORS, authn, router. Admission sits outside
// metrics so rejected-while-draining requests never hold an in-flight
// slot, and authn is innermost so every rejection above it stays cheap.
func NewHandler(opts *Options) http.Handler {
	r := chi.NewRouter()

	// Annotate logger and tracer with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}

	var h http.Handler = r

	if opts.AuthnMW != nil {
		h = opts.AuthnMW(h)
	}

	if opts.CORS != nil {
		h = httpmw.CORS(*opts.CORS)(h)
	}

	if opts.MaxBodyBytes > 0 {
		h = httpmw.BodyLimit(opts.MaxBodyBytes, opts.OnBodyLimitReject)(h)
	}

	// Rate limiting (after client IP mw so it uses resolved IP)
	if opts.RateLimitMW != nil {
		h = opts.RateLimitMW(h)
	}

	shouldTrace := opts.TraceFilter
	if shouldTrace == nil {
		shouldTrace = func(string) bool { return true }
	}
	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return shouldTrace(r.URL.Path)
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute will rename the span later to the final route pattern
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)

	// Access log inside the logger stage so it sees request-scoped fields
	h = httpmw.AccessLog()(h)
	h = httpmw.WithLogger(opts.Logger)(h)

	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	// Admission outside metrics: a draining reject is not an in-flight
	// request and records no sample
	if opts.Coordinator != nil {
		retryAfter := opts.RetryAfterSeconds
		if retryAfter <= 0 {
			retryAfter = 10
		}
		h = opts.Coordinator.Middleware(retryAfter, opts.OnShutdownReject)(h)
	}

	h = httpmw.ClientIP(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)

	return h
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start public HTTP server
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
