package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/svcgate/internal/httpmw"
	"github.com/keithlinneman/svcgate/internal/log"
	"github.com/keithlinneman/svcgate/internal/shutdown"
)

type Options struct {
	Logger log.Logger
	Port   int

	// Coordinator gates admission; nil disables the shutdown stage.
	Coordinator       *shutdown.Coordinator
	RetryAfterSeconds int

	// MaxBodyBytes bounds request bodies; zero disables the stage.
	MaxBodyBytes int64

	// CORS, when non-nil, enables origin validation and preflights.
	CORS *httpmw.CORSPolicy

	// Middleware hooks supplied by the composition root. Any nil hook
	// drops its stage from the pipeline.
	MetricsMW   func(http.Handler) http.Handler
	AuthnMW     func(http.Handler) http.Handler
	RateLimitMW func(http.Handler) http.Handler

	// OnPanic is invoked once per recovered handler panic.
	OnPanic func()

	// OnShutdownReject is invoked once per request turned away while
	// draining.
	OnShutdownReject func()

	// OnBodyLimitReject is invoked once per request rejected for
	// exceeding MaxBodyBytes.
	OnBodyLimitReject func()

	// APIRoutes registers the service's routes on the router.
	APIRoutes func(chi.Router)

	// TraceFilter decides which request paths get traced. Nil traces
	// everything.
	TraceFilter func(path string) bool
}
