package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keithlinneman/svcgate/internal/log"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string

	HTTPPort  int
	AdminPort int

	MaxBodyBytes      int64
	CORSOrigins       string
	DurationBuckets   string
	DrainTimeout      time.Duration
	RetryAfterSeconds int

	AuthnAudience   string
	AnonymousPaths  string
	ResolveTimeout  time.Duration
	AuthnLeeway     time.Duration
	AnchorSource    string
	AnchorSSMParam  string
	AnchorS3Bucket  string
	AnchorS3Prefix  string
	AnchorPollEvery time.Duration
	AnchorURL       string
	AnchorTTL       time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
}

// Anchor source modes.
const (
	AnchorSourceNone   = "none"
	AnchorSourceAWS    = "aws"
	AnchorSourceRemote = "remote"
)

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "maximum request body size in bytes")
	fs.StringVar(&c.CORSOrigins, "cors-origins", "", "comma-separated origin allow-list (exact match)")
	fs.StringVar(&c.DurationBuckets, "duration-buckets", "", "comma-separated latency histogram bucket bounds in seconds (empty = defaults)")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", 30*time.Second, "max time to wait for in-flight requests on shutdown")
	fs.IntVar(&c.RetryAfterSeconds, "retry-after-seconds", 10, "Retry-After hint on shutdown rejections (1..3600)")
	fs.StringVar(&c.AuthnAudience, "authn-audience", "", "required credential audience (empty = any)")
	fs.StringVar(&c.AnonymousPaths, "anonymous-paths", "", "comma-separated paths served without a credential")
	fs.DurationVar(&c.ResolveTimeout, "resolve-timeout", 2*time.Second, "per-request trust anchor resolution timeout")
	fs.DurationVar(&c.AuthnLeeway, "authn-leeway", 30*time.Second, "clock skew tolerance for credential time claims")
	fs.StringVar(&c.AnchorSource, "anchor-source", AnchorSourceNone, "trust anchor source: none|aws|remote")
	fs.StringVar(&c.AnchorSSMParam, "anchor-ssm-param", "/app/svcgate/anchors/stable/release/id", "ssm parameter name holding the current keyset release id")
	fs.StringVar(&c.AnchorS3Bucket, "anchor-s3-bucket", "", "s3 bucket name holding keyset release objects")
	fs.StringVar(&c.AnchorS3Prefix, "anchor-s3-prefix", "apps/svcgate/anchors/keysets", "s3 prefix (key) for keyset release objects")
	fs.DurationVar(&c.AnchorPollEvery, "anchor-poll-interval", 30*time.Second, "how often to poll for keyset rotation")
	fs.StringVar(&c.AnchorURL, "anchor-url", "", "keyset document URL for the remote anchor source")
	fs.DurationVar(&c.AnchorTTL, "anchor-ttl", 5*time.Minute, "remote keyset cache TTL")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 0, "per-client request rate limit (0 = disabled)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 20, "per-client rate limit burst")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// OriginList splits the CORS allow-list into origins.
func (c App) OriginList() []string { return splitList(c.CORSOrigins) }

// AnonymousPathList splits the anonymous path list.
func (c App) AnonymousPathList() []string { return splitList(c.AnonymousPaths) }

// BucketList parses the histogram bucket bounds. Empty input yields nil,
// letting the metrics registry apply its defaults.
func (c App) BucketList() ([]float64, error) {
	parts := splitList(c.DurationBuckets)
	if len(parts) == 0 {
		return nil, nil
	}
	out := make([]float64, 0, len(parts))
	prev := 0.0
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bucket bound %q: %w", p, err)
		}
		if v <= prev {
			return nil, fmt.Errorf("bucket bounds must be positive and ascending (got %q)", c.DurationBuckets)
		}
		out = append(out, v)
		prev = v
	}
	return out, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Request limits
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be positive (got %d)", c.MaxBodyBytes))
	}
	if _, err := c.BucketList(); err != nil {
		errs = append(errs, fmt.Errorf("invalid DURATION_BUCKETS: %w", err))
	}
	for _, o := range c.OriginList() {
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("CORS_ORIGINS entry %q must be scheme://host[:port]", o))
		}
	}

	// Shutdown
	if c.DrainTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DRAIN_TIMEOUT must be positive (got %s)", c.DrainTimeout))
	}
	if c.RetryAfterSeconds < 1 || c.RetryAfterSeconds > 3600 {
		errs = append(errs, fmt.Errorf("RETRY_AFTER_SECONDS must be 1..3600 (got %d)", c.RetryAfterSeconds))
	}

	// Authn
	if c.ResolveTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RESOLVE_TIMEOUT must be positive (got %s)", c.ResolveTimeout))
	}
	if c.AuthnLeeway < 0 {
		errs = append(errs, fmt.Errorf("AUTHN_LEEWAY must not be negative (got %s)", c.AuthnLeeway))
	}
	for _, p := range c.AnonymousPathList() {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("ANONYMOUS_PATHS entry %q must start with /", p))
		}
	}

	// Anchor source
	switch c.AnchorSource {
	case AnchorSourceNone:
	case AnchorSourceAWS:
		if c.AnchorSSMParam == "" {
			errs = append(errs, fmt.Errorf("ANCHOR_SSM_PARAM is required when ANCHOR_SOURCE=aws"))
		}
		if c.AnchorS3Bucket == "" {
			errs = append(errs, fmt.Errorf("ANCHOR_S3_BUCKET is required when ANCHOR_SOURCE=aws"))
		}
		if c.AnchorPollEvery <= 0 {
			errs = append(errs, fmt.Errorf("ANCHOR_POLL_INTERVAL must be positive (got %s)", c.AnchorPollEvery))
		}
	case AnchorSourceRemote:
		if c.AnchorURL == "" {
			errs = append(errs, fmt.Errorf("ANCHOR_URL is required when ANCHOR_SOURCE=remote"))
		} else if u, err := url.Parse(c.AnchorURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("ANCHOR_URL must be a URL (got %q)", c.AnchorURL))
		}
		if c.AnchorTTL <= 0 {
			errs = append(errs, fmt.Errorf("ANCHOR_TTL must be positive (got %s)", c.AnchorTTL))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid ANCHOR_SOURCE %q (must be none|aws|remote)", c.AnchorSource))
	}

	// Rate limiting
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must not be negative (got %.3f)", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be positive when rate limiting is on (got %d)", c.RateLimitBurst))
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
