package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func newFlagSet(c *App) *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	Register(fs, c)
	return fs
}

func validConfig() App {
	var c App
	fs := newFlagSet(&c)
	fs.Parse(nil)
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := validConfig()

	if c.HTTPPort != 8080 || c.AdminPort != 9000 {
		t.Fatalf("ports = %d/%d, want 8080/9000", c.HTTPPort, c.AdminPort)
	}
	if c.MaxBodyBytes != 1<<20 {
		t.Fatalf("MaxBodyBytes = %d, want 1MiB", c.MaxBodyBytes)
	}
	if c.DrainTimeout != 30*time.Second {
		t.Fatalf("DrainTimeout = %s, want 30s", c.DrainTimeout)
	}
	if c.AnchorSource != AnchorSourceNone {
		t.Fatalf("AnchorSource = %q, want none", c.AnchorSource)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestFillFromEnv_Precedence(t *testing.T) {
	t.Setenv("SVCGATE_HTTP_PORT", "9999")
	t.Setenv("SVCGATE_LOG_LEVEL", "debug")

	var c App
	fs := newFlagSet(&c)
	// cli flag beats env for http-port; log-level comes from env
	if err := fs.Parse([]string{"-http-port", "8081"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	FillFromEnv(fs, "SVCGATE_", nil)

	if c.HTTPPort != 8081 {
		t.Fatalf("HTTPPort = %d, cli flag must beat env", c.HTTPPort)
	}
	if c.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, env must beat default", c.LogLevel)
	}
}

func TestFillFromEnv_InvalidValueIgnored(t *testing.T) {
	t.Setenv("SVCGATE_HTTP_PORT", "not-a-number")

	var c App
	fs := newFlagSet(&c)
	fs.Parse(nil)

	var warned bool
	FillFromEnv(fs, "SVCGATE_", func(string, ...any) { warned = true })

	if c.HTTPPort != 8080 {
		t.Fatalf("HTTPPort = %d, invalid env must leave default", c.HTTPPort)
	}
	if !warned {
		t.Fatal("invalid env value should be logged")
	}
}

func TestFillFromEnv_DurationAndList(t *testing.T) {
	t.Setenv("SVCGATE_DRAIN_TIMEOUT", "45s")
	t.Setenv("SVCGATE_CORS_ORIGINS", "https://a.example, https://b.example")

	var c App
	fs := newFlagSet(&c)
	fs.Parse(nil)
	FillFromEnv(fs, "SVCGATE_", nil)

	if c.DrainTimeout != 45*time.Second {
		t.Fatalf("DrainTimeout = %s, want 45s", c.DrainTimeout)
	}
	origins := c.OriginList()
	if len(origins) != 2 || origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		t.Fatalf("OriginList = %v, want two trimmed origins", origins)
	}
}

func TestBucketList(t *testing.T) {
	c := validConfig()

	got, err := c.BucketList()
	if err != nil || got != nil {
		t.Fatalf("empty buckets = %v, %v; want nil, nil", got, err)
	}

	c.DurationBuckets = "0.005, 0.05, 0.5, 5"
	got, err = c.BucketList()
	if err != nil {
		t.Fatalf("BucketList: %v", err)
	}
	if len(got) != 4 || got[0] != 0.005 || got[3] != 5 {
		t.Fatalf("buckets = %v", got)
	}

	c.DurationBuckets = "0.5,0.05"
	if _, err := c.BucketList(); err == nil {
		t.Fatal("descending bounds should error")
	}
	c.DurationBuckets = "abc"
	if _, err := c.BucketList(); err == nil {
		t.Fatal("non-numeric bound should error")
	}
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*App)
		want   string
	}{
		{"bad http port", func(c *App) { c.HTTPPort = 0 }, "HTTP_PORT"},
		{"port collision", func(c *App) { c.AdminPort = c.HTTPPort }, "must differ"},
		{"bad log level", func(c *App) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"zero body limit", func(c *App) { c.MaxBodyBytes = 0 }, "MAX_BODY_BYTES"},
		{"bad origin", func(c *App) { c.CORSOrigins = "example.com" }, "CORS_ORIGINS"},
		{"zero drain timeout", func(c *App) { c.DrainTimeout = 0 }, "DRAIN_TIMEOUT"},
		{"bad retry-after", func(c *App) { c.RetryAfterSeconds = 0 }, "RETRY_AFTER_SECONDS"},
		{"anon path no slash", func(c *App) { c.AnonymousPaths = "public" }, "ANONYMOUS_PATHS"},
		{"bad anchor source", func(c *App) { c.AnchorSource = "vault" }, "ANCHOR_SOURCE"},
		{"aws source no bucket", func(c *App) { c.AnchorSource = AnchorSourceAWS }, "ANCHOR_S3_BUCKET"},
		{"remote source no url", func(c *App) { c.AnchorSource = AnchorSourceRemote }, "ANCHOR_URL"},
		{"negative rps", func(c *App) { c.RateLimitRPS = -1 }, "RATE_LIMIT_RPS"},
		{"bad sample", func(c *App) { c.TraceSample = 1.5 }, "TRACE_SAMPLE"},
		{"pyro without server", func(c *App) { c.EnablePyroscope = true }, "PYRO_SERVER"},
		{"tracing without endpoint", func(c *App) { c.EnableTracing = true }, "OTLP_ENDPOINT"},
		{"bad otlp endpoint", func(c *App) { c.EnableTracing = true; c.OTLPEndpoint = "http://x" }, "host:port"},
		{"bad buckets", func(c *App) { c.DurationBuckets = "5,1" }, "DURATION_BUCKETS"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)
			err := Validate(c)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	c := validConfig()
	c.HTTPPort = 0
	c.LogLevel = "loud"

	err := Validate(c)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"HTTP_PORT", "LOG_LEVEL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_AWSAnchorSourceComplete(t *testing.T) {
	c := validConfig()
	c.AnchorSource = AnchorSourceAWS
	c.AnchorS3Bucket = "keysets"
	if err := Validate(c); err != nil {
		t.Fatalf("complete aws source should validate: %v", err)
	}
}
