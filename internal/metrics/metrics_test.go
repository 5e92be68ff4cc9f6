package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/svcgate/internal/version"
)

func gatherFamily(t *testing.T, m *ServerMetrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func counterValue(t *testing.T, m *ServerMetrics, name string, labels map[string]string) float64 {
	t.Helper()
	f := gatherFamily(t, m, name)
	if f == nil {
		return 0
	}
outer:
	for _, metric := range f.GetMetric() {
		got := map[string]string{}
		for _, lp := range metric.GetLabel() {
			got[lp.GetName()] = lp.GetValue()
		}
		for k, v := range labels {
			if got[k] != v {
				continue outer
			}
		}
		return metric.GetCounter().GetValue()
	}
	return 0
}

func TestNew_ScrapeServesExposition(t *testing.T) {
	m := New(Options{})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"http_inflight_requests",
		"http_panic_total",
		"http_body_limit_rejected_total",
		"http_shutdown_rejected_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in exposition", name)
		}
	}
}

func TestNew_CustomBucketsApplied(t *testing.T) {
	m := New(Options{DurationBuckets: []float64{0.1, 1, 10}})

	m.reqDur.WithLabelValues("GET", "/x").Observe(0.5)

	f := gatherFamily(t, m, "http_request_duration_seconds")
	if f == nil {
		t.Fatal("duration family missing")
	}
	h := f.GetMetric()[0].GetHistogram()
	if got := len(h.GetBucket()); got != 3 {
		t.Fatalf("bucket count = %d, want 3", got)
	}
	if h.GetBucket()[0].GetUpperBound() != 0.1 {
		t.Fatalf("first bucket = %v, want 0.1", h.GetBucket()[0].GetUpperBound())
	}
}

func TestSnapshot_ExactCountsSingleThreaded(t *testing.T) {
	m := New(Options{})

	for range 7 {
		m.reqTotal.WithLabelValues("GET", "/v1/widgets", "2xx").Inc()
	}
	m.reqTotal.WithLabelValues("POST", "/v1/widgets", "5xx").Inc()

	got := counterValue(t, m, "http_requests_total", map[string]string{
		"method": "GET", "route": "/v1/widgets", "status_class": "2xx",
	})
	if got != 7 {
		t.Fatalf("count = %v, want 7", got)
	}
}

func TestRecord_ConcurrentNoLostSamples(t *testing.T) {
	m := New(Options{})

	const workers = 16
	const perWorker = 500

	done := make(chan struct{})
	for range workers {
		go func() {
			defer func() { done <- struct{}{} }()
			for range perWorker {
				m.reqTotal.WithLabelValues("GET", "/v1/widgets", "2xx").Inc()
				m.reqDur.WithLabelValues("GET", "/v1/widgets").Observe(0.01)
			}
		}()
	}
	for range workers {
		<-done
	}

	got := counterValue(t, m, "http_requests_total", map[string]string{
		"method": "GET", "route": "/v1/widgets", "status_class": "2xx",
	})
	if got != workers*perWorker {
		t.Fatalf("count = %v, want %d", got, workers*perWorker)
	}

	f := gatherFamily(t, m, "http_request_duration_seconds")
	if n := f.GetMetric()[0].GetHistogram().GetSampleCount(); n != workers*perWorker {
		t.Fatalf("histogram samples = %d, want %d", n, workers*perWorker)
	}
}

func TestTaxonomyCounters(t *testing.T) {
	m := New(Options{})

	m.IncAuthnRejected("expired")
	m.IncAuthnRejected("expired")
	m.IncAuthnRejected("bad_signature")
	m.IncBodyLimitRejected()
	m.IncShutdownRejected()
	m.IncRateLimitDenied()
	m.IncHttpPanic()
	m.IncAnchorReload(nil)

	if got := counterValue(t, m, "authn_rejected_total", map[string]string{"kind": "expired"}); got != 2 {
		t.Fatalf("expired rejections = %v, want 2", got)
	}
	if got := counterValue(t, m, "authn_rejected_total", map[string]string{"kind": "bad_signature"}); got != 1 {
		t.Fatalf("bad_signature rejections = %v, want 1", got)
	}
	if got := counterValue(t, m, "http_body_limit_rejected_total", nil); got != 1 {
		t.Fatalf("body rejections = %v, want 1", got)
	}
	if got := counterValue(t, m, "authn_anchor_reloads_total", nil); got != 1 {
		t.Fatalf("anchor reloads = %v, want 1", got)
	}
}

func TestSetShutdownState_SingleSeries(t *testing.T) {
	m := New(Options{})

	m.SetShutdownState("running")
	m.SetShutdownState("draining")

	f := gatherFamily(t, m, "shutdown_state")
	if f == nil {
		t.Fatal("shutdown_state family missing")
	}
	if got := len(f.GetMetric()); got != 1 {
		t.Fatalf("series count = %d, want 1 after state change", got)
	}
	if got := f.GetMetric()[0].GetLabel()[0].GetValue(); got != "draining" {
		t.Fatalf("state label = %q, want draining", got)
	}
}

func TestSetBuildInfo(t *testing.T) {
	m := New(Options{})
	m.SetBuildInfo(version.Info{AppName: "svcgate", Version: "1.0.0", Commit: "abc", GoVersion: "go1.24"})

	f := gatherFamily(t, m, "build_info")
	if f == nil || len(f.GetMetric()) != 1 {
		t.Fatal("build_info not exported")
	}
	if f.GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Fatal("build_info value != 1")
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{
		200: "2xx", 204: "2xx", 301: "3xx", 404: "4xx", 413: "4xx",
		500: "5xx", 503: "5xx", 99: "unknown", 600: "unknown",
	}
	for code, want := range cases {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
