package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSummarize(t *testing.T) {
	m := New()
	m.RegisterDBPoolCollector(func() PoolStats { return PoolStats{Total: 4, Idle: 3, Acquired: 1, Max: 10} })

	m.HTTPRequestsTotal.WithLabelValues("completion", "POST", "/v1/chat/completions", "200").Add(3)
	m.HTTPRequestsTotal.WithLabelValues("completion", "POST", "/v1/chat/completions", "429").Inc()
	m.HTTPRequestsTotal.WithLabelValues("management", "GET", "/api/teams", "200").Inc()
	m.RecordAccessDecision("team", "read", true, 200)
	m.RecordAccessDecision("team", "delete", false, 403)
	m.RecordAccessDecision("team", "delete", false, 403)
	m.RecordSessionCache(true)
	m.RecordSessionCache(true)
	m.RecordSessionCache(true)
	m.RecordSessionCache(false)
	m.IncUpstreamRequests("openai", "gpt-4o-mini", 200)
	m.IncUpstreamError("timeout", "openai")
	m.IncRateLimitRejection()
	m.RecordLimitRejection("team_daily")
	m.RecordUsageFailures(5)

	s, err := m.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	if s.Completions.TotalRequests != 4 || s.Completions.ErrorRate != 0.25 {
		t.Errorf("completions summary %+v", s.Completions)
	}
	if s.Management.TotalRequests != 1 || s.Management.ErrorRate != 0 {
		t.Errorf("management summary %+v", s.Management)
	}
	if s.Access.Allowed != 1 || s.Access.Denied != 2 || s.Access.SessionCacheHit != 0.75 {
		t.Errorf("access summary %+v", s.Access)
	}
	if s.Upstream.TotalRequests != 1 || s.Upstream.Errors != 1 {
		t.Errorf("upstream summary %+v", s.Upstream)
	}
	if s.Limits.RateLimitRejections != 1 || s.Limits.TokenLimitRejections != 1 || s.Limits.UsageFailures != 5 {
		t.Errorf("limits summary %+v", s.Limits)
	}
	if s.DB.TotalConns != 4 || s.DB.MaxConns != 10 {
		t.Errorf("db summary %+v", s.DB)
	}
	if s.Server.StartTime == 0 {
		t.Error("expected start time to be set")
	}
}

func TestHistogramPercentile(t *testing.T) {
	m := New()
	for i := 0; i < 10; i++ {
		m.UpstreamDuration.WithLabelValues("openai", "gpt").Observe(0.2)
	}

	s, err := m.Summarize()
	if err != nil {
		t.Fatal(err)
	}
	// All samples sit in the (0.1, 0.25] bucket.
	if s.Upstream.P50Duration <= 0.1 || s.Upstream.P50Duration > 0.25 {
		t.Errorf("expected p50 within (0.1, 0.25], got %v", s.Upstream.P50Duration)
	}
	if s.Upstream.P95Duration > 0.25 {
		t.Errorf("expected p95 <= 0.25, got %v", s.Upstream.P95Duration)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	for _, key := range []string{"completions", "management", "upstream", "access", "limits", "auth", "db", "server"} {
		if _, ok := body[key]; !ok {
			t.Errorf("summary missing %q", key)
		}
	}
}
