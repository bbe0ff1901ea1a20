package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics endpoint.
type Summary struct {
	Completions httpSummary     `json:"completions"`
	Management  httpSummary     `json:"management"`
	Upstream    upstreamSummary `json:"upstream"`
	Access      accessInfo      `json:"access"`
	Limits      limitsInfo      `json:"limits"`
	Auth        authInfo        `json:"auth"`
	DB          dbInfo          `json:"db"`
	Server      serverInfo      `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type upstreamSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	Errors        float64 `json:"errors"`
	P50Duration   float64 `json:"p50Duration"`
	P95Duration   float64 `json:"p95Duration"`
}

type accessInfo struct {
	Allowed         float64 `json:"allowed"`
	Denied          float64 `json:"denied"`
	SessionCacheHit float64 `json:"sessionCacheHitRate"`
}

type limitsInfo struct {
	RateLimitRejections  float64 `json:"rateLimitRejections"`
	TokenLimitRejections float64 `json:"tokenLimitRejections"`
	UsageFailures        float64 `json:"usageFailures"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
	MaxConns      float64 `json:"maxConns"`
}

// Handler returns an http.HandlerFunc that serves a live JSON summary of the
// registry.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	httpFor := func(kind string) httpSummary {
		kindLabel := label{"kind", kind}
		return httpSummary{
			TotalRequests: sumCounter(fam["keel_http_requests_total"], kindLabel),
			ErrorRate:     errorRate(fam["keel_http_requests_total"], kindLabel),
			P50Latency:    histogramPercentile(fam["keel_http_request_duration_seconds"], 0.50, kindLabel),
			P95Latency:    histogramPercentile(fam["keel_http_request_duration_seconds"], 0.95, kindLabel),
			P99Latency:    histogramPercentile(fam["keel_http_request_duration_seconds"], 0.99, kindLabel),
		}
	}

	hits := sumCounter(fam["keel_session_cache_lookups_total"], label{"result", "hit"})
	lookups := sumCounter(fam["keel_session_cache_lookups_total"])
	var hitRate float64
	if lookups > 0 {
		hitRate = hits / lookups
	}
	start := gaugeValue(fam["keel_server_start_time_seconds"])

	return &Summary{
		Completions: httpFor("completion"),
		Management:  httpFor("management"),
		Upstream: upstreamSummary{
			TotalRequests: sumCounter(fam["keel_upstream_requests_total"]),
			Errors:        sumCounter(fam["keel_upstream_errors_total"]),
			P50Duration:   histogramPercentile(fam["keel_upstream_duration_seconds"], 0.50),
			P95Duration:   histogramPercentile(fam["keel_upstream_duration_seconds"], 0.95),
		},
		Access: accessInfo{
			Allowed:         sumCounter(fam["keel_access_decisions_total"], label{"allowed", "true"}),
			Denied:          sumCounter(fam["keel_access_decisions_total"], label{"allowed", "false"}),
			SessionCacheHit: hitRate,
		},
		Limits: limitsInfo{
			RateLimitRejections:  sumCounter(fam["keel_ratelimit_rejections_total"]),
			TokenLimitRejections: sumCounter(fam["keel_token_limit_rejections_total"]),
			UsageFailures:        sumCounter(fam["keel_usage_record_failures_total"]),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["keel_auth_failures_total"]),
			Successes: sumCounter(fam["keel_auth_successes_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["keel_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["keel_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["keel_db_pool_acquired_conns"]),
			MaxConns:      gaugeValue(fam["keel_db_pool_max_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

// --- Prometheus metric helpers ---

type label struct{ name, value string }

func matches(m *dto.Metric, filters []label) bool {
	for _, want := range filters {
		found := false
		for _, lp := range m.GetLabel() {
			if lp.GetName() == want.name && lp.GetValue() == want.value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sumCounter(f *dto.MetricFamily, filters ...label) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil && matches(m, filters) {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 || ms[0].GetGauge() == nil {
		return 0
	}
	return ms[0].GetGauge().GetValue()
}

// errorRate is the share of requests answered with a 4xx or 5xx status.
func errorRate(f *dto.MetricFamily, filters ...label) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil || !matches(m, filters) {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64, filters ...label) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil || !matches(m, filters) {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Past the last finite bucket.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
