// Package metrics exposes Prometheus collectors for the HTTP surface and
// model usage.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	llmTokensTotal             *prometheus.CounterVec
	llmRequestsTotal           *prometheus.CounterVec
	logStreamClients           prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors. It is safe to call
// this function multiple times; the Observe helpers call it themselves.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "venue_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		// Scrape requests block for the whole run, hence the long tail.
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "venue_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
			},
			[]string{"method", "route"},
		)

		llmTokensTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "venue_llm_tokens_total",
				Help: "Tokens consumed by extraction, labeled by direction.",
			},
			[]string{"direction"},
		)

		llmRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "venue_llm_requests_total",
				Help: "Model requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		logStreamClients = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "venue_log_stream_clients",
				Help: "Number of connected log stream clients.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "venue_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveLLMUsage adds one run's model usage.
func ObserveLLMUsage(requests, failures, promptTokens, completionTokens int) {
	Init()
	if requests-failures > 0 {
		llmRequestsTotal.WithLabelValues("success").Add(float64(requests - failures))
	}
	if failures > 0 {
		llmRequestsTotal.WithLabelValues("error").Add(float64(failures))
	}
	if promptTokens > 0 {
		llmTokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		llmTokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

// IncLogStreamClients increments the connected stream gauge.
func IncLogStreamClients() {
	Init()
	logStreamClients.Inc()
}

// DecLogStreamClients decrements the connected stream gauge.
func DecLogStreamClients() {
	Init()
	logStreamClients.Dec()
}

// ObserveRateLimitDelay records time spent waiting for a host's token.
func ObserveRateLimitDelay(site string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(site).Observe(d.Seconds())
}
