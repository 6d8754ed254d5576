// Package metrics exposes process-wide Prometheus collectors for the crawler.
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
	navigationsTotal           *prometheus.CounterVec
	navigationDurationSeconds  *prometheus.HistogramVec
	retriesTotal               *prometheus.CounterVec
	throttleDelaySeconds       *prometheus.HistogramVec
	imageBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call repeatedly.
func Init() {
	once.Do(func() {
		navigationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderhist_navigations_total",
				Help: "Browser navigations, labeled by page kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		navigationDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderhist_navigation_duration_seconds",
				Help:    "Histogram of browser navigation latencies, labeled by page kind.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderhist_retries_total",
				Help: "Retry attempts beyond the first, labeled by retry class.",
			},
			[]string{"class"},
		)

		throttleDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderhist_throttle_delay_seconds",
				Help:    "Histogram of navigation throttle waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		imageBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderhist_image_bytes_total",
				Help: "Thumbnail bytes downloaded, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL, or "unknown".
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

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveNavigation records one browser navigation.
func ObserveNavigation(kind, outcome string, duration time.Duration) {
	Init()
	navigationsTotal.WithLabelValues(kind, outcome).Inc()
	navigationDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveRetry counts a repeated attempt in class.
func ObserveRetry(class string) {
	Init()
	retriesTotal.WithLabelValues(class).Inc()
}

// ObserveThrottleDelay records how long the navigation throttle held a call.
func ObserveThrottleDelay(site string, duration time.Duration) {
	Init()
	throttleDelaySeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveImageBytes adds downloaded thumbnail bytes.
func ObserveImageBytes(rawURL string, n int) {
	if n <= 0 {
		return
	}
	Init()
	imageBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(n))
}

// ObserveHTTPRequest records one report API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
