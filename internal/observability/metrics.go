// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Token metrics
	TokenRefreshes *prometheus.CounterVec
	AuthRetries    prometheus.Counter

	// Allegro API metrics
	APIRequests       *prometheus.CounterVec
	APIRequestLatency prometheus.Histogram

	// Catalog metrics
	ProductCacheLookups *prometheus.CounterVec
	DetailFetchFailures prometheus.Counter

	// Listing metrics
	ListingAttempts *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance registered with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "allegro_helpers"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Total number of OAuth refresh exchanges by reason",
		}, []string{"reason"}),
		AuthRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "auth_retries_total",
			Help:      "Total number of requests retried after a 401/403",
		}),

		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allegro",
			Name:      "api_requests_total",
			Help:      "Total number of Allegro API requests by status code",
		}, []string{"code"}),
		APIRequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "allegro",
			Name:      "api_request_latency_seconds",
			Help:      "Allegro API request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		ProductCacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "product_cache_lookups_total",
			Help:      "Total number of product cache lookups by result",
		}, []string{"result"}),
		DetailFetchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "detail_fetch_failures_total",
			Help:      "Total number of product detail fetches skipped after a failure",
		}),

		ListingAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listing",
			Name:      "listing_attempts_total",
			Help:      "Total number of offer creation attempts by status",
		}, []string{"status"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTokenRefresh counts one refresh exchange.
func (m *Metrics) RecordTokenRefresh(reason string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(reason).Inc()
}

// RecordAuthRetry counts one retry after an auth failure.
func (m *Metrics) RecordAuthRetry() {
	if m == nil {
		return
	}
	m.AuthRetries.Inc()
}

// RecordAPIRequest records an Allegro API call. code 0 means no response.
func (m *Metrics) RecordAPIRequest(code int, seconds float64) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.APIRequests.WithLabelValues(label).Inc()
	m.APIRequestLatency.Observe(seconds)
}

// RecordCacheLookup records a product cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ProductCacheLookups.WithLabelValues(result).Inc()
}

// RecordDetailFetchFailure counts a skipped product detail.
func (m *Metrics) RecordDetailFetchFailure() {
	if m == nil {
		return
	}
	m.DetailFetchFailures.Inc()
}

// RecordListingAttempt counts one audit row by status.
func (m *Metrics) RecordListingAttempt(status string) {
	if m == nil {
		return
	}
	m.ListingAttempts.WithLabelValues(status).Inc()
}
