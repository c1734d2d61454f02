// Package metrics provides Prometheus metrics for the auction server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Auction metrics
	AuctionsTotal   *prometheus.CounterVec
	AuctionDuration *prometheus.HistogramVec
	BidsReceived    *prometheus.CounterVec
	BidCandidates   *prometheus.HistogramVec
	CandidatesSkipped *prometheus.CounterVec

	// Script engine metrics
	InvocationsTotal   *prometheus.CounterVec
	InvocationLatency  *prometheus.HistogramVec
	InvocationErrors   *prometheus.CounterVec
	InvocationTimeouts *prometheus.CounterVec

	// Function repository metrics
	RepositoryGeneration prometheus.Gauge
	RefreshTotal         *prometheus.CounterVec
	RefreshDuration      prometheus.Histogram

	// System metrics
	ActiveConnections prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "auctionserver"
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		AuctionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auctions_total",
				Help:      "Total number of ad auctions run",
			},
			[]string{"outcome"},
		),
		AuctionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auction_duration_seconds",
				Help:      "Auction duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, .75, 1, 1.5, 2},
			},
			[]string{"outcome"},
		),
		BidsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bids_received_total",
				Help:      "Total number of bids produced by bidding functions",
			},
			[]string{"owner"},
		),
		BidCandidates: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auction_candidates",
				Help:      "Number of scored candidates per auction",
				Buckets:   []float64{1, 2, 3, 5, 7, 10, 15, 20, 30},
			},
			[]string{},
		),
		CandidatesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auction_candidates_skipped_total",
				Help:      "Total candidates skipped during an auction, by reason",
			},
			[]string{"reason"},
		),

		InvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_invocations_total",
				Help:      "Total script engine invocations",
			},
			[]string{"role"},
		),
		InvocationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "script_invocation_latency_seconds",
				Help:      "Script invocation latency in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .2, .3, .5},
			},
			[]string{"role"},
		),
		InvocationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_invocation_errors_total",
				Help:      "Total script invocation errors, by role",
			},
			[]string{"role"},
		),
		InvocationTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_invocation_timeouts_total",
				Help:      "Total script invocations that exceeded their deadline",
			},
			[]string{"role"},
		),

		RepositoryGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "function_repository_generation",
				Help:      "Generation number of the currently published function repository snapshot",
			},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "function_refresh_total",
				Help:      "Total function repository refresh attempts",
			},
			[]string{"outcome"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "function_refresh_duration_seconds",
				Help:      "Function repository refresh duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
			},
		),

		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of active connections",
			},
		),
	}

	prometheus.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.AuctionsTotal,
		m.AuctionDuration,
		m.BidsReceived,
		m.BidCandidates,
		m.CandidatesSkipped,
		m.InvocationsTotal,
		m.InvocationLatency,
		m.InvocationErrors,
		m.InvocationTimeouts,
		m.RepositoryGeneration,
		m.RefreshTotal,
		m.RefreshDuration,
		m.ActiveConnections,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		statusLabel := strconv.Itoa(wrapped.statusCode)

		m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, statusLabel).Inc()
		m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordAuction records auction-level outcome metrics.
func (m *Metrics) RecordAuction(outcome string, duration time.Duration, candidateCount int) {
	m.AuctionsTotal.WithLabelValues(outcome).Inc()
	m.AuctionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.BidCandidates.WithLabelValues().Observe(float64(candidateCount))
}

// RecordBid records a bid produced by one owner's bidding function.
func (m *Metrics) RecordBid(owner string) {
	m.BidsReceived.WithLabelValues(owner).Inc()
}

// RecordCandidateSkipped records a candidate dropped from an auction.
func (m *Metrics) RecordCandidateSkipped(reason string) {
	m.CandidatesSkipped.WithLabelValues(reason).Inc()
}

// RecordInvocation records one script engine invocation.
func (m *Metrics) RecordInvocation(role string, latency time.Duration, hasError, timedOut bool) {
	m.InvocationsTotal.WithLabelValues(role).Inc()
	m.InvocationLatency.WithLabelValues(role).Observe(latency.Seconds())
	if hasError {
		m.InvocationErrors.WithLabelValues(role).Inc()
	}
	if timedOut {
		m.InvocationTimeouts.WithLabelValues(role).Inc()
	}
}

// SetRepositoryGeneration records the currently published snapshot
// generation.
func (m *Metrics) SetRepositoryGeneration(generation uint64) {
	m.RepositoryGeneration.Set(float64(generation))
}

// RecordRefresh records one function repository refresh attempt.
func (m *Metrics) RecordRefresh(outcome string, duration time.Duration) {
	m.RefreshTotal.WithLabelValues(outcome).Inc()
	m.RefreshDuration.Observe(duration.Seconds())
}
