// Package metrics provides Prometheus metrics collection
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Signing metrics
	SigningTotal    *prometheus.CounterVec
	SigningDuration *prometheus.HistogramVec

	// VRF metrics
	VRFChallengesTotal  prometheus.Counter
	VRFSessionsActive   prometheus.Gauge

	// Shamir metrics
	ShamirExchangesTotal *prometheus.CounterVec
	ShamirRefreshesTotal prometheus.Counter

	// Nonce metrics
	NonceRefreshesTotal  prometheus.Counter
	NonceReservedCurrent prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec

	serviceName string
	startTime   time.Time
	stopOnce    sync.Once
	stopCh      chan struct{}
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors by code",
			},
			[]string{"service", "code"},
		),
		SigningTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_signing_operations_total",
				Help: "Total signing operations by kind and outcome",
			},
			[]string{"service", "kind", "outcome"},
		),
		SigningDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_signing_duration_seconds",
				Help:    "Signing operation duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "kind"},
		),
		VRFChallengesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_vrf_challenges_total",
				Help: "Total VRF challenges generated",
			},
		),
		VRFSessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wallet_vrf_sessions_active",
				Help: "Active VRF sessions",
			},
		),
		ShamirExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_shamir_exchanges_total",
				Help: "Total Shamir 3-pass exchanges by route",
			},
			[]string{"service", "route"},
		),
		ShamirRefreshesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_shamir_refreshes_total",
				Help: "Total proactive Shamir re-encryptions",
			},
		),
		NonceRefreshesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_nonce_refreshes_total",
				Help: "Total nonce/block context refreshes",
			},
		),
		NonceReservedCurrent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wallet_nonces_reserved",
				Help: "Currently reserved nonces",
			},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service metadata",
			},
			[]string{"service", "version"},
		),
		serviceName: serviceName,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
			m.ErrorsTotal,
			m.SigningTotal, m.SigningDuration,
			m.VRFChallengesTotal, m.VRFSessionsActive,
			m.ShamirExchangesTotal, m.ShamirRefreshesTotal,
			m.NonceRefreshesTotal, m.NonceReservedCurrent,
			m.ServiceUptime, m.ServiceInfo,
		)
	}

	go m.trackUptime()
	return m
}

func (m *Metrics) trackUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.ServiceUptime.Set(time.Since(m.startTime).Seconds())
		case <-m.stopCh:
			return
		}
	}
}

// Stop halts background collection.
func (m *Metrics) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// RecordRequest records one HTTP request.
func (m *Metrics) RecordRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(m.serviceName, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(m.serviceName, method, path).Observe(duration.Seconds())
}

// RecordSigning records one signing operation.
func (m *Metrics) RecordSigning(kind, outcome string, duration time.Duration) {
	m.SigningTotal.WithLabelValues(m.serviceName, kind, outcome).Inc()
	m.SigningDuration.WithLabelValues(m.serviceName, kind).Observe(duration.Seconds())
}

// RecordError records one error by code.
func (m *Metrics) RecordError(code string) {
	m.ErrorsTotal.WithLabelValues(m.serviceName, code).Inc()
}

// RecordShamirExchange records one relay lock exchange.
func (m *Metrics) RecordShamirExchange(route string) {
	m.ShamirExchangesTotal.WithLabelValues(m.serviceName, route).Inc()
}
