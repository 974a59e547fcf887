// Package metrics exposes the vault's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds all application metrics.
type Metrics struct {
	vaultOperations     *prometheus.CounterVec
	vaultOpDuration     *prometheus.HistogramVec
	vaultBytes          *prometheus.CounterVec
	accessDenials       *prometheus.CounterVec
	kmsOperations       *prometheus.CounterVec
	kmsOpDuration       *prometheus.HistogramVec
	kmsRetries          prometheus.Counter
	blobOperations      *prometheus.CounterVec
	blobOperationErrors *prometheus.CounterVec
	auditAppends        *prometheus.CounterVec
	auditFallbacks      prometheus.Counter
	tokensIssued        prometheus.Counter
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
	gatherer            prometheus.Gatherer
}

// NewMetrics creates a new metrics instance on the default registry.
func NewMetrics() *Metrics {
	return NewWithRegistry(defaultRegistry)
}

// NewWithRegistry creates a new metrics instance with a custom registry (for testing).
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	var gatherer prometheus.Gatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	return &Metrics{
		gatherer: gatherer,
		vaultOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_operations_total",
				Help: "Total number of vault operations",
			},
			[]string{"operation", "outcome"},
		),
		vaultOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vault_operation_duration_seconds",
				Help:    "Vault operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		vaultBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_bytes_total",
				Help: "Total plaintext bytes processed by the vault",
			},
			[]string{"operation"},
		),
		accessDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_access_denials_total",
				Help: "Total number of access evaluator denials",
			},
			[]string{"action", "reason"},
		),
		kmsOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_operations_total",
				Help: "Total number of key wrap/unwrap operations",
			},
			[]string{"operation", "outcome"},
		),
		kmsOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kms_operation_duration_seconds",
				Help:    "Key authority call duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		kmsRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kms_retries_total",
				Help: "Total number of key authority retries",
			},
		),
		blobOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blob_operations_total",
				Help: "Total number of blob store operations",
			},
			[]string{"operation"},
		),
		blobOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blob_operation_errors_total",
				Help: "Total number of blob store errors",
			},
			[]string{"operation", "error_type"},
		),
		auditAppends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_appends_total",
				Help: "Total number of audit ledger appends",
			},
			[]string{"event_type"},
		),
		auditFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_fallback_emissions_total",
				Help: "Audit appends that degraded to the process log",
			},
		),
		tokensIssued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vault_tokens_issued_total",
				Help: "Total number of signed access tokens issued",
			},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
	}
}

// RecordVaultOperation records one vault operation with its outcome.
func (m *Metrics) RecordVaultOperation(operation string, success bool, duration time.Duration, bytes int64) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.vaultOperations.WithLabelValues(operation, outcome).Inc()
	m.vaultOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if bytes > 0 {
		m.vaultBytes.WithLabelValues(operation).Add(float64(bytes))
	}
}

// RecordAccessDenial records one evaluator denial.
func (m *Metrics) RecordAccessDenial(action, reason string) {
	m.accessDenials.WithLabelValues(action, reason).Inc()
}

// RecordKMSOperation records one wrap or unwrap call.
func (m *Metrics) RecordKMSOperation(operation string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.kmsOperations.WithLabelValues(operation, outcome).Inc()
	m.kmsOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordKMSRetry records one key authority retry.
func (m *Metrics) RecordKMSRetry() {
	m.kmsRetries.Inc()
}

// RecordBlobOperation records one blob store operation.
func (m *Metrics) RecordBlobOperation(operation string) {
	m.blobOperations.WithLabelValues(operation).Inc()
}

// RecordBlobError records one blob store error.
func (m *Metrics) RecordBlobError(operation, errorType string) {
	m.blobOperationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordAuditAppend records one ledger append, flagging fallback emissions.
func (m *Metrics) RecordAuditAppend(eventType string, fallback bool) {
	m.auditAppends.WithLabelValues(eventType).Inc()
	if fallback {
		m.auditFallbacks.Inc()
	}
}

// RecordTokenIssued records one signed access token issuance.
func (m *Metrics) RecordTokenIssued() {
	m.tokensIssued.Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint. It serves
// the registry the metrics were created on.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer != nil {
		return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
