package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Ethereum RPC metrics
	ethRPCCallsTotal   *prometheus.CounterVec
	ethRPCCallDuration *prometheus.HistogramVec

	// Verification metrics
	verificationsTotal    *prometheus.CounterVec
	verificationDuration  *prometheus.HistogramVec
	paymentsRecordedTotal *prometheus.CounterVec
	noncesConsumedTotal   prometheus.Counter

	// Database metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ethRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eth_rpc_calls_total",
				Help: "Total number of Ethereum RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		ethRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eth_rpc_call_duration_seconds",
				Help:    "Duration of Ethereum RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),

		verificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_verifications_total",
				Help: "Total number of payment verifications by path and outcome",
			},
			[]string{"path", "outcome"},
		),
		verificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payment_verification_duration_seconds",
				Help:    "Duration of payment verifications in seconds",
				Buckets: []float64{0.005, 0.05, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"path"},
		),
		paymentsRecordedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_recorded_total",
				Help: "Total number of new payments written to the ledger",
			},
			[]string{"service"},
		),
		noncesConsumedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "nonces_consumed_total",
				Help: "Total number of authorization nonces consumed",
			},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
	}
}

// RecordRPCCall records an Ethereum RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	m.ethRPCCallsTotal.WithLabelValues(method, status).Inc()
	m.ethRPCCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordVerification records a verification outcome.
// The path label is "transaction" or "signature"; outcome is "valid",
// "cached", or a reason code.
func (m *Metrics) RecordVerification(path, outcome string, duration float64) {
	m.verificationsTotal.WithLabelValues(path, outcome).Inc()
	m.verificationDuration.WithLabelValues(path).Observe(duration)
}

// RecordPaymentRecorded records a new payment row written to the ledger.
func (m *Metrics) RecordPaymentRecorded(service string) {
	m.paymentsRecordedTotal.WithLabelValues(service).Inc()
}

// RecordNonceConsumed records a consumed authorization nonce.
func (m *Metrics) RecordNonceConsumed() {
	m.noncesConsumedTotal.Inc()
}

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
