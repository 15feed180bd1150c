// Package metrics provides Prometheus metrics collection for the
// marketplace core.
package metrics

import (
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for this service.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Escrow / ledger metrics
	EscrowOpsTotal     *prometheus.CounterVec
	EscrowOpDuration   *prometheus.HistogramVec
	LedgerBalanceFault *prometheus.CounterVec

	// Rate limiting
	RateLimitDenialsTotal *prometheus.CounterVec

	// Webhook dispatch
	WebhookDeliveriesTotal *prometheus.CounterVec
	WebhookAttemptDuration *prometheus.HistogramVec

	// Deadline queue
	DeadlineFiringsTotal *prometheus.CounterVec

	// Wallet: deposits and withdrawals
	WalletOpsTotal *prometheus.CounterVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
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
			prometheus.GaugeOpts{Name: "http_requests_in_flight", Help: "Current number of HTTP requests being processed"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "errors_total", Help: "Total number of errors"},
			[]string{"service", "type", "operation"},
		),

		EscrowOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "escrow_operations_total", Help: "Total number of escrow operations"},
			[]string{"service", "operation", "status"},
		),
		EscrowOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_operation_duration_seconds",
				Help:    "Escrow operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"service", "operation"},
		),
		LedgerBalanceFault: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ledger_balance_faults_total", Help: "Insufficient-balance and conflict rejections"},
			[]string{"service", "reason"},
		),

		RateLimitDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rate_limit_denials_total", Help: "Total number of rate-limit denials"},
			[]string{"service", "category"},
		),

		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Total webhook delivery attempts by outcome"},
			[]string{"service", "event", "outcome"},
		),
		WebhookAttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_attempt_duration_seconds",
				Help:    "Webhook POST attempt duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "event"},
		),

		DeadlineFiringsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "deadline_firings_total", Help: "Total number of deadline-queue firings by outcome"},
			[]string{"service", "outcome"},
		),

		WalletOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "wallet_operations_total", Help: "Total wallet deposit/withdrawal operations by outcome"},
			[]string{"service", "operation", "outcome"},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "database_queries_total", Help: "Total number of database queries"},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "database_connections_open", Help: "Current number of open database connections"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "service_uptime_seconds", Help: "Service uptime in seconds"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "service_info", Help: "Service information"},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.EscrowOpsTotal,
			m.EscrowOpDuration,
			m.LedgerBalanceFault,
			m.RateLimitDenialsTotal,
			m.WebhookDeliveriesTotal,
			m.WebhookAttemptDuration,
			m.DeadlineFiringsTotal,
			m.WalletOpsTotal,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

func (m *Metrics) RecordEscrowOp(service, operation, status string, duration time.Duration) {
	m.EscrowOpsTotal.WithLabelValues(service, operation, status).Inc()
	m.EscrowOpDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordLedgerFault(service, reason string) {
	m.LedgerBalanceFault.WithLabelValues(service, reason).Inc()
}

func (m *Metrics) RecordRateLimitDenial(service, category string) {
	m.RateLimitDenialsTotal.WithLabelValues(service, category).Inc()
}

func (m *Metrics) RecordWebhookDelivery(service, event, outcome string, duration time.Duration) {
	m.WebhookDeliveriesTotal.WithLabelValues(service, event, outcome).Inc()
	m.WebhookAttemptDuration.WithLabelValues(service, event).Observe(duration.Seconds())
}

func (m *Metrics) RecordWalletOp(service, operation, outcome string) {
	m.WalletOpsTotal.WithLabelValues(service, operation, outcome).Inc()
}

func (m *Metrics) RecordDeadlineFiring(service, outcome string) {
	m.DeadlineFiringsTotal.WithLabelValues(service, outcome).Inc()
}

func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

func getEnvironment() string {
	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		return "development"
	}
	return env
}
