package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the channel monitor
type PrometheusMetrics struct {
	// Chain sync metrics
	EventsAppliedTotal   *prometheus.CounterVec
	EventsSkippedTotal   *prometheus.CounterVec
	SyncBatchesTotal     prometheus.Counter
	SyncBatchDuration    prometheus.Histogram
	SyncErrorsTotal      prometheus.Counter
	LatestCommittedBlock prometheus.Gauge
	LatestHeadBlock      prometheus.Gauge
	FetchWindowSize      prometheus.Gauge

	// Connection and RPC metrics
	ConnectionErrorsTotal *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec
	RPCRequestDuration    *prometheus.HistogramVec

	// Entity gauges
	ChannelsTracked      prometheus.Gauge
	TokenNetworksTracked prometheus.Gauge
	MonitorRequestsHeld  prometheus.Gauge
	ScheduledEventsDue   prometheus.Gauge

	// Request ingestion metrics
	RequestsReceivedTotal *prometheus.CounterVec
	RequestsPurgedTotal   prometheus.Counter

	// Scheduled action metrics
	ActionsDispatchedTotal *prometheus.CounterVec
	TransactionsSentTotal  *prometheus.CounterVec
	TransactionsMinedTotal *prometheus.CounterVec

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates and registers all Prometheus metrics
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		EventsAppliedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_events_applied_total",
				Help: "Total number of confirmed chain events applied to state",
			},
			[]string{"event_name"},
		),

		EventsSkippedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_events_skipped_total",
				Help: "Total number of chain events skipped during reconciliation",
			},
			[]string{"event_name", "reason"},
		),

		SyncBatchesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_sync_batches_total",
				Help: "Total number of committed reconciliation batches",
			},
		),

		SyncBatchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "monitor_sync_batch_duration_seconds",
				Help:    "Time spent fetching and applying one batch",
				Buckets: prometheus.DefBuckets,
			},
		),

		SyncErrorsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_sync_errors_total",
				Help: "Total number of failed sync iterations",
			},
		),

		LatestCommittedBlock: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_latest_committed_block",
				Help: "Highest block whose events have been durably applied",
			},
		),

		LatestHeadBlock: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_latest_head_block",
				Help: "Latest block number reported by the node",
			},
		),

		FetchWindowSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_fetch_window_size",
				Help: "Current adaptive log fetch window in blocks",
			},
		),

		ConnectionErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_connection_errors_total",
				Help: "Total number of node connection errors",
			},
			[]string{"node_url"},
		),

		RPCRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_rpc_requests_total",
				Help: "Total number of RPC requests",
			},
			[]string{"method", "status"},
		),

		RPCRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monitor_rpc_request_duration_seconds",
				Help:    "RPC request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		ChannelsTracked: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_channels_tracked",
				Help: "Number of channel rows in the store",
			},
		),

		TokenNetworksTracked: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_token_networks_tracked",
				Help: "Number of token networks being watched",
			},
		),

		MonitorRequestsHeld: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_requests_held",
				Help: "Number of stored monitor requests",
			},
		),

		ScheduledEventsDue: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_scheduled_events",
				Help: "Number of pending scheduled actions",
			},
		),

		RequestsReceivedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_requests_received_total",
				Help: "Total number of monitor requests received over the API",
			},
			[]string{"status"},
		),

		RequestsPurgedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_requests_purged_total",
				Help: "Total number of stale waiting requests purged",
			},
		),

		ActionsDispatchedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_actions_dispatched_total",
				Help: "Total number of scheduled actions dispatched",
			},
			[]string{"kind", "status"},
		),

		TransactionsSentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_transactions_sent_total",
				Help: "Total number of on-chain transactions submitted",
			},
			[]string{"kind"},
		),

		TransactionsMinedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_transactions_mined_total",
				Help: "Total number of submitted transactions confirmed on-chain",
			},
			[]string{"status"},
		),

		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		DatabaseOperationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monitor_database_operation_duration_seconds",
				Help:    "Database operation latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monitor_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_uptime_seconds",
				Help: "Seconds since the service started",
			},
		),

		MemoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_memory_usage_bytes",
				Help: "Current heap allocation",
			},
		),

		GoroutineCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_goroutines",
				Help: "Current number of goroutines",
			},
		),
	}
}

// RecordHTTPRequest records metrics for an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDatabaseOperation records metrics for a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRPCRequest records metrics for an RPC request
func (m *PrometheusMetrics) RecordRPCRequest(method, status string, duration time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
