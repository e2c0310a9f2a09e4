// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hashmesh/meshcore/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Business metrics
	BlockchainTxTotal    *prometheus.CounterVec
	BlockchainTxDuration *prometheus.HistogramVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec

	// Mesh core metrics (spec §6)
	MeshRequestsTotal      *prometheus.CounterVec
	MeshLBErrorsTotal      *prometheus.CounterVec
	MeshInstanceHealth     *prometheus.GaugeVec
	MeshRequestDuration    *prometheus.HistogramVec
	MeshActiveConnections  *prometheus.GaugeVec
	MeshCircuitState       *prometheus.GaugeVec
	MeshPeerSyncFailures   *prometheus.CounterVec
	MeshEventsDropped      *prometheus.CounterVec
	MeshCacheHitRatio      *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
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

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Business metrics
		BlockchainTxTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockchain_transactions_total",
				Help: "Total number of blockchain transactions",
			},
			[]string{"service", "chain", "operation", "status"},
		),
		BlockchainTxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blockchain_transaction_duration_seconds",
				Help:    "Blockchain transaction duration in seconds",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"service", "chain", "operation"},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
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
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),

		// Mesh core metrics
		MeshRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mesh_requests_total", Help: "Total resolve requests handled by the mesh core"},
			[]string{"service", "strategy"},
		),
		MeshLBErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mesh_lb_errors_total", Help: "Load-balancer/resolution errors"},
			[]string{"service", "reason"},
		),
		MeshInstanceHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "mesh_instance_health", Help: "Derived health score of an instance"},
			[]string{"service", "instance"},
		),
		MeshRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mesh_request_duration_seconds",
				Help:    "End-to-end resolve() latency",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"service", "strategy"},
		),
		MeshActiveConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "mesh_active_connections", Help: "Active connections tracked per instance"},
			[]string{"service", "instance"},
		),
		MeshCircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "mesh_circuit_state", Help: "Circuit breaker state (0=closed,1=half_open,2=open)"},
			[]string{"service", "instance"},
		),
		MeshPeerSyncFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mesh_peer_sync_failures_total", Help: "Peer sync failures"},
			[]string{"peer"},
		),
		MeshEventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mesh_events_dropped_total", Help: "Registry events dropped due to a full subscriber queue"},
			[]string{"subscriber"},
		),
		MeshCacheHitRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "mesh_cache_hit_ratio", Help: "Rolling cache hit ratio per tier"},
			[]string{"tier"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.BlockchainTxTotal,
			m.BlockchainTxDuration,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
			m.MeshRequestsTotal,
			m.MeshLBErrorsTotal,
			m.MeshInstanceHealth,
			m.MeshRequestDuration,
			m.MeshActiveConnections,
			m.MeshCircuitState,
			m.MeshPeerSyncFailures,
			m.MeshEventsDropped,
			m.MeshCacheHitRatio,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordBlockchainTx records a blockchain transaction
func (m *Metrics) RecordBlockchainTx(service, chain, operation, status string, duration time.Duration) {
	m.BlockchainTxTotal.WithLabelValues(service, chain, operation, status).Inc()
	m.BlockchainTxDuration.WithLabelValues(service, chain, operation).Observe(duration.Seconds())
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// RecordMeshRequest records a resolve() call for a strategy.
func (m *Metrics) RecordMeshRequest(service, strategy string, duration time.Duration) {
	m.MeshRequestsTotal.WithLabelValues(service, strategy).Inc()
	m.MeshRequestDuration.WithLabelValues(service, strategy).Observe(duration.Seconds())
}

// RecordMeshLBError records a load-balancer/resolution failure.
func (m *Metrics) RecordMeshLBError(service, reason string) {
	m.MeshLBErrorsTotal.WithLabelValues(service, reason).Inc()
}

// SetMeshInstanceHealth publishes an instance's derived health score.
func (m *Metrics) SetMeshInstanceHealth(service, instance string, score float64) {
	m.MeshInstanceHealth.WithLabelValues(service, instance).Set(score)
}

// SetMeshActiveConnections publishes an instance's in-flight connection count.
func (m *Metrics) SetMeshActiveConnections(service, instance string, count int64) {
	m.MeshActiveConnections.WithLabelValues(service, instance).Set(float64(count))
}

// SetMeshCircuitState publishes a circuit's numeric state (0/1/2).
func (m *Metrics) SetMeshCircuitState(service, instance string, state float64) {
	m.MeshCircuitState.WithLabelValues(service, instance).Set(state)
}

// RecordMeshPeerSyncFailure increments the failure counter for a peer.
func (m *Metrics) RecordMeshPeerSyncFailure(peer string) {
	m.MeshPeerSyncFailures.WithLabelValues(peer).Inc()
}

// RecordMeshEventDropped increments the dropped-event counter for a subscriber.
func (m *Metrics) RecordMeshEventDropped(subscriber string) {
	m.MeshEventsDropped.WithLabelValues(subscriber).Inc()
}

// SetMeshCacheHitRatio publishes the rolling hit ratio for a cache tier.
func (m *Metrics) SetMeshCacheHitRatio(tier string, ratio float64) {
	m.MeshCacheHitRatio.WithLabelValues(tier).Set(ratio)
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
