package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the server exposes on
// GET /metrics (SPEC_FULL.md §2 component #12, §6.2).
//
// Grounded on adred-codev-ws_poc/go-server/internal/metrics/metrics.go's
// NewMetrics, trimmed of its NATS-specific collectors (this domain has no
// message broker) and extended with sync/auth/broadcast counters for the
// operations SPEC_FULL.md actually has: authentication, delta replay, and
// tenant-scoped broadcast fan-out.
type Metrics struct {
	connectionsTotal    prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionDuration  prometheus.Histogram
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter

	messagesReceived prometheus.Counter
	messagesSent     prometheus.Counter
	messageSize      prometheus.Histogram

	messageLatency prometheus.Histogram

	errorsTotal   prometheus.Counter
	errorsByType  *prometheus.CounterVec
	lastErrorTime prometheus.Gauge

	goroutinesCount prometheus.Gauge
	memoryUsage     prometheus.Gauge
	cpuUsage        prometheus.Gauge

	authAttemptsTotal  prometheus.Counter
	authFailuresByKind *prometheus.CounterVec

	syncPagesServed    *prometheus.CounterVec
	syncRecordsServed  *prometheus.CounterVec
	syncCompletedTotal prometheus.Counter

	broadcastFanoutTotal  prometheus.Counter
	broadcastDroppedTotal prometheus.Counter

	startTime    time.Time
	mu           sync.RWMutex
	clientsCount int64
}

func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sync_connections_total",
			Help: "Total number of WebSocket connections attempted",
		}),
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sync_connections_active",
			Help: "Number of currently active WebSocket connections",
		}),
		connectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_connection_duration_seconds",
			Help:    "Duration of WebSocket connections",
			Buckets: prometheus.DefBuckets,
		}),
		connectionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sync_connections_accepted_total",
			Help: "Total number of accepted WebSocket connections",
		}),
		connectionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sync_connections_closed_total",
			Help: "Total number of closed WebSocket connections",
		}),

		messagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sync_messages_received_total",
			Help: "Total number of frames received from clients",
		}),
		messagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sync_messages_sent_total",
			Help: "Total number of frames sent to clients",
		}),
		messageSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_message_size_bytes",
			Help:    "Size of frames in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 20000, 100000, 500000},
		}),

		messageLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_message_latency_seconds",
			Help:    "Latency of frame processing",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		errorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sync_errors_total",
			Help: "Total number of errors",
		}),
		errorsByType: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_errors_by_type_total",
			Help: "Total number of errors by type",
		}, []string{"type"}),
		lastErrorTime: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sync_last_error_timestamp",
			Help: "Timestamp of the last error",
		}),

		goroutinesCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sync_goroutines_count",
			Help: "Number of goroutines",
		}),
		memoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sync_memory_usage_bytes",
			Help: "Memory usage in bytes",
		}),
		cpuUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sync_cpu_usage_percent",
			Help: "CPU usage percentage",
		}),

		authAttemptsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sync_auth_attempts_total",
			Help: "Total number of authentication_request frames processed",
		}),
		authFailuresByKind: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_auth_failures_total",
			Help: "Total number of failed authentications by rejection reason",
		}, []string{"kind"}),

		syncPagesServed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_pages_served_total",
			Help: "Total number of delta pages served during initial sync, by entity kind",
		}, []string{"kind"}),
		syncRecordsServed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_records_served_total",
			Help: "Total number of records replayed during initial sync, by entity kind",
		}, []string{"kind"}),
		syncCompletedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sync_completed_total",
			Help: "Total number of clients admitted to broadcast after completing initial sync",
		}),

		broadcastFanoutTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sync_broadcast_fanout_total",
			Help: "Total number of frames fanned out to tenant peers",
		}),
		broadcastDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sync_broadcast_dropped_total",
			Help: "Total number of peers dropped for a full send buffer during broadcast",
		}),
	}

	return m
}

func (m *Metrics) IncrementConnections() {
	m.connectionsTotal.Inc()
	m.connectionsAccepted.Inc()
	m.mu.Lock()
	m.clientsCount++
	m.mu.Unlock()
	m.connectionsActive.Inc()
}

func (m *Metrics) DecrementConnections() {
	m.connectionsClosed.Inc()
	m.mu.Lock()
	m.clientsCount--
	m.mu.Unlock()
	m.connectionsActive.Dec()
}

func (m *Metrics) RecordConnectionDuration(duration time.Duration) {
	m.connectionDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncrementMessagesReceived() {
	m.messagesReceived.Inc()
}

func (m *Metrics) IncrementMessagesSent() {
	m.messagesSent.Inc()
}

func (m *Metrics) RecordMessageSize(size int) {
	m.messageSize.Observe(float64(size))
}

func (m *Metrics) RecordMessageLatency(duration time.Duration) {
	m.messageLatency.Observe(duration.Seconds())
}

func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Inc()
	m.errorsByType.WithLabelValues(errorType).Inc()
	m.lastErrorTime.SetToCurrentTime()
}

func (m *Metrics) RecordAuthAttempt() {
	m.authAttemptsTotal.Inc()
}

func (m *Metrics) RecordAuthFailure(kind string) {
	m.authFailuresByKind.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSyncPage(kind string, records int) {
	m.syncPagesServed.WithLabelValues(kind).Inc()
	m.syncRecordsServed.WithLabelValues(kind).Add(float64(records))
}

func (m *Metrics) RecordSyncCompleted() {
	m.syncCompletedTotal.Inc()
}

func (m *Metrics) RecordBroadcastFanout(peers int) {
	m.broadcastFanoutTotal.Add(float64(peers))
}

func (m *Metrics) RecordBroadcastDropped() {
	m.broadcastDroppedTotal.Inc()
}

func (m *Metrics) UpdateGoroutinesCount(count int) {
	m.goroutinesCount.Set(float64(count))
}

func (m *Metrics) UpdateMemoryUsage(bytes uint64) {
	m.memoryUsage.Set(float64(bytes))
}

func (m *Metrics) UpdateCPUUsage(percent float64) {
	m.cpuUsage.Set(percent)
}

func (m *Metrics) GetActiveConnections() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientsCount
}

func (m *Metrics) GetUptime() time.Duration {
	return time.Since(m.startTime)
}
