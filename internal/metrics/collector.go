package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// Collector
// =============================================================================

// Collector registers and records the engine's Prometheus metrics.
// A nil *Collector is valid and records nothing, so optional wiring
// does not need guards at every call site.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Merge pipeline metrics
	mergesTotal         *prometheus.CounterVec
	mergeDecisionsTotal *prometheus.CounterVec
	gatingDecisions     *prometheus.CounterVec

	// Sync metrics
	eventsAppliedTotal  *prometheus.CounterVec
	eventsRejectedTotal *prometheus.CounterVec
	flushesTotal        *prometheus.CounterVec
	queueDepth          *prometheus.GaugeVec

	// Archive metrics
	archiveRecords *prometheus.CounterVec

	// Database metrics
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector registered under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP metrics
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// Merge pipeline metrics
	c.mergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Total number of merge executions by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	c.mergeDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_decisions_total",
			Help:      "Total number of authority merge decisions by status",
		},
		[]string{"status"},
	)

	c.gatingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gating_decisions_total",
			Help:      "Total number of merge gating decisions by repo mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// Sync metrics
	c.eventsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_events_applied_total",
			Help:      "Total number of sync events applied by type",
		},
		[]string{"type"},
	)

	c.eventsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_events_rejected_total",
			Help:      "Total number of sync events rejected by type",
		},
		[]string{"type"},
	)

	c.flushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_flushes_total",
			Help:      "Total number of queue flush attempts by result",
		},
		[]string{"status"},
	)

	c.queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_depth",
			Help:      "Number of events waiting in the sync queue",
		},
		[]string{"agent"},
	)

	// Archive metrics
	c.archiveRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_records_total",
			Help:      "Total number of merge records offered to the archive sink by status",
		},
		[]string{"status"},
	)

	// Database metrics
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// HTTP metrics
// =============================================================================

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// Merge pipeline metrics
// =============================================================================

// RecordMerge records a backend merge execution.
func (c *Collector) RecordMerge(backend, outcome string) {
	if c == nil {
		return
	}
	c.mergesTotal.WithLabelValues(backend, outcome).Inc()
}

// RecordMergeDecision records an authority merge decision.
func (c *Collector) RecordMergeDecision(status string) {
	if c == nil {
		return
	}
	c.mergeDecisionsTotal.WithLabelValues(status).Inc()
}

// RecordGatingDecision records a subordinate gating decision.
func (c *Collector) RecordGatingDecision(mode, outcome string) {
	if c == nil {
		return
	}
	c.gatingDecisions.WithLabelValues(mode, outcome).Inc()
}

// =============================================================================
// Sync metrics
// =============================================================================

// RecordEventApplied records a sync event applied to authority state.
func (c *Collector) RecordEventApplied(eventType string) {
	if c == nil {
		return
	}
	c.eventsAppliedTotal.WithLabelValues(eventType).Inc()
}

// RecordEventRejected records a sync event that failed to apply.
func (c *Collector) RecordEventRejected(eventType string) {
	if c == nil {
		return
	}
	c.eventsRejectedTotal.WithLabelValues(eventType).Inc()
}

// RecordFlush records one queue flush attempt. Status is ok, partial
// or failed.
func (c *Collector) RecordFlush(status string) {
	if c == nil {
		return
	}
	c.flushesTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth publishes the current sync queue depth for an agent.
func (c *Collector) SetQueueDepth(agentID string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(agentID).Set(float64(depth))
}

// =============================================================================
// Archive metrics
// =============================================================================

// RecordArchive records one merge record offered to the archive sink.
// Status is archived, dropped or failed.
func (c *Collector) RecordArchive(status string) {
	if c == nil {
		return
	}
	c.archiveRecords.WithLabelValues(status).Inc()
}

// =============================================================================
// Database metrics
// =============================================================================

// RecordDBConnections publishes connection pool gauges.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery records a database query duration.
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// Helpers
// =============================================================================

// statusCode buckets an HTTP status code into its class.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
