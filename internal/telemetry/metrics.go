// Package telemetry provides application-level observability for the platform.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<NDP_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by either Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Tenant provisioning step outcomes and teardown results
//   - Execution proxy invocations by status code
//   - Queue task outcomes
//   - Credential reaper deletions
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// No metric is labelled with a username or model name. HTTP metrics use
// c.FullPath() (e.g. /:username/:model_name) so tenant path segments never
// become label values.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Provisioning metrics — recorded by the provisioning and teardown state machines.
//
// ProvisioningStepsTotal has labels {step, outcome}; outcome is one of
// "done", "skipped", "already_exists", "failed". A growing "failed" count for
// await_issuance usually means DNS validation records are not propagating.
//
// Example PromQL queries:
//   - Failure rate by step:  sum by (step) (rate(provisioning_steps_total{outcome="failed"}[1h]))
//
// TeardownRunsTotal has label {outcome}: "complete" when the record was
// removed, "partial" when at least one deletion failed and the record was kept.
var (
	ProvisioningStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioning_steps_total",
			Help: "Total number of provisioning step executions, by step and outcome.",
		},
		[]string{"step", "outcome"},
	)

	ProvisioningRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provisioning_run_duration_seconds",
			Help:    "Duration of a single provisioning state machine run.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	TeardownRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teardown_runs_total",
			Help: "Total number of teardown runs, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Execution proxy metrics.
//
// ProxyInvocationsTotal has label {status}, the HTTP status returned to the
// caller. 429s indicate backend throttling or timeouts.
var (
	ProxyInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_invocations_total",
			Help: "Total number of model invocations through the execution proxy, by status code.",
		},
		[]string{"status"},
	)

	ProxyInvocationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxy_invocation_duration_seconds",
			Help:    "Wall-clock duration of model invocations, from request parse to response.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	UsageRecordWriteErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_record_write_errors_total",
			Help: "Total number of failures persisting usage records or payload archives, by sink.",
		},
		[]string{"sink"},
	)
)

// QueueTasksTotal has labels {type, outcome}; outcome is "ok", "retry" or "dropped".
var QueueTasksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "queue_tasks_total",
		Help: "Total number of queue tasks processed, by task type and outcome.",
	},
	[]string{"type", "outcome"},
)

// ReaperDeletedTotal has label {kind}: "credential" or "model_api_key".
var ReaperDeletedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reaper_deleted_total",
		Help: "Total number of expired credentials and model API keys removed by the reaper job.",
	},
	[]string{"kind"},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when the database becomes unreachable, which happens
// when the application shuts down and closes the pool.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
