// Package observability bundles the gateway's metrics, tracing, and health
// checks. Everything is injected; nothing registers global state.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the gateway.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox lifecycle.
	StartupsTotal   *prometheus.CounterVec
	StartupDuration prometheus.Histogram
	SandboxState    prometheus.Gauge

	// Server supervision.
	ServerStartsTotal *prometheus.CounterVec
	ServersRunning    prometheus.Gauge

	// Tool execution.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Approval pipeline.
	ApprovalDecisionsTotal *prometheus.CounterVec
	ApprovalWaitDuration   prometheus.Histogram

	// Classification.
	ClassificationsTotal *prometheus.CounterVec

	// Request log pipeline.
	LogQueueDepth   prometheus.Gauge
	LogEntriesTotal prometheus.Counter
	LogDroppedTotal prometheus.Counter

	// HTTP gateway.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		StartupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castellan",
			Subsystem: "sandbox",
			Name:      "startups_total",
			Help:      "Total sandbox startup attempts.",
		}, []string{"status"}),

		StartupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "castellan",
			Subsystem: "sandbox",
			Name:      "startup_duration_seconds",
			Help:      "Sandbox startup duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),

		SandboxState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "castellan",
			Subsystem: "sandbox",
			Name:      "state",
			Help:      "Current sandbox lifecycle state as an ordinal.",
		}),

		ServerStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castellan",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Total MCP server start attempts.",
		}, []string{"server", "status"}),

		ServersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "castellan",
			Subsystem: "server",
			Name:      "running",
			Help:      "Number of MCP servers currently running.",
		}),

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castellan",
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool executions.",
		}, []string{"server", "tool", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "castellan",
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server", "tool"}),

		ApprovalDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castellan",
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Total approval gate decisions.",
		}, []string{"outcome"}),

		ApprovalWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "castellan",
			Subsystem: "approval",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for approval decisions.",
			Buckets:   []float64{0.001, 0.1, 1, 5, 30, 60, 300},
		}),

		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castellan",
			Subsystem: "classifier",
			Name:      "classifications_total",
			Help:      "Total tool classification attempts.",
		}, []string{"status"}),

		LogQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "castellan",
			Subsystem: "requestlog",
			Name:      "queue_depth",
			Help:      "Entries waiting in the request log write queue.",
		}),

		LogEntriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "castellan",
			Subsystem: "requestlog",
			Name:      "entries_total",
			Help:      "Total request log entries recorded.",
		}),

		LogDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "castellan",
			Subsystem: "requestlog",
			Name:      "dropped_total",
			Help:      "Request log entries dropped due to a full queue.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castellan",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "castellan",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "castellan",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "In-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.StartupsTotal,
		m.StartupDuration,
		m.SandboxState,
		m.ServerStartsTotal,
		m.ServersRunning,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.ApprovalDecisionsTotal,
		m.ApprovalWaitDuration,
		m.ClassificationsTotal,
		m.LogQueueDepth,
		m.LogEntriesTotal,
		m.LogDroppedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)
	return m
}
