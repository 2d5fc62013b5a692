// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the relay service.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter

	// Worker metrics
	WorkerSpawns        prometheus.Counter
	WorkerSpawnFailures prometheus.Counter
	WorkerTimeouts      prometheus.Counter
	WorkerExits         *prometheus.CounterVec

	// Output metrics
	ResultsReceived prometheus.Counter
	ParseErrors     prometheus.Counter
	Diagnostics     prometheus.Counter
	ResultsDropped  prometheus.Counter

	// Push metrics
	PushConnections   prometheus.Gauge
	BroadcastFrames   prometheus.Counter
	BroadcastFailures prometheus.Counter

	// HTTP API metrics
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry so several instances
// can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamrelay_active_sessions",
			Help: "Number of sessions currently registered",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_sessions_ended_total",
			Help: "Total number of sessions torn down",
		}),

		WorkerSpawns: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_worker_spawns_total",
			Help: "Total number of worker processes launched",
		}),
		WorkerSpawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_worker_spawn_failures_total",
			Help: "Total number of worker processes that failed to launch",
		}),
		WorkerTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_worker_timeouts_total",
			Help: "Total number of workers terminated by the lifetime timeout",
		}),
		WorkerExits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamrelay_worker_exits_total",
			Help: "Total number of worker exits by outcome",
		}, []string{"outcome"}),

		ResultsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_results_received_total",
			Help: "Total number of structured results parsed from worker output",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_parse_errors_total",
			Help: "Total number of worker output lines that failed to parse",
		}),
		Diagnostics: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_worker_diagnostics_total",
			Help: "Total number of diagnostic chunks read from worker stderr",
		}),
		ResultsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_results_evicted_total",
			Help: "Total number of cached results evicted by the per-session bound",
		}),

		PushConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamrelay_push_connections",
			Help: "Number of open push connections",
		}),
		BroadcastFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_broadcast_frames_total",
			Help: "Total number of frames handed to push connections",
		}),
		BroadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_broadcast_failures_total",
			Help: "Total number of frames a push connection could not accept",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
	}
}

// Handler returns the HTTP handler exposing this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
