package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_jobs_enqueued_total", Help: "Operations accepted into the queue"})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_jobs_completed_total", Help: "Jobs finished successfully"})
	JobsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_jobs_failed_total", Help: "Jobs that ended failed"})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_jobs_cancelled_total", Help: "Jobs cancelled before completion"})
	JobsActive    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bridge_jobs_active", Help: "Jobs currently holding a session slot"})

	SessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bridge_sessions_open", Help: "Automated sessions currently established"})

	WSConnections     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bridge_ws_connections", Help: "Connected realtime clients"})
	HeartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_ws_heartbeat_timeouts_total", Help: "Realtime connections dropped for missing a heartbeat ack"})

	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_rate_limit_rejects_total", Help: "Enqueue requests rejected by the per-user limiter"})

	AttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_attempt_duration_seconds",
		Help:    "Wall time of job execution attempts",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"type"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			JobsActive,
			SessionsOpen,
			WSConnections,
			HeartbeatTimeouts,
			RateLimitRejects,
			AttemptDuration,
		)
	})
	return promhttp.Handler()
}
