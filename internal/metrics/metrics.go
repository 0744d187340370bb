package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Client WebSocket connections currently open.",
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Relay sessions by outcome.",
		},
		[]string{"outcome"},
	)

	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Lifetime of relay sessions.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Events relayed by direction and kind.",
		},
		[]string{"direction", "kind"},
	)

	chunkedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_chunked_events_total",
			Help: "Oversized events split before delivery, by kind.",
		},
		[]string{"kind"},
	)

	eventChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_event_chunks_total",
			Help: "Frames produced by splitting oversized events, by kind.",
		},
		[]string{"kind"},
	)

	credentialRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_credential_refresh_total",
			Help: "Credential refresh attempts by status.",
		},
		[]string{"status"},
	)

	backendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_backend_errors_total",
			Help: "Backend stream failures by operation.",
		},
		[]string{"op"},
	)

	dialRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_backend_dial_retries_total",
			Help: "Backend dial retries by error code.",
		},
		[]string{"reason"},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_job_runs_total",
			Help: "Background job runs by job and status.",
		},
		[]string{"job", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_job_duration_seconds",
			Help:    "Background job duration by job.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"job"},
	)
)

// Registry holds every relay collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		connectionsActive,
		sessionsTotal,
		sessionDuration,
		eventsTotal,
		chunkedEvents,
		eventChunks,
		credentialRefreshes,
		backendErrors,
		dialRetries,
		jobRuns,
		jobDuration,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func ConnectionOpened() { connectionsActive.Inc() }
func ConnectionClosed() { connectionsActive.Dec() }

// RecordSessionStart counts a start attempt; outcome is "started" or "failed".
func RecordSessionStart(outcome string) {
	sessionsTotal.WithLabelValues(outcome).Inc()
}

func RecordSessionEnd(d time.Duration) {
	sessionsTotal.WithLabelValues("ended").Inc()
	sessionDuration.Observe(d.Seconds())
}

func RecordEvent(direction, kind string) {
	eventsTotal.WithLabelValues(direction, kind).Inc()
}

func RecordChunkedEvent(kind string, chunks int) {
	chunkedEvents.WithLabelValues(kind).Inc()
	eventChunks.WithLabelValues(kind).Add(float64(chunks))
}

func RecordCredentialRefresh(status string) {
	credentialRefreshes.WithLabelValues(status).Inc()
}

func RecordBackendError(op string) {
	backendErrors.WithLabelValues(op).Inc()
}

func RecordDialRetry(reason string) {
	dialRetries.WithLabelValues(reason).Inc()
}

func RecordJobRun(job, status string, d time.Duration) {
	jobRuns.WithLabelValues(job, status).Inc()
	jobDuration.WithLabelValues(job).Observe(d.Seconds())
}
