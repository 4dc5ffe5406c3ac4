package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once       sync.Once
	collectors []prometheus.Collector
)

var (
	pollAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translation_poll_attempts_total",
			Help: "Translation status checks made while polling, by outcome.",
		},
		[]string{"outcome"}, // ready, pending, failed, transport_error
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewer_sessions_total",
			Help: "Viewer sessions by terminal state.",
		},
		[]string{"state"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "viewer_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30, 60, 150},
		},
		[]string{"stage", "success"},
	)

	sdkLoads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "viewer_sdk_loads_total",
			Help: "Times the viewer SDK asset bundle was injected.",
		},
	)

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translation_jobs_processed_total",
			Help: "Queued translation requests processed, by status.",
		},
		[]string{"status"}, // completed, retried, failed
	)
)

func init() {
	register(pollAttempts, sessionsTotal, stageDuration, sdkLoads, jobsProcessed)
}

func register(cs ...prometheus.Collector) {
	collectors = append(collectors, cs...)
}

// MustRegister registers all collectors with the default registry exactly once.
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(collectors...)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func IncPollAttempt(outcome string) {
	pollAttempts.WithLabelValues(norm(outcome)).Inc()
}

func IncSession(state string) {
	sessionsTotal.WithLabelValues(norm(state)).Inc()
}

func ObserveStage(stage string, d time.Duration, success bool) {
	s := "false"
	if success {
		s = "true"
	}
	stageDuration.WithLabelValues(norm(stage), s).Observe(d.Seconds())
}

func IncSDKLoad() { sdkLoads.Inc() }

func IncJob(status string) {
	jobsProcessed.WithLabelValues(norm(status)).Inc()
}
