// Package metrics exposes worker counters and gauges for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcome label values
const (
	OutcomeCompleted  = "completed"
	OutcomeFailed     = "failed"
	OutcomeRetried    = "retried"
	OutcomeSkipped    = "skipped"
	OutcomeReleased   = "released"
	OutcomeDeadLetter = "dead_letter"
)

// Metrics holds the worker collectors, all registered on one registry
type Metrics struct {
	registry      *prometheus.Registry
	inflight      prometheus.Gauge
	jobs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	encoderPath   *prometheus.CounterVec
	deadLetters   prometheus.Counter
}

// New creates the collectors on a fresh registry, along with the Go runtime
// and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcode_jobs_inflight",
			Help: "Jobs currently holding an admission slot",
		}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_jobs_total",
			Help: "Jobs finished, by outcome and the stage they finished in",
		}, []string{"outcome", "stage"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcode_stage_duration_seconds",
			Help:    "Wall-clock time spent per pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2.5, 12),
		}, []string{"stage"}),
		encoderPath: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_encoder_path_total",
			Help: "Renditions produced, by encoder path",
		}, []string{"path"}),
		deadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcode_dead_letters_total",
			Help: "Failure signals routed to the dead-letter channel",
		}),
	}
}

// ObserveSessions exposes the in-use count of the hardware session gate
func (m *Metrics) ObserveSessions(inUse func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "transcode_hw_sessions_inuse",
		Help: "Hardware encoder sessions currently open on this node",
	}, func() float64 { return float64(inUse()) })
}

func (m *Metrics) JobAdmitted() {
	m.inflight.Inc()
}

// JobFinished releases the in-flight count and records the outcome
func (m *Metrics) JobFinished(outcome string, stage domain.Stage) {
	m.inflight.Dec()
	m.jobs.WithLabelValues(outcome, string(stage)).Inc()
}

func (m *Metrics) StageFinished(stage domain.Stage, d time.Duration) {
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (m *Metrics) EncoderUsed(path domain.EncoderPath) {
	m.encoderPath.WithLabelValues(string(path)).Inc()
}

func (m *Metrics) DeadLettered() {
	m.deadLetters.Inc()
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
