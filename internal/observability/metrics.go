package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's prometheus collectors. All methods are safe on
// a nil receiver.
type Metrics struct {
	registry      *prometheus.Registry
	jobs          *prometheus.CounterVec
	inFlight      prometheus.Gauge
	stepDuration  *prometheus.HistogramVec
	toolCalls     *prometheus.CounterVec
	rotations     *prometheus.CounterVec
	mediaRejected *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_jobs_total",
			Help: "Finished generation jobs by content variant and status.",
		}, []string{"variant", "status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_jobs_in_flight",
			Help: "Generation jobs currently running.",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scribe_step_duration_seconds",
			Help:    "Plan step execution time.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"step"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_tool_calls_total",
			Help: "Tool dispatches by tool and outcome.",
		}, []string{"tool", "outcome"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_key_rotations_total",
			Help: "Credential rotation attempts by result.",
		}, []string{"result"}),
		mediaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_media_rejected_total",
			Help: "Media references rejected before publishing, by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		m.jobs, m.inFlight, m.stepDuration, m.toolCalls, m.rotations, m.mediaRejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) JobFinished(variant, status string) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.jobs.WithLabelValues(variant, status).Inc()
}

func (m *Metrics) StepFinished(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) Rotation(result string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(result).Inc()
}

func (m *Metrics) MediaRejected(reason string) {
	if m == nil {
		return
	}
	m.mediaRejected.WithLabelValues(reason).Inc()
}
