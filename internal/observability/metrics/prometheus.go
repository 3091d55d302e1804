// Package metrics provides Prometheus metrics for the visit note engine.
// Every recording method is safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	AutosaveWrites        *prometheus.CounterVec
	AutosaveUnsaved       prometheus.Gauge
	RestoreOutcomes       *prometheus.CounterVec
	DictationsClassified  *prometheus.CounterVec
	Summarizations        *prometheus.CounterVec
	Syntheses             *prometheus.CounterVec
	SectionsOverlaid      prometheus.Counter
	NotesSigned           prometheus.Counter
	SignRejected          prometheus.Counter
	CollaboratorDuration  *prometheus.HistogramVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	AIJobQueueDepth       prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		AutosaveWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autosave_writes_total",
			Help: "Debounced autosave attempts by outcome (written, dropped, failed)",
		}, []string{"outcome"}),
		AutosaveUnsaved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autosave_unsaved",
			Help: "1 while the session holds edits not yet written locally",
		}),
		RestoreOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autosave_restores_total",
			Help: "Restore attempts by outcome",
		}, []string{"outcome"}),
		DictationsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dictations_classified_total",
			Help: "Completed dictations by prep category",
		}, []string{"category"}),
		Summarizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chart_prep_summarizations_total",
			Help: "Chart prep summarizations by outcome",
		}, []string{"outcome"}),
		Syntheses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "note_syntheses_total",
			Help: "Note synthesis requests by outcome",
		}, []string{"outcome"}),
		SectionsOverlaid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "note_sections_overlaid_total",
			Help: "Sections replaced by synthesized content",
		}),
		NotesSigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notes_signed_total",
			Help: "Notes signed",
		}),
		SignRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "note_sign_rejected_total",
			Help: "Sign attempts rejected by the verification gate",
		}),
		CollaboratorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collaborator_request_duration_seconds",
			Help:    "AI collaborator call duration",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		}, []string{"service"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		AIJobQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ai_job_queue_depth",
			Help: "Background AI jobs waiting for a worker",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.AutosaveWrites,
		m.AutosaveUnsaved,
		m.RestoreOutcomes,
		m.DictationsClassified,
		m.Summarizations,
		m.Syntheses,
		m.SectionsOverlaid,
		m.NotesSigned,
		m.SignRejected,
		m.CollaboratorDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.AIJobQueueDepth,
		m.CircuitBreakerState,
	)

	return m
}

// AutosaveWrite counts one fired autosave
func (m *Metrics) AutosaveWrite(outcome string) {
	if m == nil {
		return
	}
	m.AutosaveWrites.WithLabelValues(outcome).Inc()
}

// SetUnsaved mirrors the autosave status
func (m *Metrics) SetUnsaved(unsaved bool) {
	if m == nil {
		return
	}
	if unsaved {
		m.AutosaveUnsaved.Set(1)
		return
	}
	m.AutosaveUnsaved.Set(0)
}

// Restore counts one restore attempt
func (m *Metrics) Restore(outcome string) {
	if m == nil {
		return
	}
	m.RestoreOutcomes.WithLabelValues(outcome).Inc()
}

// Dictation counts one classified dictation
func (m *Metrics) Dictation(category string) {
	if m == nil {
		return
	}
	m.DictationsClassified.WithLabelValues(category).Inc()
}

// Summarization counts one summarizer round trip
func (m *Metrics) Summarization(outcome string) {
	if m == nil {
		return
	}
	m.Summarizations.WithLabelValues(outcome).Inc()
}

// Synthesis counts one synthesizer round trip
func (m *Metrics) Synthesis(outcome string) {
	if m == nil {
		return
	}
	m.Syntheses.WithLabelValues(outcome).Inc()
}

// Overlaid counts replaced sections
func (m *Metrics) Overlaid(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SectionsOverlaid.Add(float64(n))
}

// Signed counts a signed note
func (m *Metrics) Signed() {
	if m == nil {
		return
	}
	m.NotesSigned.Inc()
}

// Rejected counts a sign attempt blocked by the gate
func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.SignRejected.Inc()
}

// ObserveCollaborator records how long a collaborator call took
func (m *Metrics) ObserveCollaborator(service string, d time.Duration) {
	if m == nil {
		return
	}
	m.CollaboratorDuration.WithLabelValues(service).Observe(d.Seconds())
}

// Produced counts a published Kafka record
func (m *Metrics) Produced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// Consumed counts a consumed Kafka record
func (m *Metrics) Consumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// SetQueueDepth records the AI job backlog
func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.AIJobQueueDepth.Set(float64(n))
}

// BreakerState records a circuit breaker transition
func (m *Metrics) BreakerState(name, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for g, or the default
// gatherer's when g is nil
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
