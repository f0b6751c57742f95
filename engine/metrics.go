package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts engine decisions. A nil *Metrics records nothing.
type Metrics struct {
	transitions     *prometheus.CounterVec
	phantomDiscards *prometheus.CounterVec
	interrupts      *prometheus.CounterVec
	muteHandoffs    prometheus.Counter
	voiceSwaps      *prometheus.CounterVec
	toolTasks       *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	faults          *prometheus.CounterVec
	turns           *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_state_transitions_total",
			Help:      "Session status transitions",
		}, []string{"from", "to"}),
		phantomDiscards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_phantom_discards_total",
			Help:      "Responses discarded for lack of a validated transcript",
		}, []string{"reason"}),
		interrupts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_interrupts_total",
			Help:      "Cancelled in-flight responses",
		}, []string{"source"}),
		muteHandoffs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_mute_handoffs_total",
			Help:      "Forced commits on mute",
		}),
		voiceSwaps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_swaps_total",
			Help:      "Voice swaps by outcome",
		}, []string{"outcome"}),
		toolTasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_tool_tasks_total",
			Help:      "Tool tasks by kind and outcome",
		}, []string{"kind", "outcome"}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "voice_tool_task_duration_seconds",
			Help:      "Tool task duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		faults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_faults_total",
			Help:      "Faults by class",
		}, []string{"class"}),
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_turns_total",
			Help:      "Committed turns by role",
		}, []string{"role"}),
	}
}

func (m *Metrics) transition(from, to Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) phantom(reason string) {
	if m == nil {
		return
	}
	m.phantomDiscards.WithLabelValues(reason).Inc()
}

func (m *Metrics) interrupt(source string) {
	if m == nil {
		return
	}
	m.interrupts.WithLabelValues(source).Inc()
}

func (m *Metrics) muteHandoff() {
	if m == nil {
		return
	}
	m.muteHandoffs.Inc()
}

func (m *Metrics) voiceSwap(outcome string) {
	if m == nil {
		return
	}
	m.voiceSwaps.WithLabelValues(outcome).Inc()
}

func (m *Metrics) toolTask(kind ToolKind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolTasks.WithLabelValues(string(kind), outcome).Inc()
	m.toolDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) fault(class FaultClass) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(string(class)).Inc()
}

func (m *Metrics) turn(role Role) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(string(role)).Inc()
}
