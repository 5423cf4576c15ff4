// Package metrics exposes the governance engine's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "npa_governance"

// Collectors groups the service metrics. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	Transitions       *prometheus.CounterVec
	TransitionsDenied *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	LoopBacks         prometheus.Counter
	Escalations       *prometheus.CounterVec
	SweepFindings     *prometheus.CounterVec
	SweepErrors       *prometheus.CounterVec
	SweepDuration     prometheus.Histogram
	Classifications   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Duplicate
// registration is ignored so tests can build several services.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Applied proposal stage transitions.",
		}, []string{"from", "to"}),
		TransitionsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_denied_total",
			Help:      "Transitions rejected by a guard.",
		}, []string{"guard"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signoff_decisions_total",
			Help:      "Signoff decisions recorded.",
		}, []string{"decision"}),
		LoopBacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_backs_total",
			Help:      "Rework loop-backs created.",
		}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalations created, by trigger.",
		}, []string{"trigger"}),
		SweepFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_findings_total",
			Help:      "Rows flagged by the escalation sweep, by scan.",
		}, []string{"scan"}),
		SweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Per-row or per-scan sweep failures.",
		}, []string{"scan"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one escalation sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Classification results, by tier.",
		}, []string{"tier", "degraded"}),
	}

	if reg == nil {
		return c
	}
	for _, col := range []prometheus.Collector{
		c.Transitions, c.TransitionsDenied, c.Decisions, c.LoopBacks,
		c.Escalations, c.SweepFindings, c.SweepErrors, c.SweepDuration, c.Classifications,
	} {
		if err := reg.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
	return c
}

// Transition counts an applied stage change.
func (c *Collectors) Transition(from, to string) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(from, to).Inc()
}

// Denied counts a guard rejection.
func (c *Collectors) Denied(guard string) {
	if c == nil {
		return
	}
	c.TransitionsDenied.WithLabelValues(guard).Inc()
}

// Decision counts a signoff decision.
func (c *Collectors) Decision(decision string) {
	if c == nil {
		return
	}
	c.Decisions.WithLabelValues(decision).Inc()
}

// LoopBack counts a rework cycle.
func (c *Collectors) LoopBack() {
	if c == nil {
		return
	}
	c.LoopBacks.Inc()
}

// Escalation counts a created escalation.
func (c *Collectors) Escalation(trigger string) {
	if c == nil {
		return
	}
	c.Escalations.WithLabelValues(trigger).Inc()
}

// Finding counts n rows flagged by one sweep scan.
func (c *Collectors) Finding(scan string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.SweepFindings.WithLabelValues(scan).Add(float64(n))
}

// SweepError counts a sweep failure.
func (c *Collectors) SweepError(scan string) {
	if c == nil {
		return
	}
	c.SweepErrors.WithLabelValues(scan).Inc()
}

// ObserveSweep records sweep wall time.
func (c *Collectors) ObserveSweep(d time.Duration) {
	if c == nil {
		return
	}
	c.SweepDuration.Observe(d.Seconds())
}

// Classified counts a classification.
func (c *Collectors) Classified(tier string, degraded bool) {
	if c == nil {
		return
	}
	label := "false"
	if degraded {
		label = "true"
	}
	c.Classifications.WithLabelValues(tier, label).Inc()
}
