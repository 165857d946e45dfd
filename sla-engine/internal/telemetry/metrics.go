// Package telemetry holds the Prometheus instruments of the SLA engine.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Evaluations     *prometheus.CounterVec
	Escalations     *prometheus.CounterVec
	ActionResults   *prometheus.CounterVec
	ActionLatency   *prometheus.HistogramVec
	LockContentions prometheus.Counter
	WebhookBreaker  *prometheus.GaugeVec
}

// New builds the metric set and registers it with reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_compliance_evaluations_total",
			Help: "SLA compliance evaluations by resulting status",
		}, []string{"status"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_escalations_total",
			Help: "Escalation events recorded",
		}, []string{"trigger_type", "triggered_by", "level"}),
		ActionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_escalation_actions_total",
			Help: "Escalation actions executed by type and result",
		}, []string{"action_type", "result"}),
		ActionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sla_escalation_action_duration_seconds",
			Help:    "Escalation action execution latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"action_type"}),
		LockContentions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sla_escalation_lock_contentions_total",
			Help: "Escalation attempts skipped because another evaluation held the instance lock",
		}),
		WebhookBreaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sla_webhook_circuit_state",
			Help: "Webhook circuit breaker state per host (0 closed, 1 half-open, 2 open)",
		}, []string{"host"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Evaluations,
			m.Escalations,
			m.ActionResults,
			m.ActionLatency,
			m.LockContentions,
			m.WebhookBreaker,
		)
	}
	return m
}

func (m *Metrics) ObserveEvaluation(status string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveEscalation(triggerType, triggeredBy string, level int) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(triggerType, triggeredBy, levelLabel(level)).Inc()
}

func (m *Metrics) ObserveAction(actionType string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.ActionResults.WithLabelValues(actionType, result).Inc()
	m.ActionLatency.WithLabelValues(actionType).Observe(d.Seconds())
}

func (m *Metrics) ObserveLockContention() {
	if m == nil {
		return
	}
	m.LockContentions.Inc()
}

func (m *Metrics) SetBreakerState(host string, state int) {
	if m == nil {
		return
	}
	m.WebhookBreaker.WithLabelValues(host).Set(float64(state))
}

func levelLabel(level int) string {
	if level < 1 || level > 9 {
		return "other"
	}
	return string(rune('0' + level))
}
