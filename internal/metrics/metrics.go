// Package metrics exposes Prometheus collectors for the incident pipeline.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors
type Metrics struct {
	incidentsTotal      *prometheus.CounterVec
	escalationsTotal    *prometheus.CounterVec
	duplicatesFlagged   prometheus.Counter
	ussdTurnsTotal      *prometheus.CounterVec
	notificationsTotal  *prometheus.CounterVec
	notificationsQueued prometheus.Gauge
	rateLimitErrors     prometheus.Counter
	lockFallbacks       prometheus.Counter
	jobRunsTotal        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		incidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incident_reports_total",
			Help: "Incidents created, by channel and type.",
		}, []string{"channel", "type"}),
		escalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incident_escalations_total",
			Help: "Escalations applied, by source (rule, default, manual) and level.",
		}, []string{"source", "level"}),
		duplicatesFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "incident_duplicates_flagged_total",
			Help: "Incidents that matched at least one recent duplicate.",
		}),
		ussdTurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incident_ussd_turns_total",
			Help: "USSD turns handled, by resulting state.",
		}, []string{"state"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incident_notifications_total",
			Help: "Notification delivery outcomes.",
		}, []string{"outcome"}),
		notificationsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "incident_notifications_queued",
			Help: "Notifications waiting in the outbox after failed delivery.",
		}),
		rateLimitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "incident_rate_limiter_errors_total",
			Help: "Rate limiter infrastructure errors (requests were allowed).",
		}),
		lockFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "incident_lock_fallbacks_total",
			Help: "Session lock acquisitions that fell back to an in-process lock.",
		}),
		jobRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incident_job_runs_total",
			Help: "Background job runs, by job and outcome.",
		}, []string{"job", "outcome"}),
	}

	reg.MustRegister(
		m.incidentsTotal, m.escalationsTotal, m.duplicatesFlagged, m.ussdTurnsTotal,
		m.notificationsTotal, m.notificationsQueued, m.rateLimitErrors, m.lockFallbacks, m.jobRunsTotal,
	)
	return m
}

// IncidentCreated counts a new incident
func (m *Metrics) IncidentCreated(channel, typ string) {
	if m == nil {
		return
	}
	m.incidentsTotal.WithLabelValues(channel, typ).Inc()
}

// Escalated counts an applied escalation
func (m *Metrics) Escalated(source string, level int) {
	if m == nil {
		return
	}
	m.escalationsTotal.WithLabelValues(source, levelLabel(level)).Inc()
}

// DuplicateFlagged counts an incident with duplicates
func (m *Metrics) DuplicateFlagged() {
	if m == nil {
		return
	}
	m.duplicatesFlagged.Inc()
}

// USSDTurn counts a handled USSD turn
func (m *Metrics) USSDTurn(state string) {
	if m == nil {
		return
	}
	m.ussdTurnsTotal.WithLabelValues(state).Inc()
}

// Notification counts a delivery outcome: sent, retried, queued or dropped
func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(outcome).Inc()
}

// SetQueued sets the outbox size
func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.notificationsQueued.Set(float64(n))
}

// RateLimitError counts a limiter outage that failed open
func (m *Metrics) RateLimitError() {
	if m == nil {
		return
	}
	m.rateLimitErrors.Inc()
}

// LockFallback counts a lock backend outage answered by the local lock
func (m *Metrics) LockFallback() {
	if m == nil {
		return
	}
	m.lockFallbacks.Inc()
}

// JobRun counts a background job execution
func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.jobRunsTotal.WithLabelValues(job, outcome).Inc()
}

func levelLabel(level int) string {
	if level < 0 || level > 9 {
		return "other"
	}
	return string(rune('0' + level))
}
