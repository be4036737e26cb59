package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StageBuckets cover in-process checks, from 10µs to 100ms
var StageBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}

// Metrics holds the gatekeeper's Prometheus collectors
type Metrics struct {
	// DecisionsTotal counts pipeline outcomes by route, outcome and deny kind.
	DecisionsTotal *prometheus.CounterVec

	// StageDuration records time spent in each pipeline stage.
	StageDuration *prometheus.HistogramVec

	// AuditDroppedTotal counts audit records that did not reach the sink.
	AuditDroppedTotal *prometheus.CounterVec

	// PermissionRefreshTotal counts role mapping refreshes by result.
	PermissionRefreshTotal *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_decisions_total",
				Help: "Gated requests by route, outcome and deny kind",
			},
			[]string{"route", "outcome", "kind"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_stage_duration_seconds",
				Help:    "Pipeline stage duration",
				Buckets: StageBuckets,
			},
			[]string{"stage"},
		),
		AuditDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_audit_dropped_total",
				Help: "Audit records written to the fallback log instead of the sink",
			},
			[]string{"reason"},
		),
		PermissionRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_permission_refresh_total",
				Help: "Role mapping refreshes",
			},
			[]string{"result"},
		),
		registerer: reg,
	}

	reg.MustRegister(m.DecisionsTotal, m.StageDuration, m.AuditDroppedTotal, m.PermissionRefreshTotal)
	return m
}

// RecordDecision counts one pipeline outcome
func (m *Metrics) RecordDecision(route, outcome, kind string) {
	m.DecisionsTotal.WithLabelValues(route, outcome, kind).Inc()
}

// ObserveStage records how long a stage took
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// AuditDropped counts a record that went to the fallback log
func (m *Metrics) AuditDropped(reason string) {
	m.AuditDroppedTotal.WithLabelValues(reason).Inc()
}

// PermissionRefreshed counts a refresh attempt
func (m *Metrics) PermissionRefreshed(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.PermissionRefreshTotal.WithLabelValues(result).Inc()
}

// RegisterBucketGauge exposes the live rate limit bucket count read from fn
func (m *Metrics) RegisterBucketGauge(fn func() int) {
	m.registerer.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "gatekeeper_ratelimit_buckets",
			Help: "Live in-memory rate limit buckets",
		},
		func() float64 { return float64(fn()) },
	))
}
