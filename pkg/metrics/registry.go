// Package metrics defines the bounded-cardinality Prometheus instruments
// exposed by the gateway. Every label set is fixed and enumerated up front;
// none of the documented forbidden identifiers (tenant_id, patient_id,
// request_id, tool, role, user_id, session_id) may ever become a label,
// since a single misbehaving tenant or patient would otherwise blow up
// series cardinality on a shared metrics backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every instrument the orchestrator touches per request.
type Registry struct {
	VerifyTotal         prometheus.Counter
	VerifyDecisionTotal *prometheus.CounterVec
	ReplayHitTotal      prometheus.Counter
	ReplayMismatchTotal prometheus.Counter
	ReplayConcurrent    prometheus.Counter
	FailClosedTotal     *prometheus.CounterVec
	RateLimitDenyTotal  prometheus.Counter
	OPAErrorTotal       *prometheus.CounterVec
	VerifyInFlight      prometheus.Gauge
	VerifyDuration      prometheus.Histogram
}

// durationBuckets matches the documented histogram buckets exactly.
var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5}

// New constructs a Registry and registers every instrument against reg.
// Passing prometheus.NewRegistry() keeps tests isolated from the global
// default registry; cmd/verigate does the same and serves that registry
// through promhttp.HandlerFor.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		VerifyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verify_total",
			Help: "Total number of verification requests processed.",
		}),
		VerifyDecisionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verify_decision_total",
			Help: "Total verification requests by terminal decision.",
		}, []string{"decision"}),
		ReplayHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_hit_total",
			Help: "Total requests served from the anti-replay cache without re-running the pipeline.",
		}),
		ReplayMismatchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_mismatch_total",
			Help: "Total requests denied due to a reused request_id carrying a different payload.",
		}),
		ReplayConcurrent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_concurrent_total",
			Help: "Total requests denied because another in-flight call already owns the request_id.",
		}),
		FailClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fail_closed_total",
			Help: "Total fail-closed denials by triggering collaborator.",
		}, []string{"trigger"}),
		RateLimitDenyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rate_limit_deny_total",
			Help: "Total requests denied by the per-subject rate limiter.",
		}),
		OPAErrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opa_error_total",
			Help: "Total policy engine call failures by classified kind.",
		}, []string{"kind"}),
		VerifyInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "verify_in_flight",
			Help: "Number of verification requests currently being processed.",
		}),
		VerifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "verify_duration_seconds",
			Help:    "End-to-end verification request latency in seconds.",
			Buckets: durationBuckets,
		}),
	}

	reg.MustRegister(
		r.VerifyTotal,
		r.VerifyDecisionTotal,
		r.ReplayHitTotal,
		r.ReplayMismatchTotal,
		r.ReplayConcurrent,
		r.FailClosedTotal,
		r.RateLimitDenyTotal,
		r.OPAErrorTotal,
		r.VerifyInFlight,
		r.VerifyDuration,
	)

	return r
}

// FailClosedTriggers enumerates the only valid values for the trigger
// label, matching the documented bound.
const (
	TriggerRedis    = "redis"
	TriggerOPA      = "opa"
	TriggerRules    = "rules"
	TriggerPostgres = "postgres"
)

// Decisions enumerates the only valid values for the decision label.
const (
	DecisionAllow = "ALLOW"
	DecisionDeny  = "DENY"
)

// OPAErrorKinds enumerates the only valid values for the kind label.
const (
	KindTimeout     = "timeout"
	KindUnavailable = "unavailable"
	KindBadStatus   = "bad_status"
	KindBadResponse = "bad_response"
)
