// Package metrics holds the Prometheus collectors shared by the state,
// monitor and audit subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StateTransitions counts transitions by action and result
	// (ok, refused, error).
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "integrity_state_transitions_total",
		Help: "State transitions applied by action and result",
	}, []string{"action", "result"})

	// ForwardProgress mirrors the in-memory forward-progress counter.
	ForwardProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "integrity_forward_progress_counter",
		Help: "Current forward-progress counter of this resource",
	})

	// MissedProgressCycles is the number of consecutive progress checks
	// that saw no change.
	MissedProgressCycles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "integrity_forward_progress_missed_cycles",
		Help: "Consecutive forward-progress checks without progress",
	})

	// DependencyFailures counts dependency-check failures by reason
	// (group, self_test).
	DependencyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "integrity_dependency_failures_total",
		Help: "Dependency checks that found an unhealthy group or a failed self test",
	}, []string{"reason"})

	// PeersDisabled counts peers disabled by the stale-peer audit.
	PeersDisabled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "integrity_state_audit_peers_disabled_total",
		Help: "Peers forcibly disabled because their progress record went stale",
	})

	// CheckErrors counts errors swallowed by monitor sub-checks.
	CheckErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "integrity_monitor_check_errors_total",
		Help: "Errors raised inside monitor sub-checks",
	}, []string{"check"})

	// Designated is 1 while this resource holds the audit designation.
	Designated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "integrity_audit_designated",
		Help: "1 when this resource holds the audit designation",
	})

	// AuditsRun counts replica audits by result.
	AuditsRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "integrity_audits_total",
		Help: "Replica audits run by result",
	}, []string{"result"})

	// AuditMismatches counts mismatches confirmed by the second pass.
	AuditMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "integrity_audit_mismatches_total",
		Help: "Records confirmed to differ between replicas",
	}, []string{"class", "peer"})

	// AuditDuration tracks how long a full audit takes.
	AuditDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "integrity_audit_duration_seconds",
		Help:    "Replica audit duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
)
