// Package metrics provides Prometheus metrics for pmkt: market operations,
// task lifecycle, settlement, ledger conservation and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/proofmarket/pmkt/internal/domain"
)

// ─── Operations ─────────────────────────────────────────────────────────────

// OpLatency tracks market operation duration in seconds, lock wait included.
var OpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "pmkt",
	Name:      "op_latency_seconds",
	Help:      "Market operation duration in seconds.",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
}, []string{"op"})

// OpRejections tracks operations that aborted, by error kind.
var OpRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pmkt",
	Name:      "op_rejections_total",
	Help:      "Total market operations rejected, by reason.",
}, []string{"op", "reason"})

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksCreated tracks submitted tasks by protocol.
var TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pmkt",
	Name:      "tasks_created_total",
	Help:      "Total tasks submitted.",
}, []string{"protocol"})

// TaskTransitions tracks lifecycle transitions by target status.
var TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pmkt",
	Name:      "task_status_transitions_total",
	Help:      "Total task status transitions, by new status.",
}, []string{"status"})

// TasksByStatus tracks the current number of tasks in each status.
var TasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "pmkt",
	Name:      "tasks",
	Help:      "Current number of tasks per status.",
}, []string{"status"})

// ─── Settlement ─────────────────────────────────────────────────────────────

// Settlements tracks pay and slash settlements; trigger is proof or deadline.
var Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pmkt",
	Name:      "settlements_total",
	Help:      "Total settlements, by kind and trigger.",
}, []string{"kind", "trigger"})

// CompensationClaims tracks paid-out compensation claims.
var CompensationClaims = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pmkt",
	Name:      "compensation_claims_total",
	Help:      "Total compensation claims paid out.",
})

// ExternalMovements tracks calls to the value-transfer collaborator.
var ExternalMovements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pmkt",
	Name:      "external_movements_total",
	Help:      "Total external debits and credits, by direction and outcome.",
}, []string{"direction", "outcome"})

// ─── Ledger ─────────────────────────────────────────────────────────────────

// LedgerConserved reports the conservation audit per asset (1=ok, 0=violated).
var LedgerConserved = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "pmkt",
	Name:      "ledger_conserved",
	Help:      "Ledger conservation audit per asset (1=ok, 0=violated).",
}, []string{"asset"})

// ─── Events ─────────────────────────────────────────────────────────────────

// EventsPublished tracks market notifications by kind.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pmkt",
	Name:      "events_published_total",
	Help:      "Total market events published.",
}, []string{"kind"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "pmkt",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pmkt",
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts per check.",
}, []string{"check"})

// ─── Sink ───────────────────────────────────────────────────────────────────

// Sink is an EventSink that counts events and lifecycle transitions.
type Sink struct{}

// Publish implements domain.EventSink.
func (Sink) Publish(ev domain.Event) {
	EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Kind == domain.EventTaskStatusChanged {
		TaskTransitions.WithLabelValues(string(ev.Status)).Inc()
	}
}

// ObserveAudit records a conservation report.
func ObserveAudit(report []domain.AssetAudit) {
	for _, a := range report {
		v := 0.0
		if a.OK {
			v = 1
		}
		LedgerConserved.WithLabelValues(string(a.Asset)).Set(v)
	}
}

// ObserveTaskStats records current per-status task counts.
func ObserveTaskStats(stats map[domain.TaskStatus]int) {
	for _, s := range []domain.TaskStatus{
		domain.TaskSubmitted, domain.TaskAssigned,
		domain.TaskVerifiedSuccess, domain.TaskVerifiedFailed,
	} {
		TasksByStatus.WithLabelValues(string(s)).Set(float64(stats[s]))
	}
}
