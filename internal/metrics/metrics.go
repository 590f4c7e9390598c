package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels for remote commands.
const (
	RemoteResultOK      = "ok"
	RemoteResultNonZero = "nonzero"
	RemoteResultError   = "error"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	workflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "craftd",
			Subsystem: "workflow",
			Name:      "duration_seconds",
			Help:      "Duration of start, stop and init workflows.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"workflow", "result"},
	)
	stepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "workflow",
			Name:      "step_failures_total",
			Help:      "Workflow steps that failed, tolerated or not.",
		}, []string{"workflow", "step"},
	)
	readinessPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "readiness",
			Name:      "polls_total",
			Help:      "Readiness checks by outcome.",
		}, []string{"outcome"},
	)
	remoteCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "remote",
			Name:      "commands_total",
			Help:      "Remote shell commands by result.",
		}, []string{"result"},
	)
	providerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Provider API requests by operation and result.",
		}, []string{"op", "result"},
	)
	scheduleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "schedule",
			Name:      "runs_total",
			Help:      "Scheduled job ticks by job and outcome (ok, error, skipped).",
		}, []string{"job", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{stateTransitions, currentState, workflowDuration, stepFailures, readinessPolls, remoteCommands, providerRequests, scheduleRuns}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentState.WithLabelValues(state).Set(value)
	}
}

func ObserveWorkflow(workflow string, ok bool, seconds float64) {
	if regOK.Load() {
		workflowDuration.WithLabelValues(workflow, resultLabel(ok)).Observe(seconds)
	}
}

func IncStepFailure(workflow, step string) {
	if regOK.Load() {
		stepFailures.WithLabelValues(workflow, step).Inc()
	}
}

func IncReadinessPoll(outcome string) {
	if regOK.Load() {
		readinessPolls.WithLabelValues(outcome).Inc()
	}
}

func IncRemoteCommand(result string) {
	if regOK.Load() {
		remoteCommands.WithLabelValues(result).Inc()
	}
}

func IncProviderRequest(op string, ok bool) {
	if regOK.Load() {
		providerRequests.WithLabelValues(op, resultLabel(ok)).Inc()
	}
}

func IncScheduleRun(job, outcome string) {
	if regOK.Load() {
		scheduleRuns.WithLabelValues(job, outcome).Inc()
	}
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
