// Package metrics collects process-wide counters and gauges for tick
// outcomes, replay throughput, and timer backlog, registered against a
// Prometheus registry and scraped through promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the orchestrator's Prometheus collectors, all namespaced
// "orchestrator". Counters are monotonic; gauges reflect the latest
// observed value.
type Registry struct {
	registry *prometheus.Registry

	ticksTotal          prometheus.Counter
	actionsTakenTotal   prometheus.Counter
	actionsFailedTotal  prometheus.Counter
	convergedTicksTotal prometheus.Counter
	replayAppliedTotal  prometheus.Counter
	replayDeadLetters   prometheus.Counter
	timersFiredTotal    prometheus.Counter
	timersPending       prometheus.Gauge
	subscriberFailures  prometheus.Counter
}

// New registers a fresh set of collectors against a new, isolated
// Prometheus registry (not the global DefaultRegisterer), so multiple
// Registry instances never collide in tests.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		ticksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator", Name: "ticks_total",
			Help: "Total number of reconciler ticks run.",
		}),
		actionsTakenTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator", Name: "actions_taken_total",
			Help: "Total number of reconciler actions executed successfully.",
		}),
		actionsFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator", Name: "actions_failed_total",
			Help: "Total number of reconciler actions that returned an error.",
		}),
		convergedTicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator", Name: "converged_ticks_total",
			Help: "Total number of ticks that took no action.",
		}),
		replayAppliedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator", Name: "replay_events_applied_total",
			Help: "Total number of events applied during replay.",
		}),
		replayDeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator", Name: "replay_dead_lettered_total",
			Help: "Total number of events routed to the dead-letter queue during replay.",
		}),
		timersFiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator", Name: "timers_fired_total",
			Help: "Total number of durable timers that fired.",
		}),
		timersPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator", Name: "timers_pending",
			Help: "Number of durable timers currently held in memory.",
		}),
		subscriberFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator", Name: "subscriber_failures_total",
			Help: "Total number of event bus subscriber invocations that returned an error.",
		}),
	}
}

// Gatherer exposes the underlying registry for a promhttp handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordTick updates the reconciler-derived counters with one tick's result.
func (r *Registry) RecordTick(actionsTaken, actionsFailed int, converged bool) {
	r.ticksTotal.Inc()
	r.actionsTakenTotal.Add(float64(actionsTaken))
	r.actionsFailedTotal.Add(float64(actionsFailed))
	if converged {
		r.convergedTicksTotal.Inc()
	}
}

// RecordReplay updates replay throughput counters.
func (r *Registry) RecordReplay(applied, deadLettered int) {
	r.replayAppliedTotal.Add(float64(applied))
	r.replayDeadLetters.Add(float64(deadLettered))
}

// RecordTimerFired increments the fired-timer counter.
func (r *Registry) RecordTimerFired() {
	r.timersFiredTotal.Inc()
}

// SetTimersPending sets the current timer backlog gauge.
func (r *Registry) SetTimersPending(n int) {
	r.timersPending.Set(float64(n))
}

// RecordSubscriberFailure increments the bus subscriber-failure counter.
func (r *Registry) RecordSubscriberFailure() {
	r.subscriberFailures.Inc()
}
