// Package reconciler computes the diff between desired and actual bead
// state once per tick and applies the result through an action executor.
// It is stateless across ticks: every Tick call is a pure diff-then-apply
// step driven entirely by the desired state and snapshot it receives.
package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/oya-run/orchestrator/internal/beadstate"
	"github.com/oya-run/orchestrator/internal/eventlog"
	"github.com/oya-run/orchestrator/internal/projection"
)

// Config is the reconciler's per-tick configuration.
type Config struct {
	MaxConcurrent       int
	AutoStart           bool
	AutoRetry           bool
	MaxRetries          int
	DetectDeadWorkers   bool
	DeadWorkerThreshold time.Duration
	DetectStuckBeads    bool
	StuckBeadThreshold  time.Duration
	PublishRate         float64 // events/sec the EventExecutor may publish, 0 = unlimited
	PublishBurst        int
}

// DefaultConfig matches the design's named defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 10, AutoStart: true, AutoRetry: true, MaxRetries: 3,
		DetectDeadWorkers: true, DeadWorkerThreshold: 60 * time.Second,
		DetectStuckBeads: true, StuckBeadThreshold: 300 * time.Second,
		PublishRate: 100, PublishBurst: 20,
	}
}

// DesiredState maps bead identifiers to the spec they should exist with.
type DesiredState map[string]beadstate.Spec

// ActionKind names one of the seven ordered diff steps.
type ActionKind int

const (
	ActionCreate ActionKind = iota
	ActionDelete
	ActionSchedule
	ActionStart
	ActionRetry
	ActionRespawn
	ActionReschedule
)

func (k ActionKind) String() string {
	switch k {
	case ActionCreate:
		return "create"
	case ActionDelete:
		return "delete"
	case ActionSchedule:
		return "schedule"
	case ActionStart:
		return "start"
	case ActionRetry:
		return "retry"
	case ActionRespawn:
		return "respawn"
	case ActionReschedule:
		return "reschedule"
	default:
		return "unknown"
	}
}

// Action is one unit of reconciliation work: a single bead transitioning
// by one step.
type Action struct {
	Kind   ActionKind
	BeadID string
	Spec   beadstate.Spec // only set for ActionCreate
	Reason string         // only set for ActionRespawn
}

// ActionFailure pairs a failed action with its error; collected rather
// than aborting the tick.
type ActionFailure struct {
	Action Action
	Err    error
}

// Result is the outcome of one tick.
type Result struct {
	ActionsTaken  []Action
	ActionsFailed []ActionFailure
	DesiredCount  int
	ActualCount   int
	Converged     bool
}

// ActionExecutor applies a single Action. The default implementation
// publishes the corresponding event; callers needing different semantics
// (e.g. test doubles) supply their own.
type ActionExecutor interface {
	Execute(ctx context.Context, action Action) error
}

// EventExecutor is the default ActionExecutor: it publishes the event
// corresponding to each action kind. Publish throughput is capped
// by Limiter so a tick that plans a burst of actions (e.g. recovering from
// a long outage) doesn't flood the event bus faster than downstream
// subscribers and the store can keep up; a nil Limiter means unlimited.
type EventExecutor struct {
	Publish func(ctx context.Context, ev eventlog.Event) error
	Limiter *rate.Limiter
}

// NewEventExecutor builds an EventExecutor whose publish rate is capped at
// eventsPerSecond with a burst allowance of burst events. An
// eventsPerSecond of 0 or less leaves publishing unlimited (nil Limiter).
func NewEventExecutor(publish func(ctx context.Context, ev eventlog.Event) error, eventsPerSecond float64, burst int) EventExecutor {
	if eventsPerSecond <= 0 {
		return EventExecutor{Publish: publish}
	}
	return EventExecutor{Publish: publish, Limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burst)}
}

func (e EventExecutor) Execute(ctx context.Context, action Action) error {
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	switch action.Kind {
	case ActionCreate:
		return e.Publish(ctx, eventlog.Event{BeadID: action.BeadID, Variant: eventlog.Created, Timestamp: now, Spec: specPayload(action.Spec)})
	case ActionDelete:
		return e.Publish(ctx, eventlog.Event{BeadID: action.BeadID, Variant: eventlog.DeleteRequested, Timestamp: now})
	case ActionSchedule:
		return e.Publish(ctx, eventlog.Event{BeadID: action.BeadID, Variant: eventlog.StateChanged, From: "pending", To: "scheduled", Timestamp: now})
	case ActionStart:
		return e.Publish(ctx, eventlog.Event{BeadID: action.BeadID, Variant: eventlog.StateChanged, From: "ready", To: "running", Timestamp: now})
	case ActionRetry:
		return e.Publish(ctx, eventlog.Event{BeadID: action.BeadID, Variant: eventlog.StateChanged, From: "backing_off", To: "running", Timestamp: now})
	case ActionRespawn:
		return e.Publish(ctx, eventlog.Event{BeadID: action.BeadID, Variant: eventlog.RespawnRequested, Reason: action.Reason, Timestamp: now})
	case ActionReschedule:
		return e.Publish(ctx, eventlog.Event{BeadID: action.BeadID, Variant: eventlog.RescheduleRequested, Timestamp: now})
	}
	return nil
}

func specPayload(s beadstate.Spec) eventlog.SpecPayload {
	return eventlog.SpecPayload{
		Title: s.Title, Description: s.Description, DependsOn: s.DependsOn,
		Priority: s.Priority, Complexity: int(s.Complexity), Labels: s.Labels, Metadata: s.Metadata,
	}
}

// Reconciler holds configuration and an executor; it carries no bead
// state between ticks.
type Reconciler struct {
	cfg      Config
	executor ActionExecutor
}

// New constructs a Reconciler.
func New(cfg Config, executor ActionExecutor) *Reconciler {
	return &Reconciler{cfg: cfg, executor: executor}
}

// Tick computes the diff between desired and the actual snapshot, planning
// actions in a fixed order (Create, Delete, Schedule, Start, Retry,
// Respawn, Reschedule), and applies them through the executor
// concurrently (see executeAll), so completion order may differ.
func (r *Reconciler) Tick(ctx context.Context, desired DesiredState, snapshot map[string]*projection.BeadProjection) Result {
	var actions []Action

	actions = append(actions, r.planCreate(desired, snapshot)...)
	actions = append(actions, r.planDelete(desired, snapshot)...)
	actions = append(actions, r.planSchedule(snapshot)...)
	actions = append(actions, r.planStart(snapshot)...)
	actions = append(actions, r.planRetry(snapshot)...)

	respawn, reschedule := r.planRespawnAndReschedule(snapshot)
	actions = append(actions, respawn...)
	actions = append(actions, reschedule...)

	res := Result{
		DesiredCount: len(desired),
		ActualCount:  len(snapshot),
	}
	r.executeAll(ctx, actions, &res)
	res.Converged = len(res.ActionsTaken) == 0 && len(res.ActionsFailed) == 0
	return res
}

// executeAll runs every action concurrently, bounded by cfg.MaxConcurrent
// in-flight executor calls, so a suspended action (one the executor
// blocks on, e.g. a slow agent launcher) does not hold up independent
// actions in the same tick. Ordering within ActionsTaken/ActionsFailed is not
// meaningful across concurrent actions; callers needing the seven-step
// ordering relationship should look at Action.Kind, not slice position.
func (r *Reconciler) executeAll(ctx context.Context, actions []Action, res *Result) {
	limit := int64(r.cfg.MaxConcurrent)
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, action := range actions {
		action := action
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			res.ActionsFailed = append(res.ActionsFailed, ActionFailure{Action: action, Err: err})
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			err := r.executor.Execute(ctx, action)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.ActionsFailed = append(res.ActionsFailed, ActionFailure{Action: action, Err: err})
				return
			}
			res.ActionsTaken = append(res.ActionsTaken, action)
		}()
	}
	wg.Wait()
}

func (r *Reconciler) planCreate(desired DesiredState, snapshot map[string]*projection.BeadProjection) []Action {
	ids := sortedKeys(desired)
	var out []Action
	for _, id := range ids {
		if _, exists := snapshot[id]; !exists {
			out = append(out, Action{Kind: ActionCreate, BeadID: id, Spec: desired[id]})
		}
	}
	return out
}

func (r *Reconciler) planDelete(desired DesiredState, snapshot map[string]*projection.BeadProjection) []Action {
	orphans := projection.OrphanedBeads(snapshot, map[string]beadstate.Spec(desired))
	var out []Action
	for _, id := range orphans {
		out = append(out, Action{Kind: ActionDelete, BeadID: id})
	}
	return out
}

func (r *Reconciler) planSchedule(snapshot map[string]*projection.BeadProjection) []Action {
	var out []Action
	for _, id := range sortedProjectionKeys(snapshot) {
		p := snapshot[id]
		if p.Poisoned || p.CurrentState != beadstate.Pending {
			continue
		}
		if dependenciesSatisfied(p, snapshot) {
			out = append(out, Action{Kind: ActionSchedule, BeadID: id})
		}
	}
	return out
}

func (r *Reconciler) planStart(snapshot map[string]*projection.BeadProjection) []Action {
	if !r.cfg.AutoStart {
		return nil
	}
	slots := r.cfg.MaxConcurrent - projection.RunningCount(snapshot)
	if slots <= 0 {
		return nil
	}
	ready := projection.ReadyToRun(snapshot)
	if len(ready) > slots {
		ready = ready[:slots]
	}
	var out []Action
	for _, p := range ready {
		out = append(out, Action{Kind: ActionStart, BeadID: p.BeadID})
	}
	return out
}

func (r *Reconciler) planRetry(snapshot map[string]*projection.BeadProjection) []Action {
	if !r.cfg.AutoRetry {
		return nil
	}
	var out []Action
	for _, id := range sortedProjectionKeys(snapshot) {
		p := snapshot[id]
		if !p.Poisoned && p.CurrentState == beadstate.BackingOff {
			out = append(out, Action{Kind: ActionRetry, BeadID: id})
		}
	}
	return out
}

// planRespawnAndReschedule detects dead workers (Running, unclaimed, over
// threshold) and stuck beads (Running, claimed, over threshold). When both
// conditions would apply to the same bead, Respawn wins.
func (r *Reconciler) planRespawnAndReschedule(snapshot map[string]*projection.BeadProjection) (respawn, reschedule []Action) {
	now := time.Now().UTC()
	for _, id := range sortedProjectionKeys(snapshot) {
		p := snapshot[id]
		if p.Poisoned || p.CurrentState != beadstate.Running {
			continue
		}
		since := now.Sub(p.LastTransitionToRunning())
		if p.ClaimedBy == nil {
			if r.cfg.DetectDeadWorkers && since > r.cfg.DeadWorkerThreshold {
				reason := "worker missing for " + since.Round(time.Second).String()
				respawn = append(respawn, Action{Kind: ActionRespawn, BeadID: id, Reason: reason})
			}
			continue
		}
		if r.cfg.DetectStuckBeads && since > r.cfg.StuckBeadThreshold {
			reschedule = append(reschedule, Action{Kind: ActionReschedule, BeadID: id})
		}
	}
	return respawn, reschedule
}

func dependenciesSatisfied(p *projection.BeadProjection, snapshot map[string]*projection.BeadProjection) bool {
	for _, depID := range p.Spec.DependsOn {
		dep, ok := snapshot[depID]
		if !ok || dep.Poisoned || dep.CurrentState != beadstate.Completed {
			return false
		}
	}
	return true
}

func sortedKeys(desired DesiredState) []string {
	out := make([]string, 0, len(desired))
	for k := range desired {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedProjectionKeys(snapshot map[string]*projection.BeadProjection) []string {
	out := make([]string, 0, len(snapshot))
	for k := range snapshot {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
