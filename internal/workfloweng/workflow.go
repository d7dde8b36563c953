// Package workfloweng executes multi-phase workflows: ordered phase
// execution with per-phase retries/backoff/timeouts, checkpointing after
// each success, rollback on failure, and rewind/replay/resume for crash
// recovery.
package workfloweng

import (
	"context"
	"log/slog"
	"time"

	"github.com/oya-run/orchestrator/internal/handler"
	"github.com/oya-run/orchestrator/internal/idgen"
	"github.com/oya-run/orchestrator/internal/orcherrors"
)

// Status is a workflow's lifecycle stage.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Phase is one step of a Workflow.
type Phase struct {
	Name              string
	Retries           int
	Timeout           time.Duration
	RollbackOnFailure bool // not read by Engine.Run; rollback is governed by Workflow.RollbackOnFailure
}

// JournalKind tags a Journal entry.
type JournalKind int

const (
	JournalStateChanged JournalKind = iota
	JournalPhaseStarted
	JournalPhaseCompleted
	JournalPhaseFailed
	JournalCheckpointCreated
	JournalRewindInitiated
)

func (k JournalKind) String() string {
	switch k {
	case JournalStateChanged:
		return "state_changed"
	case JournalPhaseStarted:
		return "phase_started"
	case JournalPhaseCompleted:
		return "phase_completed"
	case JournalPhaseFailed:
		return "phase_failed"
	case JournalCheckpointCreated:
		return "checkpoint_created"
	case JournalRewindInitiated:
		return "rewind_initiated"
	default:
		return "unknown"
	}
}

// JournalEntry is one record in a workflow's append-only journal.
type JournalEntry struct {
	Kind         JournalKind
	PhaseName    string
	Timestamp    time.Time
	Output       *handler.Output
	Err          string
	CheckpointID idgen.ID
	TargetPhase  string
	Reason       string
}

// Workflow is a single instance being executed: its phase list, current
// position, and accumulated journal/outputs.
type Workflow struct {
	ID                idgen.ID
	Phases            []Phase
	CurrentPhase      int
	Status            Status
	RollbackOnFailure bool

	Journal []JournalEntry
	Outputs map[string]handler.Output

	// checkpointPhase records, for every phase index with a persisted
	// checkpoint, which checkpoint ID holds its output — needed by Rewind
	// to know which checkpoints to drop.
	checkpointPhase map[int]idgen.ID
}

// NewWorkflow constructs a fresh Workflow, not yet started, ready to run
// from phase 0.
func NewWorkflow(phases []Phase, rollbackOnFailure bool) *Workflow {
	return &Workflow{
		ID: idgen.NewMonotonic(), Phases: phases, Status: StatusPending,
		RollbackOnFailure: rollbackOnFailure,
		Outputs:           make(map[string]handler.Output), checkpointPhase: make(map[int]idgen.ID),
	}
}

// Result is returned once a workflow reaches a terminal state (Completed
// or Failed).
type Result struct {
	Status  Status
	Outputs map[string]handler.Output
	Err     error
}

// CheckpointStore is the subset of checkpoint storage the engine needs;
// kept narrow so tests can fake it without the full compression/SQLite
// stack.
type CheckpointStore interface {
	Store(ctx context.Context, data []byte) (idgen.ID, error)
}

// Engine executes workflows against a handler registry.
type Engine struct {
	registry   *handler.Registry
	checkpoint CheckpointStore
	log        *slog.Logger
}

// New constructs an Engine.
func New(registry *handler.Registry, checkpoint CheckpointStore, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{registry: registry, checkpoint: checkpoint, log: log}
}

// Run executes w's phases from w.CurrentPhase to completion, failure, or a
// context cancellation.
func (e *Engine) Run(ctx context.Context, w *Workflow) Result {
	if w.Status == StatusPending {
		w.Status = StatusRunning
	}
	for w.CurrentPhase < len(w.Phases) {
		phase := w.Phases[w.CurrentPhase]

		h := e.registry.Lookup(phase.Name)
		if h == nil {
			err := orcherrors.New(orcherrors.KindHandlerNotFound, "workfloweng.Run", "no handler registered for phase "+phase.Name)
			w.Status = StatusFailed
			return Result{Status: w.Status, Outputs: w.Outputs, Err: err}
		}

		w.Journal = append(w.Journal, JournalEntry{Kind: JournalPhaseStarted, PhaseName: phase.Name, Timestamp: now()})

		out, err := e.attemptPhase(ctx, h, phase)
		if err != nil {
			w.Journal = append(w.Journal, JournalEntry{Kind: JournalPhaseFailed, PhaseName: phase.Name, Timestamp: now(), Err: err.Error()})
			e.log.Error("phase failed", "workflow_id", w.ID.String(), "phase", phase.Name, "error", err)

			if w.RollbackOnFailure {
				e.rollback(ctx, w)
			}
			w.Status = StatusFailed
			return Result{Status: w.Status, Outputs: w.Outputs, Err: err}
		}

		w.Outputs[phase.Name] = out
		w.Journal = append(w.Journal, JournalEntry{Kind: JournalPhaseCompleted, PhaseName: phase.Name, Timestamp: now(), Output: &out})

		if e.checkpoint != nil {
			if id, cerr := e.checkpoint.Store(ctx, out.Data); cerr == nil {
				w.checkpointPhase[w.CurrentPhase] = id
				w.Journal = append(w.Journal, JournalEntry{Kind: JournalCheckpointCreated, PhaseName: phase.Name, Timestamp: now(), CheckpointID: id})
			} else {
				e.log.Warn("checkpoint store failed", "workflow_id", w.ID.String(), "phase", phase.Name, "error", cerr)
			}
		}

		w.CurrentPhase++
	}

	w.Status = StatusCompleted
	return Result{Status: w.Status, Outputs: w.Outputs}
}

// attemptPhase runs h up to phase.Retries+1 times, sleeping
// 100ms*2^(attempt-1) between attempts, each attempt bounded by
// phase.Timeout via runWithTimeout.
func (e *Engine) attemptPhase(ctx context.Context, h handler.Handler, phase Phase) (handler.Output, error) {
	var lastErr error
	maxAttempts := phase.Retries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptStart := time.Now()
		out, err := e.runWithTimeout(ctx, h, phase)
		if err == nil {
			if out.Meta == nil {
				out.Meta = make(map[string]any)
			}
			out.Meta["duration"] = time.Since(attemptStart)
			return out, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		backoff := time.Duration(100*(1<<uint(attempt-1))) * time.Millisecond
		select {
		case <-ctx.Done():
			return handler.Output{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return handler.Output{}, orcherrors.Wrap(orcherrors.KindMaxRetriesExceeded, "workfloweng.attemptPhase", "phase "+phase.Name+" exhausted retries", lastErr)
}

func (e *Engine) runWithTimeout(ctx context.Context, h handler.Handler, phase Phase) (handler.Output, error) {
	if phase.Timeout <= 0 {
		return h.Execute(ctx, handler.Context{})
	}
	tctx, cancel := context.WithTimeout(ctx, phase.Timeout)
	defer cancel()

	type result struct {
		out handler.Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.Execute(tctx, handler.Context{})
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-tctx.Done():
		return handler.Output{}, orcherrors.New(orcherrors.KindPhaseTimeout, "workfloweng.runWithTimeout", "phase "+phase.Name+" exceeded its timeout")
	}
}

// rollback invokes every already-completed phase's Rollback in reverse
// order, logging and continuing even if a rollback itself fails.
func (e *Engine) rollback(ctx context.Context, w *Workflow) {
	for i := w.CurrentPhase - 1; i >= 0; i-- {
		phase := w.Phases[i]
		h := e.registry.Lookup(phase.Name)
		rb, ok := h.(handler.Rollbacker)
		if !ok {
			continue
		}
		if err := rb.Rollback(ctx, handler.Context{}); err != nil {
			e.log.Error("rollback failed", "workflow_id", w.ID.String(), "phase", phase.Name, "error", err)
		}
	}
}

// Rewind clears every checkpoint recorded after targetPhaseIndex, sets
// CurrentPhase to targetPhaseIndex+1, transitions to Paused, and journals
// RewindInitiated.
func (w *Workflow) Rewind(targetPhaseIndex int, reason string) error {
	if targetPhaseIndex < 0 || targetPhaseIndex >= len(w.Phases) {
		return orcherrors.New(orcherrors.KindNotFound, "workfloweng.Rewind", "target phase index out of range")
	}
	for idx := range w.checkpointPhase {
		if idx > targetPhaseIndex {
			delete(w.checkpointPhase, idx)
		}
	}
	for name := range w.Outputs {
		for i, p := range w.Phases {
			if p.Name == name && i > targetPhaseIndex {
				delete(w.Outputs, name)
			}
		}
	}
	w.CurrentPhase = targetPhaseIndex + 1
	w.Status = StatusPaused
	w.Journal = append(w.Journal, JournalEntry{
		Kind: JournalRewindInitiated, Timestamp: now(),
		TargetPhase: w.Phases[targetPhaseIndex].Name, Reason: reason,
	})
	return nil
}

// Replay reconstructs phase outputs from the journal's PhaseCompleted
// entries without re-executing handlers — read-only recovery after a
// crash.
func Replay(journal []JournalEntry) map[string]handler.Output {
	outputs := make(map[string]handler.Output)
	for _, entry := range journal {
		if entry.Kind == JournalPhaseCompleted && entry.Output != nil {
			outputs[entry.PhaseName] = *entry.Output
		}
	}
	return outputs
}

// Resume transitions w from Paused to Running; the next Run call continues
// from w.CurrentPhase.
func (w *Workflow) Resume() error {
	if w.Status != StatusPaused {
		return orcherrors.New(orcherrors.KindInvalidTransition, "workfloweng.Resume", "workflow is not paused")
	}
	w.Status = StatusRunning
	return nil
}

func now() time.Time { return time.Now().UTC() }
