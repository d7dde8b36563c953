package workfloweng

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oya-run/orchestrator/internal/handler"
	"github.com/oya-run/orchestrator/internal/idgen"
)

type fakeCheckpoints struct{ stored int }

func (f *fakeCheckpoints) Store(ctx context.Context, data []byte) (idgen.ID, error) {
	f.stored++
	return idgen.New(), nil
}

func TestRunCompletesAllPhasesInOrder(t *testing.T) {
	reg := handler.NewRegistry()
	var order []string
	reg.Register("fetch", handler.Func(func(ctx context.Context, pctx handler.Context) (handler.Output, error) {
		order = append(order, "fetch")
		return handler.Output{Data: []byte("fetched")}, nil
	}))
	reg.Register("build", handler.Func(func(ctx context.Context, pctx handler.Context) (handler.Output, error) {
		order = append(order, "build")
		return handler.Output{Data: []byte("built")}, nil
	}))

	e := New(reg, &fakeCheckpoints{}, nil)
	w := NewWorkflow([]Phase{{Name: "fetch"}, {Name: "build"}}, false)

	res := e.Run(context.Background(), w)
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %v, want Completed", res.Status)
	}
	if len(order) != 2 || order[0] != "fetch" || order[1] != "build" {
		t.Errorf("order = %v, want [fetch build]", order)
	}
	if string(res.Outputs["build"].Data) != "built" {
		t.Errorf("build output = %q, want built", res.Outputs["build"].Data)
	}
}

func TestRunAttachesElapsedDurationToSuccessfulOutput(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("fetch", handler.Func(func(ctx context.Context, pctx handler.Context) (handler.Output, error) {
		time.Sleep(time.Millisecond)
		return handler.Output{Data: []byte("fetched")}, nil
	}))

	e := New(reg, nil, nil)
	w := NewWorkflow([]Phase{{Name: "fetch"}}, false)

	res := e.Run(context.Background(), w)
	d, ok := res.Outputs["fetch"].Meta["duration"].(time.Duration)
	if !ok {
		t.Fatalf("Outputs[fetch].Meta[duration] = %v, want a time.Duration", res.Outputs["fetch"].Meta["duration"])
	}
	if d <= 0 {
		t.Errorf("duration = %v, want > 0", d)
	}
}

func TestNewWorkflowStartsPending(t *testing.T) {
	w := NewWorkflow([]Phase{{Name: "a"}}, false)
	if w.Status != StatusPending {
		t.Errorf("Status = %v, want Pending", w.Status)
	}
}

func TestRunFailsOnMissingHandler(t *testing.T) {
	reg := handler.NewRegistry()
	e := New(reg, nil, nil)
	w := NewWorkflow([]Phase{{Name: "unregistered"}}, false)

	res := e.Run(context.Background(), w)
	if res.Status != StatusFailed || res.Err == nil {
		t.Fatalf("Status=%v Err=%v, want Failed with HandlerNotFound", res.Status, res.Err)
	}
}

func TestRunRetriesUpToPhaseRetriesThenFails(t *testing.T) {
	reg := handler.NewRegistry()
	attempts := 0
	reg.Register("flaky", handler.Func(func(ctx context.Context, pctx handler.Context) (handler.Output, error) {
		attempts++
		return handler.Output{}, errors.New("always fails")
	}))

	e := New(reg, nil, nil)
	w := NewWorkflow([]Phase{{Name: "flaky", Retries: 2}}, false)

	res := e.Run(context.Background(), w)
	if res.Status != StatusFailed {
		t.Fatalf("Status = %v, want Failed", res.Status)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (retries=2 means 3 total attempts)", attempts)
	}
}

func TestRunEnforcesPhaseTimeout(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("slow", handler.Func(func(ctx context.Context, pctx handler.Context) (handler.Output, error) {
		select {
		case <-time.After(time.Second):
			return handler.Output{}, nil
		case <-ctx.Done():
			return handler.Output{}, ctx.Err()
		}
	}))

	e := New(reg, nil, nil)
	w := NewWorkflow([]Phase{{Name: "slow", Timeout: 10 * time.Millisecond}}, false)

	res := e.Run(context.Background(), w)
	if res.Status != StatusFailed {
		t.Fatalf("Status = %v, want Failed (phase should time out)", res.Status)
	}
}

func TestRunRollsBackCompletedPhasesInReverseOnFailure(t *testing.T) {
	reg := handler.NewRegistry()
	var rolledBack []string

	makeHandler := func(name string, fail bool) handler.Handler {
		return rollbackHandlerWrapper{
			exec: func(ctx context.Context, pctx handler.Context) (handler.Output, error) {
				if fail {
					return handler.Output{}, errors.New("boom")
				}
				return handler.Output{Data: []byte(name)}, nil
			},
			rollback: func(ctx context.Context, pctx handler.Context) error {
				rolledBack = append(rolledBack, name)
				return nil
			},
		}
	}

	reg.Register("a", makeHandler("a", false))
	reg.Register("b", makeHandler("b", false))
	reg.Register("c", makeHandler("c", true))

	e := New(reg, nil, nil)
	w := NewWorkflow([]Phase{{Name: "a"}, {Name: "b"}, {Name: "c"}}, true)
	w.RollbackOnFailure = true

	res := e.Run(context.Background(), w)
	if res.Status != StatusFailed {
		t.Fatalf("Status = %v, want Failed", res.Status)
	}
	if len(rolledBack) != 2 || rolledBack[0] != "b" || rolledBack[1] != "a" {
		t.Errorf("rolledBack = %v, want [b a] (reverse order)", rolledBack)
	}
}

func TestRewindClearsCheckpointsAfterTargetAndPauses(t *testing.T) {
	reg := handler.NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		n := name
		reg.Register(n, handler.Func(func(ctx context.Context, pctx handler.Context) (handler.Output, error) {
			return handler.Output{Data: []byte(n)}, nil
		}))
	}
	cp := &fakeCheckpoints{}
	e := New(reg, cp, nil)
	w := NewWorkflow([]Phase{{Name: "a"}, {Name: "b"}, {Name: "c"}}, false)
	e.Run(context.Background(), w)

	if err := w.Rewind(0, "bad output at phase b"); err != nil {
		t.Fatalf("Rewind() error = %v", err)
	}
	if w.Status != StatusPaused {
		t.Errorf("Status = %v, want Paused", w.Status)
	}
	if w.CurrentPhase != 1 {
		t.Errorf("CurrentPhase = %d, want 1", w.CurrentPhase)
	}
	if _, ok := w.checkpointPhase[0]; !ok || len(w.checkpointPhase) != 1 {
		t.Errorf("checkpointPhase = %v, want only phase 0's checkpoint after rewind to phase a", w.checkpointPhase)
	}
	if _, ok := w.Outputs["b"]; ok {
		t.Error("Outputs[b] survived rewind past phase a")
	}
	if _, ok := w.Outputs["c"]; ok {
		t.Error("Outputs[c] survived rewind past phase a")
	}
	if _, ok := w.Outputs["a"]; !ok {
		t.Error("Outputs[a] should survive rewind to phase a")
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	w := NewWorkflow([]Phase{{Name: "a"}}, false)
	if err := w.Resume(); err == nil {
		t.Fatal("Resume() on a non-Paused workflow should fail")
	}
	w.Status = StatusPaused
	if err := w.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if w.Status != StatusRunning {
		t.Errorf("Status = %v, want Running", w.Status)
	}
}

func TestReplayReconstructsOutputsFromJournal(t *testing.T) {
	out := handler.Output{Data: []byte("done")}
	journal := []JournalEntry{
		{Kind: JournalPhaseStarted, PhaseName: "a"},
		{Kind: JournalPhaseCompleted, PhaseName: "a", Output: &out},
	}
	outputs := Replay(journal)
	if string(outputs["a"].Data) != "done" {
		t.Errorf("Replay()[a] = %q, want done", outputs["a"].Data)
	}
}

type rollbackHandlerWrapper struct {
	exec     func(ctx context.Context, pctx handler.Context) (handler.Output, error)
	rollback func(ctx context.Context, pctx handler.Context) error
}

func (r rollbackHandlerWrapper) Execute(ctx context.Context, pctx handler.Context) (handler.Output, error) {
	return r.exec(ctx, pctx)
}
func (r rollbackHandlerWrapper) Rollback(ctx context.Context, pctx handler.Context) error {
	return r.rollback(ctx, pctx)
}
