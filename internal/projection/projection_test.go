package projection

import (
	"context"
	"testing"
	"time"

	"github.com/oya-run/orchestrator/internal/beadstate"
	"github.com/oya-run/orchestrator/internal/eventlog"
)

func TestFoldEmptyStreamIsPending(t *testing.T) {
	p := Fold("b1", nil)
	if p.CurrentState != beadstate.Pending {
		t.Errorf("CurrentState = %s, want pending", p.CurrentState)
	}
}

func TestFoldLastAcceptedTransitionWins(t *testing.T) {
	now := time.Now().UTC()
	events := []eventlog.Event{
		{BeadID: "b1", Variant: eventlog.Created, Timestamp: now, Spec: eventlog.SpecPayload{Title: "t"}},
		{BeadID: "b1", Variant: eventlog.StateChanged, From: "pending", To: "scheduled", Timestamp: now.Add(time.Second)},
		{BeadID: "b1", Variant: eventlog.StateChanged, From: "scheduled", To: "ready", Timestamp: now.Add(2 * time.Second)},
	}
	p := Fold("b1", events)
	if p.CurrentState != beadstate.Ready {
		t.Errorf("CurrentState = %s, want ready", p.CurrentState)
	}
	if p.Poisoned {
		t.Error("projection unexpectedly poisoned")
	}
	if len(p.History) != 2 {
		t.Errorf("len(History) = %d, want 2", len(p.History))
	}
}

func TestFoldRejectsMismatchedFromAndPoisons(t *testing.T) {
	events := []eventlog.Event{
		{BeadID: "b1", Variant: eventlog.Created},
		{BeadID: "b1", Variant: eventlog.StateChanged, From: "running", To: "suspended"}, // wrong: actual state is pending
	}
	p := Fold("b1", events)
	if !p.Poisoned {
		t.Fatal("expected projection to be poisoned")
	}
	if p.PoisonEvent == nil {
		t.Error("expected PoisonEvent to be recorded")
	}
}

func TestFoldClaimedClearedOnLeavingRunning(t *testing.T) {
	events := []eventlog.Event{
		{BeadID: "b1", Variant: eventlog.Created},
		{BeadID: "b1", Variant: eventlog.StateChanged, From: "pending", To: "scheduled"},
		{BeadID: "b1", Variant: eventlog.StateChanged, From: "scheduled", To: "ready"},
		{BeadID: "b1", Variant: eventlog.StateChanged, From: "ready", To: "running"},
		{BeadID: "b1", Variant: eventlog.Claimed, AgentID: "agent-1"},
		{BeadID: "b1", Variant: eventlog.StateChanged, From: "running", To: "suspended"},
	}
	p := Fold("b1", events)
	if p.ClaimedBy != nil {
		t.Errorf("ClaimedBy = %v, want nil after leaving Running", *p.ClaimedBy)
	}
}

func TestFoldCompletedRecordsResult(t *testing.T) {
	events := []eventlog.Event{
		{BeadID: "b1", Variant: eventlog.Created},
		{BeadID: "b1", Variant: eventlog.Completed, Result: eventlog.ResultPayload{Success: true, Output: []byte("ok")}},
	}
	p := Fold("b1", events)
	if p.CurrentState != beadstate.Completed {
		t.Errorf("CurrentState = %s, want completed", p.CurrentState)
	}
	if p.Result == nil || !p.Result.Success {
		t.Error("expected successful result recorded")
	}
}

func TestActualStateApplyIncremental(t *testing.T) {
	ctx := context.Background()
	a := NewActualState()

	if err := a.Apply(ctx, eventlog.Event{BeadID: "b1", Variant: eventlog.Created, Spec: eventlog.SpecPayload{Priority: 1}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := a.Apply(ctx, eventlog.Event{BeadID: "b1", Variant: eventlog.StateChanged, From: "pending", To: "scheduled"}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	p := a.Get("b1")
	if p == nil || p.CurrentState != beadstate.Scheduled {
		t.Fatalf("Get(b1) = %+v, want scheduled", p)
	}
}

func TestReadyToRunOrdersByPriorityThenOldestTransition(t *testing.T) {
	now := time.Now().UTC()
	snapshot := map[string]*BeadProjection{
		"low-pri-old": {
			BeadID: "low-pri-old", CurrentState: beadstate.Scheduled,
			Spec:    beadstate.Spec{Priority: 5},
			History: []Transition{{Timestamp: now.Add(-time.Hour)}},
		},
		"high-pri-new": {
			BeadID: "high-pri-new", CurrentState: beadstate.Scheduled,
			Spec:    beadstate.Spec{Priority: 1},
			History: []Transition{{Timestamp: now}},
		},
		"high-pri-old": {
			BeadID: "high-pri-old", CurrentState: beadstate.Scheduled,
			Spec:    beadstate.Spec{Priority: 1},
			History: []Transition{{Timestamp: now.Add(-time.Hour)}},
		},
		"not-scheduled": {
			BeadID: "not-scheduled", CurrentState: beadstate.Running,
			Spec: beadstate.Spec{Priority: 0},
		},
	}
	ready := ReadyToRun(snapshot)
	if len(ready) != 3 {
		t.Fatalf("len(ready) = %d, want 3", len(ready))
	}
	if ready[0].BeadID != "high-pri-old" || ready[1].BeadID != "high-pri-new" || ready[2].BeadID != "low-pri-old" {
		t.Errorf("order = [%s, %s, %s], want [high-pri-old, high-pri-new, low-pri-old]",
			ready[0].BeadID, ready[1].BeadID, ready[2].BeadID)
	}
}

func TestReadyToRunExcludesUnsatisfiedDependencies(t *testing.T) {
	snapshot := map[string]*BeadProjection{
		"dep": {BeadID: "dep", CurrentState: beadstate.Running},
		"b1":  {BeadID: "b1", CurrentState: beadstate.Scheduled, Spec: beadstate.Spec{DependsOn: []string{"dep"}}},
	}
	ready := ReadyToRun(snapshot)
	if len(ready) != 0 {
		t.Fatalf("len(ready) = %d, want 0 (dependency not completed)", len(ready))
	}
}

func TestOrphanedBeads(t *testing.T) {
	snapshot := map[string]*BeadProjection{
		"b1": {BeadID: "b1"},
		"b2": {BeadID: "b2"},
	}
	desired := map[string]beadstate.Spec{"b1": {}}
	orphans := OrphanedBeads(snapshot, desired)
	if len(orphans) != 1 || orphans[0] != "b2" {
		t.Errorf("OrphanedBeads() = %v, want [b2]", orphans)
	}
}

func TestRunningCount(t *testing.T) {
	snapshot := map[string]*BeadProjection{
		"b1": {CurrentState: beadstate.Running},
		"b2": {CurrentState: beadstate.Running},
		"b3": {CurrentState: beadstate.Scheduled},
	}
	if got := RunningCount(snapshot); got != 2 {
		t.Errorf("RunningCount() = %d, want 2", got)
	}
}
