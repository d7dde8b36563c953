// Package projection folds event streams into per-bead state and
// aggregates projections into the live ActualState used by the reconciler.
// Projections are pure folds: they never schedule I/O, which is what makes
// them cheap to recompute and trivial to test.
package projection

import (
	"time"

	"github.com/oya-run/orchestrator/internal/beadstate"
	"github.com/oya-run/orchestrator/internal/eventlog"
)

// Transition records one accepted state change with its timestamp.
type Transition struct {
	From, To  beadstate.State
	Reason    string
	Timestamp time.Time
}

// BeadProjection is the current state of a bead reconstructed by folding its
// event stream.
type BeadProjection struct {
	BeadID        string
	Spec          beadstate.Spec
	CurrentState  beadstate.State
	ClaimedBy     *string
	History       []Transition
	LastHeartbeat time.Time
	Result        *eventlog.ResultPayload

	// Poisoned is set when an event's application would violate an
	// invariant (most commonly a StateChanged whose from disagrees with
	// CurrentState). A poisoned projection is diverted rather than silently
	// dropped: reconciliation and ready_to_run both skip it.
	Poisoned    bool
	PoisonEvent *eventlog.Event
}

// LastTransitionAt returns the timestamp of the most recent accepted
// transition, or the zero time if the bead has never transitioned (still
// Pending with only a Created event applied).
func (p *BeadProjection) LastTransitionAt() time.Time {
	if len(p.History) == 0 {
		return time.Time{}
	}
	return p.History[len(p.History)-1].Timestamp
}

// LastTransitionToRunning returns the timestamp the bead most recently
// entered Running, or the zero time if it never has. Used by the
// reconciler's dead-worker/stuck-bead detection to measure elapsed time
// since a bead started running.
func (p *BeadProjection) LastTransitionToRunning() time.Time {
	for i := len(p.History) - 1; i >= 0; i-- {
		if p.History[i].To == beadstate.Running {
			return p.History[i].Timestamp
		}
	}
	return time.Time{}
}

// Fold applies an ordered event stream (all events for one bead, in
// publish order) to produce a BeadProjection: Created initializes;
// StateChanged appends a transition and updates CurrentState, or poisons
// the projection if from disagrees;
// Claimed sets ClaimedBy, cleared by any StateChanged leaving Running;
// Completed transitions to Completed and records the result. A variant not
// listed in the switch below is skipped and does not alter the projection;
// it remains only in the raw event stream.
func Fold(beadID string, events []eventlog.Event) *BeadProjection {
	p := &BeadProjection{BeadID: beadID, CurrentState: beadstate.Pending}

	for i := range events {
		ev := &events[i]
		if p.Poisoned {
			break
		}
		switch ev.Variant {
		case eventlog.Created:
			p.Spec = specFromPayload(ev.Spec)
			p.CurrentState = beadstate.Pending
			p.LastHeartbeat = ev.Timestamp
		case eventlog.StateChanged:
			applyStateChanged(p, ev)
		case eventlog.Claimed:
			agent := ev.AgentID
			p.ClaimedBy = &agent
			p.LastHeartbeat = ev.Timestamp
		case eventlog.PhaseStarted, eventlog.PhaseCompleted, eventlog.PhaseFailed:
			p.LastHeartbeat = ev.Timestamp
		case eventlog.Completed:
			result := ev.Result
			p.Result = &result
			p.CurrentState = beadstate.Completed
			p.LastHeartbeat = ev.Timestamp
		case eventlog.WorkerUnhealthy:
			p.LastHeartbeat = ev.Timestamp
		case eventlog.DependenciesUpdated:
			p.Spec.DependsOn = append([]string(nil), ev.NewDependsOn...)
		case eventlog.RespawnRequested, eventlog.CancelRequested, eventlog.DeleteRequested, eventlog.RescheduleRequested:
			// Pure bookkeeping markers the reconciler emits; the state change
			// they trigger arrives as a separate StateChanged event. Recorded
			// for audit via the raw event stream, not reflected in the fold.
		}
	}
	return p
}

func applyStateChanged(p *BeadProjection, ev *eventlog.Event) {
	from := parseState(ev.From)
	to := parseState(ev.To)

	if p.CurrentState != from || !beadstate.CanTransitionTo(from, to) {
		p.Poisoned = true
		cp := *ev
		p.PoisonEvent = &cp
		return
	}

	p.History = append(p.History, Transition{From: from, To: to, Reason: ev.Reason, Timestamp: ev.Timestamp})
	p.CurrentState = to
	p.LastHeartbeat = ev.Timestamp

	if from == beadstate.Running && to != beadstate.Running {
		p.ClaimedBy = nil
	}
}

func specFromPayload(s eventlog.SpecPayload) beadstate.Spec {
	return beadstate.Spec{
		Title:       s.Title,
		Description: s.Description,
		DependsOn:   append([]string(nil), s.DependsOn...),
		Priority:    s.Priority,
		Complexity:  beadstate.Complexity(s.Complexity),
		Labels:      append([]string(nil), s.Labels...),
		Metadata:    s.Metadata,
	}
}

func parseState(s string) beadstate.State {
	switch s {
	case "pending":
		return beadstate.Pending
	case "scheduled":
		return beadstate.Scheduled
	case "ready":
		return beadstate.Ready
	case "running":
		return beadstate.Running
	case "suspended":
		return beadstate.Suspended
	case "backing_off":
		return beadstate.BackingOff
	case "paused":
		return beadstate.Paused
	case "completed":
		return beadstate.Completed
	default:
		return beadstate.Pending
	}
}

// StateString renders a beadstate.State the way events persist it, kept
// here (rather than in beadstate) because only the event payload format
// needs a string encoding — the in-memory type uses String() from its
// Stringer for logs.
func StateString(s beadstate.State) string { return s.String() }
