package projection

import (
	"context"
	"sort"
	"sync"

	"github.com/oya-run/orchestrator/internal/beadstate"
	"github.com/oya-run/orchestrator/internal/eventlog"
)

// ActualState is the live aggregate of every bead's projection, plus the
// derived counters and orderings the reconciler needs. It is safe for
// concurrent use: reads take a shared lock, Apply takes an exclusive one.
// Reconciliation snapshots it once per tick (Snapshot) to avoid torn reads
// across the several derived views it inspects.
type ActualState struct {
	mu      sync.RWMutex
	beads   map[string]*BeadProjection
	history map[string][]eventlog.Event // source events per bead, for incremental re-fold
}

// NewActualState returns an empty aggregate.
func NewActualState() *ActualState {
	return &ActualState{
		beads:   make(map[string]*BeadProjection),
		history: make(map[string][]eventlog.Event),
	}
}

// Apply folds a single event into the aggregate incrementally. It is the
// subscriber ActualState registers with the event bus. Projections are pure
// folds with no incremental step function exposed, so Apply keeps the
// per-bead event history and re-folds on every append; bead streams are
// short enough (bounded by one bead's lifecycle) that this stays cheap.
func (a *ActualState) Apply(_ context.Context, ev eventlog.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history[ev.BeadID] = append(a.history[ev.BeadID], ev)
	a.beads[ev.BeadID] = Fold(ev.BeadID, a.history[ev.BeadID])
	return nil
}

// Recompute rebuilds the aggregate from scratch given every event in the
// store, grouped by bead, for on-demand recomputation. (Startup replay
// instead feeds events one by one through Apply.)
func Recompute(allEvents []eventlog.Event) *ActualState {
	a := NewActualState()
	order := make([]string, 0)
	for _, ev := range allEvents {
		if _, ok := a.history[ev.BeadID]; !ok {
			order = append(order, ev.BeadID)
		}
		a.history[ev.BeadID] = append(a.history[ev.BeadID], ev)
	}
	for _, beadID := range order {
		a.beads[beadID] = Fold(beadID, a.history[beadID])
	}
	return a
}

// Get returns the stored projection pointer for beadID (not cloned; callers
// must treat it as read-only), or nil if unknown.
func (a *ActualState) Get(beadID string) *BeadProjection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.beads[beadID]
}

// Snapshot returns a point-in-time copy of the projection map so the
// reconciler can compute its diff against a single consistent view instead
// of re-reading the live aggregate for every derived quantity.
func (a *ActualState) Snapshot() map[string]*BeadProjection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]*BeadProjection, len(a.beads))
	for k, v := range a.beads {
		out[k] = v
	}
	return out
}

// RunningCount counts projections currently in beadstate.Running.
func RunningCount(snapshot map[string]*BeadProjection) int {
	n := 0
	for _, p := range snapshot {
		if !p.Poisoned && p.CurrentState == beadstate.Running {
			n++
		}
	}
	return n
}

// OrphanedBeads returns bead IDs present in actual but absent from desired.
func OrphanedBeads(snapshot map[string]*BeadProjection, desired map[string]beadstate.Spec) []string {
	var out []string
	for id := range snapshot {
		if _, ok := desired[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ReadyToRun returns, in order, the projections in Scheduled whose
// dependencies are all Completed, ordered by priority ascending then by
// oldest last-transition timestamp within equal priority.
func ReadyToRun(snapshot map[string]*BeadProjection) []*BeadProjection {
	var candidates []*BeadProjection
	for _, p := range snapshot {
		if p.Poisoned || p.CurrentState != beadstate.Scheduled {
			continue
		}
		if !dependenciesSatisfied(p, snapshot) {
			continue
		}
		candidates = append(candidates, p)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Spec.Priority != candidates[j].Spec.Priority {
			return candidates[i].Spec.Priority < candidates[j].Spec.Priority
		}
		return candidates[i].LastTransitionAt().Before(candidates[j].LastTransitionAt())
	})
	return candidates
}

func dependenciesSatisfied(p *BeadProjection, snapshot map[string]*BeadProjection) bool {
	for _, depID := range p.Spec.DependsOn {
		dep, ok := snapshot[depID]
		if !ok || dep.Poisoned || dep.CurrentState != beadstate.Completed {
			return false
		}
	}
	return true
}
