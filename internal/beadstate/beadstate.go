// Package beadstate defines the bead lifecycle: a closed eight-state sum
// type and its permitted transition table. Extending the lifecycle means
// editing the table and every exhaustive switch below — deliberately, since
// a silent default case is how state-machine bugs usually get in.
package beadstate

import "fmt"

// State is one of the eight bead lifecycle states.
type State int

const (
	Pending State = iota
	Scheduled
	Ready
	Running
	Suspended
	BackingOff
	Paused
	Completed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Scheduled:
		return "scheduled"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case BackingOff:
		return "backing_off"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsTerminal reports whether s admits no further transitions. Completed is
// the only terminal state.
func (s State) IsTerminal() bool {
	return s == Completed
}

// transitions is the permitted-transition table for the bead lifecycle.
// Every entry here is load-bearing: both CanTransitionTo and the
// projection's poison-flag logic depend on this being exhaustive.
var transitions = map[State]map[State]bool{
	Pending:    {Scheduled: true, Completed: true},
	Scheduled:  {Ready: true, Pending: true, Completed: true},
	Ready:      {Running: true, Scheduled: true, Completed: true},
	Running:    {Suspended: true, BackingOff: true, Paused: true, Completed: true},
	Suspended:  {Running: true, Completed: true},
	BackingOff: {Running: true, Completed: true},
	Paused:     {Running: true, Completed: true},
	Completed:  {},
}

// CanTransitionTo reports whether the from -> to transition is permitted.
func CanTransitionTo(from, to State) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Complexity tags a bead's estimated effort.
type Complexity int

const (
	Simple Complexity = iota
	Medium
	Complex
)

func (c Complexity) String() string {
	switch c {
	case Simple:
		return "simple"
	case Medium:
		return "medium"
	case Complex:
		return "complex"
	default:
		return fmt.Sprintf("complexity(%d)", int(c))
	}
}

// Spec is the user-supplied specification of a bead: everything needed to
// create it, independent of its runtime projection.
type Spec struct {
	Title        string
	Description  string
	DependsOn    []string // ordered list of dependency bead identifiers (rendered IDs)
	Priority     int      // lower = higher priority
	Complexity   Complexity
	Labels       []string
	Metadata     map[string]any
}

// Clone returns a deep copy of the spec so callers can't alias slices/maps.
func (s Spec) Clone() Spec {
	cp := s
	if len(s.DependsOn) > 0 {
		cp.DependsOn = append([]string(nil), s.DependsOn...)
	}
	if len(s.Labels) > 0 {
		cp.Labels = append([]string(nil), s.Labels...)
	}
	if len(s.Metadata) > 0 {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
