// Package eventlog is the append-only event store: the single source of
// truth every projection folds over. Backed by database/sql and
// modernc.org/sqlite, with the schema defined as Go string constants.
package eventlog

import (
	"time"

	"github.com/oya-run/orchestrator/internal/idgen"
)

// Variant tags an event's payload. Each event carries exactly one.
type Variant int

const (
	Created Variant = iota
	StateChanged
	Claimed
	PhaseStarted
	PhaseCompleted
	PhaseFailed
	Completed
	WorkerUnhealthy

	// Reconciler-emitted actions.
	DependenciesUpdated
	RespawnRequested
	CancelRequested
	DeleteRequested
	RescheduleRequested
)

func (v Variant) String() string {
	switch v {
	case Created:
		return "created"
	case StateChanged:
		return "state_changed"
	case Claimed:
		return "claimed"
	case PhaseStarted:
		return "phase_started"
	case PhaseCompleted:
		return "phase_completed"
	case PhaseFailed:
		return "phase_failed"
	case Completed:
		return "completed"
	case WorkerUnhealthy:
		return "worker_unhealthy"
	case DependenciesUpdated:
		return "dependencies_updated"
	case RespawnRequested:
		return "respawn_requested"
	case CancelRequested:
		return "cancel_requested"
	case DeleteRequested:
		return "delete_requested"
	case RescheduleRequested:
		return "reschedule_requested"
	default:
		return "unknown"
	}
}

// Event is a single immutable fact appended to the log. Only the fields
// relevant to its Variant are populated; the rest are zero.
type Event struct {
	ID        idgen.ID
	BeadID    string
	Timestamp time.Time
	Variant   Variant
	Reason    string // StateChanged (optional), WorkerUnhealthy

	// Created
	Spec SpecPayload

	// StateChanged
	From, To string

	// Claimed
	AgentID string

	// PhaseStarted / PhaseCompleted / PhaseFailed
	PhaseID     string
	PhaseName   string
	OutputBytes []byte
	PhaseError  string

	// Completed
	Result ResultPayload

	// DependenciesUpdated
	NewDependsOn []string

	// RescheduleRequested
	ScheduledFor time.Time
}

// SpecPayload mirrors beadstate.Spec in a form safe to store without an
// import cycle (eventlog must not depend on the package that depends on it
// for dependency-satisfaction checks during projection).
type SpecPayload struct {
	Title       string
	Description string
	DependsOn   []string
	Priority    int
	Complexity  int
	Labels      []string
	Metadata    map[string]any
}

// ResultPayload is the terminal outcome attached to a Completed event.
type ResultPayload struct {
	Success bool
	Output  []byte
	Error   string
}
