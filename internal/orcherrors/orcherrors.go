// Package orcherrors defines the error taxonomy shared by every orchestrator
// component: a closed set of sentinel kinds plus the transient/permanent
// classification that the replay engine and workflow engine use to decide
// whether to retry.
package orcherrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for retry and propagation purposes.
type Kind int

const (
	// KindInvalidTransition marks a StateChanged event whose from disagrees
	// with the projection's current state.
	KindInvalidTransition Kind = iota
	// KindNotFound marks an absent bead, workflow, phase, checkpoint, or timer.
	KindNotFound
	// KindConnection marks a transient backing-store outage.
	KindConnection
	// KindStoreFailed marks a store operation failure; classify by message.
	KindStoreFailed
	// KindProjectionFailed marks a projection fold failure; classify by message.
	KindProjectionFailed
	// KindSerialization marks a corrupted payload.
	KindSerialization
	// KindHandlerNotFound marks an unregistered phase name.
	KindHandlerNotFound
	// KindMaxRetriesExceeded marks retry exhaustion, distinct from the
	// underlying cause.
	KindMaxRetriesExceeded
	// KindPhaseTimeout marks a phase attempt that exceeded its timeout.
	// Operationally transient: retried until the phase's retry budget runs out.
	KindPhaseTimeout
	// KindChannelClosed marks a subscriber or watch channel that is gone.
	KindChannelClosed
	// KindInternal marks an invariant violation.
	KindInternal
	// KindInUse marks a checkpoint still referenced by a suspended workflow.
	KindInUse
)

func (k Kind) String() string {
	switch k {
	case KindInvalidTransition:
		return "invalid_transition"
	case KindNotFound:
		return "not_found"
	case KindConnection:
		return "connection"
	case KindStoreFailed:
		return "store_failed"
	case KindProjectionFailed:
		return "projection_failed"
	case KindSerialization:
		return "serialization"
	case KindHandlerNotFound:
		return "handler_not_found"
	case KindMaxRetriesExceeded:
		return "max_retries_exceeded"
	case KindPhaseTimeout:
		return "phase_timeout"
	case KindChannelClosed:
		return "channel_closed"
	case KindInternal:
		return "internal"
	case KindInUse:
		return "in_use"
	default:
		return "unknown"
	}
}

// Error is the orchestrator's single error type. It always carries a Kind
// and an operation label; the wrapped Cause is optional.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error without a wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap constructs an Error around an existing cause.
func Wrap(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that did not originate in this package.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindInternal
}

// transientKeywords classify StoreFailed/ProjectionFailed messages. Matching
// is substring, case-insensitive, mirroring the source's keyword inspection.
var transientKeywords = []string{"timeout", "network", "lock", "temporary"}

// IsTransient reports whether err should be retried by the replay engine or
// workflow engine. Connection and PhaseTimeout are always transient.
// StoreFailed/ProjectionFailed are classified by keyword. Everything else
// (InvalidTransition, NotFound, Serialization, HandlerNotFound,
// MaxRetriesExceeded, ChannelClosed, Internal, InUse) is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	kind := KindOf(err)
	switch kind {
	case KindConnection, KindPhaseTimeout:
		return true
	case KindStoreFailed, KindProjectionFailed:
		msg := strings.ToLower(err.Error())
		for _, kw := range transientKeywords {
			if strings.Contains(msg, kw) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
