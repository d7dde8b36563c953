// Package replay streams events from the event log through a projection
// apply function, reporting progress and applying a retry/DLQ policy per
// event.
package replay

import (
	"context"
	"math"
	"time"

	"github.com/oya-run/orchestrator/internal/eventlog"
	"github.com/oya-run/orchestrator/internal/orcherrors"
)

// Policy controls retry/backoff/DLQ behavior for a single event's apply
// failure.
type Policy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	EnableDLQ   bool
}

// DefaultPolicy matches the design's named defaults.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second, EnableDLQ: true}
}

// Progress reports replay position: events seen so far, total, percent
// complete, and an estimated time to completion.
type Progress struct {
	EventsTotal     int
	EventsProcessed int
	PercentComplete float64
	ETA             *time.Duration
}

// DeadLettered pairs an event that exhausted retries with its terminal
// error, for later inspection.
type DeadLettered struct {
	Event eventlog.Event
	Err   error
}

// Apply is the per-event handler the caller supplies — almost always
// ActualState.Apply, but kept as an interface parameter so replay can be
// exercised against a fake in tests without a live projection.
type Apply func(ctx context.Context, ev eventlog.Event) error

// Sink receives progress updates and dead-lettered events. Both channels
// are drained by the caller; Engine never blocks on a full progress
// channel: the new update is dropped and the updates already queued are
// kept (older entries are not evicted). It does block on a full DLQ
// channel, since dropping a terminal-failure event silently would defeat
// the sink's purpose.
type Sink struct {
	Progress chan<- Progress
	DeadLetter chan<- DeadLettered
}

// Engine streams events through Apply, classifying failures via
// orcherrors.IsTransient and applying Policy.
type Engine struct {
	store  eventlog.Store
	policy Policy
}

// New constructs an Engine over store with the given policy.
func New(store eventlog.Store, policy Policy) *Engine {
	if policy.MaxRetries == 0 && policy.BaseBackoff == 0 {
		policy = DefaultPolicy()
	}
	return &Engine{store: store, policy: policy}
}

// ReplayAll streams every event in the store, in store order, applying
// apply to each and reporting progress to sink (either field of sink may
// be nil to opt out). Returns the terminal error if DLQ is disabled and an
// event exhausts retries; otherwise returns nil once the stream is
// exhausted.
func (e *Engine) ReplayAll(ctx context.Context, apply Apply, sink Sink) error {
	events, err := e.store.ReadAll(ctx)
	if err != nil {
		return err
	}
	return e.replay(ctx, events, apply, sink)
}

// ReplaySince streams every event at or after since, for resuming from a
// stored cursor rather than the beginning of the log.
func (e *Engine) ReplaySince(ctx context.Context, since time.Time, apply Apply, sink Sink) error {
	events, err := e.store.ReadSince(ctx, since)
	if err != nil {
		return err
	}
	return e.replay(ctx, events, apply, sink)
}

func (e *Engine) replay(ctx context.Context, events []eventlog.Event, apply Apply, sink Sink) error {
	total := len(events)
	start := time.Now()

	if total == 0 {
		reportProgress(sink.Progress, 0, 0, start)
		return nil
	}

	for i, ev := range events {
		if err := e.applyWithRetry(ctx, apply, ev); err != nil {
			if !e.policy.EnableDLQ {
				return err
			}
			if sink.DeadLetter != nil {
				sink.DeadLetter <- DeadLettered{Event: ev, Err: err}
			}
		}
		reportProgress(sink.Progress, i+1, total, start)
	}
	return nil
}

// applyWithRetry applies ev, retrying transient failures with exponential
// backoff capped at MaxBackoff. Permanent errors skip retries entirely
// and go straight to the caller as a dead-letter candidate.
func (e *Engine) applyWithRetry(ctx context.Context, apply Apply, ev eventlog.Event) error {
	var lastErr error
	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		err := apply(ctx, ev)
		if err == nil {
			return nil
		}
		lastErr = err
		if !orcherrors.IsTransient(err) {
			return lastErr
		}
		if attempt == e.policy.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffFor(e.policy, attempt)):
		}
	}
	return orcherrors.Wrap(orcherrors.KindMaxRetriesExceeded, "replay.applyWithRetry", "retries exhausted", lastErr)
}

func backoffFor(p Policy, attempt int) time.Duration {
	d := time.Duration(float64(p.BaseBackoff) * math.Pow(2, float64(attempt)))
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// reportProgress sends a Progress snapshot on ch without blocking
// indefinitely: a full channel drops the update.
func reportProgress(ch chan<- Progress, processed, total int, start time.Time) {
	if ch == nil {
		return
	}
	p := Progress{EventsTotal: total, EventsProcessed: processed}
	if total > 0 {
		p.PercentComplete = float64(processed) / float64(total) * 100
	} else {
		p.PercentComplete = 100
	}
	p.ETA = estimateETA(processed, total, start)

	select {
	case ch <- p:
	default:
	}
}

// estimateETA returns nil when nothing has been processed or processing is
// complete, otherwise events_remaining / events_per_second.
func estimateETA(processed, total int, start time.Time) *time.Duration {
	if processed == 0 || processed >= total {
		return nil
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		return nil
	}
	rate := float64(processed) / elapsed.Seconds()
	if rate <= 0 {
		return nil
	}
	remaining := total - processed
	eta := time.Duration(float64(remaining) / rate * float64(time.Second))
	return &eta
}
