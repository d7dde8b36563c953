// Package bus is the event bus: it appends events to the store and fans
// them out to subscribers, invoking them sequentially and logging and
// counting failures rather than propagating them.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/oya-run/orchestrator/internal/eventlog"
	"github.com/oya-run/orchestrator/internal/idgen"
	"github.com/oya-run/orchestrator/internal/orcherrors"
)

// Handler is invoked for every published event. A handler's error is logged
// and counted; it never fails the publish.
type Handler func(ctx context.Context, ev eventlog.Event) error

// Bus publishes events to the store and invokes subscribers in publish
// order. Subscriber invocation within a single Publish call is sequential,
// not fanned out to goroutines.
type Bus struct {
	store eventlog.Store
	log   *slog.Logger

	mu          sync.RWMutex
	subscribers []Handler

	subscriberFailures atomic.Int64
}

// New constructs a Bus backed by store. A nil logger defaults to
// slog.Default().
func New(store eventlog.Store, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{store: store, log: log}
}

// Subscribe registers a handler invoked for every published event.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, h)
}

// Publish appends ev to the store, then invokes each subscriber in
// registration order. Publish returns after the append succeeds and every
// subscriber has been invoked at least once; subscriber errors are logged
// and counted but do not fail Publish.
func (b *Bus) Publish(ctx context.Context, ev eventlog.Event) (idgen.ID, error) {
	id, err := b.store.Append(ctx, ev)
	if err != nil {
		return idgen.ID{}, err
	}
	ev.ID = id

	b.mu.RLock()
	subscribers := make([]Handler, len(b.subscribers))
	copy(subscribers, b.subscribers)
	b.mu.RUnlock()

	for _, h := range subscribers {
		if err := h(ctx, ev); err != nil {
			b.subscriberFailures.Add(1)
			b.log.Error("subscriber failed to handle event",
				"event_id", id.String(), "bead_id", ev.BeadID, "variant", ev.Variant.String(), "error", err)
		}
	}
	return id, nil
}

// SubscriberFailures returns the running count of subscriber errors, for
// metrics/diagnostics.
func (b *Bus) SubscriberFailures() int64 {
	return b.subscriberFailures.Load()
}

// errChannelClosed is returned by handlers built over a closed channel;
// exported so callers assembling DLQ/progress-watcher handlers can produce
// a consistent, classifiable error.
var errChannelClosed = orcherrors.New(orcherrors.KindChannelClosed, "bus", "subscriber channel closed")

// ErrChannelClosed reports the sentinel used when a channel-backed
// subscriber can no longer accept events.
func ErrChannelClosed() error { return errChannelClosed }
