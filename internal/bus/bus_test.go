package bus

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/oya-run/orchestrator/internal/eventlog"
)

func openTestStore(t *testing.T) *eventlog.SQLiteStore {
	t.Helper()
	s, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPublishInvokesSubscribersInOrder(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	b := New(store, nil)

	var calls []int
	b.Subscribe(func(ctx context.Context, ev eventlog.Event) error {
		calls = append(calls, 1)
		return nil
	})
	b.Subscribe(func(ctx context.Context, ev eventlog.Event) error {
		calls = append(calls, 2)
		return nil
	})

	if _, err := b.Publish(ctx, eventlog.Event{BeadID: "b1", Variant: eventlog.Created}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Errorf("calls = %v, want [1 2]", calls)
	}
}

func TestPublishPersistsEventBeforeDispatch(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	b := New(store, nil)

	var seenInStore bool
	b.Subscribe(func(ctx context.Context, ev eventlog.Event) error {
		stream, err := store.ReadStream(ctx, ev.BeadID)
		if err != nil {
			t.Fatalf("ReadStream() error = %v", err)
		}
		seenInStore = len(stream) == 1
		return nil
	})

	if _, err := b.Publish(ctx, eventlog.Event{BeadID: "b1", Variant: eventlog.Created}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !seenInStore {
		t.Error("subscriber did not observe the event already persisted")
	}
}

func TestPublishSurvivesSubscriberFailure(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	b := New(store, nil)

	b.Subscribe(func(ctx context.Context, ev eventlog.Event) error {
		return errors.New("boom")
	})

	if _, err := b.Publish(ctx, eventlog.Event{BeadID: "b1", Variant: eventlog.Created}); err != nil {
		t.Fatalf("Publish() error = %v, want nil (subscriber errors must not fail publish)", err)
	}
	if got := b.SubscriberFailures(); got != 1 {
		t.Errorf("SubscriberFailures() = %d, want 1", got)
	}
}
