package timer

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestSched(t *testing.T) *Scheduler {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "timers.db"))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}
	return New(store, DefaultConfig())
}

func TestScheduleAndPollDue(t *testing.T) {
	ctx := context.Background()
	s := openTestSched(t)

	past := time.Now().Add(-time.Second)
	id, err := s.Schedule(ctx, past, []byte("payload"))
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	due := s.PollDue(0)
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("PollDue() = %v, want one record with id %s", due, id)
	}
}

func TestPollDueRepeatedUntilAcknowledged(t *testing.T) {
	ctx := context.Background()
	s := openTestSched(t)

	id, _ := s.Schedule(ctx, time.Now().Add(-time.Second), nil)
	first := s.PollDue(0)
	second := s.PollDue(0)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected fired timer reported on every poll until acknowledged, got %d then %d", len(first), len(second))
	}

	if err := s.Acknowledge(ctx, id); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	third := s.PollDue(0)
	if len(third) != 0 {
		t.Errorf("PollDue() after acknowledge = %v, want empty", third)
	}
}

func TestPollDueOrdersByExecuteAtThenID(t *testing.T) {
	ctx := context.Background()
	s := openTestSched(t)

	base := time.Now().Add(-time.Hour)
	idLate, _ := s.Schedule(ctx, base.Add(2*time.Second), nil)
	idEarly, _ := s.Schedule(ctx, base, nil)

	due := s.PollDue(0)
	if len(due) != 2 || due[0].ID != idEarly || due[1].ID != idLate {
		t.Errorf("PollDue() order wrong, want [%s %s] got %v", idEarly, idLate, due)
	}
}

func TestCancelReturnsFalseWhenTerminal(t *testing.T) {
	ctx := context.Background()
	s := openTestSched(t)

	id, _ := s.Schedule(ctx, time.Now().Add(time.Hour), nil)
	ok, err := s.Cancel(ctx, id)
	if err != nil || !ok {
		t.Fatalf("first Cancel() = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.Cancel(ctx, id)
	if err != nil || ok {
		t.Fatalf("second Cancel() = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestPeekNextReflectsEarliestPending(t *testing.T) {
	ctx := context.Background()
	s := openTestSched(t)

	if _, ok := s.PeekNext(); ok {
		t.Fatal("PeekNext() on empty scheduler reported a timer")
	}

	earlier := time.Now().Add(time.Minute)
	later := time.Now().Add(time.Hour)
	s.Schedule(ctx, later, nil)
	s.Schedule(ctx, earlier, nil)

	next, ok := s.PeekNext()
	if !ok {
		t.Fatal("PeekNext() reported no timer")
	}
	if !next.Equal(earlier.Truncate(time.Millisecond)) && next.After(earlier.Add(time.Millisecond)) {
		t.Errorf("PeekNext() = %v, want ~%v", next, earlier)
	}
}

func TestRescheduleMovesPendingTimer(t *testing.T) {
	ctx := context.Background()
	s := openTestSched(t)

	id, _ := s.Schedule(ctx, time.Now().Add(time.Hour), nil)
	if err := s.Reschedule(ctx, id, -2*time.Hour); err != nil {
		t.Fatalf("Reschedule() error = %v", err)
	}
	due := s.PollDue(0)
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("PollDue() after reschedule = %v, want fired id %s", due, id)
	}
}

func TestLoadPendingRespectsLookahead(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "timers.db"))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer db.Close()
	store, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}

	s1 := New(store, Config{MaxInMemory: 10000, Lookahead: time.Hour, TickInterval: 100 * time.Millisecond})
	s1.Schedule(ctx, time.Now().Add(10*time.Minute), nil)  // within lookahead
	s1.Schedule(ctx, time.Now().Add(10*time.Hour), nil)    // beyond lookahead

	s2 := New(store, Config{MaxInMemory: 10000, Lookahead: time.Hour, TickInterval: 100 * time.Millisecond})
	n, err := s2.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending() error = %v", err)
	}
	if n != 1 {
		t.Errorf("LoadPending() = %d, want 1 (only the in-lookahead timer)", n)
	}
}
