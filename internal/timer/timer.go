// Package timer is the durable timer scheduler: an in-memory min-heap of
// due times backed by SQLite write-through, so a crash never loses a
// scheduled wakeup. The heap is built directly on container/heap's
// standard interface; see DESIGN.md for why no third-party priority
// queue is used.
package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/oya-run/orchestrator/internal/idgen"
	"github.com/oya-run/orchestrator/internal/orcherrors"
)

// Status is a timer's lifecycle stage.
type Status int

const (
	StatusPending Status = iota
	StatusFired
	StatusAcknowledged
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFired:
		return "fired"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) terminal() bool {
	return s == StatusAcknowledged || s == StatusCancelled
}

// Record is a persisted timer.
type Record struct {
	ID         idgen.ID
	ExecuteAt  time.Time
	Payload    []byte
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
	WorkflowID string
	BeadID     string
	CallbackID string
}

// Config bounds the in-memory working set.
type Config struct {
	MaxInMemory  int
	Lookahead    time.Duration
	TickInterval time.Duration
}

// DefaultConfig matches the design's named defaults.
func DefaultConfig() Config {
	return Config{MaxInMemory: 10000, Lookahead: 300 * time.Second, TickInterval: 100 * time.Millisecond}
}

// heapEntry is one (execute_at, timer_id) pair in the priority queue.
type heapEntry struct {
	id        idgen.ID
	executeAt time.Time
	index     int
}

type entryHeap []*heapEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if !h[i].executeAt.Equal(h[j].executeAt) {
		return h[i].executeAt.Before(h[j].executeAt)
	}
	return idgen.Compare(h[i].id, h[j].id) < 0
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*heapEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is the in-memory timer heap with persistence write-through.
type Scheduler struct {
	cfg   Config
	store Store

	mu      sync.Mutex
	heap    entryHeap
	byID    map[idgen.ID]*heapEntry
	fired   map[idgen.ID]Record
	records map[idgen.ID]Record
}

// New constructs a Scheduler backed by store.
func New(store Store, cfg Config) *Scheduler {
	if cfg.MaxInMemory <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		byID:    make(map[idgen.ID]*heapEntry),
		fired:   make(map[idgen.ID]Record),
		records: make(map[idgen.ID]Record),
	}
}

// Schedule persists and enqueues a new timer, returning its identifier.
func (s *Scheduler) Schedule(ctx context.Context, executeAt time.Time, payload []byte) (idgen.ID, error) {
	return s.scheduleWithAttrs(ctx, executeAt, payload, "", "", "")
}

// ScheduleFor schedules a timer attached to a workflow/bead/callback, for
// callers that need to correlate a fired timer back to its owner.
func (s *Scheduler) ScheduleFor(ctx context.Context, executeAt time.Time, payload []byte, workflowID, beadID, callbackID string) (idgen.ID, error) {
	return s.scheduleWithAttrs(ctx, executeAt, payload, workflowID, beadID, callbackID)
}

func (s *Scheduler) scheduleWithAttrs(ctx context.Context, executeAt time.Time, payload []byte, workflowID, beadID, callbackID string) (idgen.ID, error) {
	now := time.Now().UTC()
	rec := Record{
		ID: idgen.New(), ExecuteAt: executeAt.UTC(), Payload: payload, Status: StatusPending,
		CreatedAt: now, UpdatedAt: now, WorkflowID: workflowID, BeadID: beadID, CallbackID: callbackID,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return idgen.ID{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	s.insertLocked(rec.ID, rec.ExecuteAt)
	return rec.ID, nil
}

func (s *Scheduler) insertLocked(id idgen.ID, executeAt time.Time) {
	e := &heapEntry{id: id, executeAt: executeAt}
	heap.Push(&s.heap, e)
	s.byID[id] = e
}

// Reschedule moves a non-terminal timer to delay from now and persists the
// new execute_at.
func (s *Scheduler) Reschedule(ctx context.Context, id idgen.ID, delay time.Duration) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return orcherrors.New(orcherrors.KindNotFound, "timer.Reschedule", "timer not found")
	}
	if rec.Status.terminal() {
		s.mu.Unlock()
		return orcherrors.New(orcherrors.KindInvalidTransition, "timer.Reschedule", "timer is in a terminal state")
	}
	newAt := time.Now().UTC().Add(delay)
	rec.ExecuteAt = newAt
	rec.UpdatedAt = time.Now().UTC()
	rec.Status = StatusPending
	s.records[id] = rec

	if e, ok := s.byID[id]; ok {
		e.executeAt = newAt
		heap.Fix(&s.heap, e.index)
	} else {
		s.insertLocked(id, newAt)
	}
	delete(s.fired, id)
	s.mu.Unlock()

	return s.store.Update(ctx, rec)
}

// Cancel marks a timer cancelled, returning false if it was already in a
// terminal state.
func (s *Scheduler) Cancel(ctx context.Context, id idgen.ID) (bool, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return false, orcherrors.New(orcherrors.KindNotFound, "timer.Cancel", "timer not found")
	}
	if rec.Status.terminal() {
		s.mu.Unlock()
		return false, nil
	}
	rec.Status = StatusCancelled
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	s.removeFromHeapLocked(id)
	delete(s.fired, id)
	s.mu.Unlock()

	if err := s.store.Update(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) removeFromHeapLocked(id idgen.ID) {
	e, ok := s.byID[id]
	if !ok {
		return
	}
	heap.Remove(&s.heap, e.index)
	delete(s.byID, id)
}

// PollDue moves every timer whose execute_at has passed into the fired set
// and returns them. A timer already fired and awaiting acknowledgement is
// returned again on repeated polls: delivery is at-least-once per fire,
// not once per poll — Acknowledge is what removes it from future polls.
// limit <= 0 means unbounded.
func (s *Scheduler) PollDue(limit int) []Record {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Record
	for s.heap.Len() > 0 {
		if limit > 0 && len(due) >= limit {
			break
		}
		top := s.heap[0]
		if top.executeAt.After(now) {
			break
		}
		heap.Pop(&s.heap)
		delete(s.byID, top.id)

		rec := s.records[top.id]
		rec.Status = StatusFired
		rec.UpdatedAt = now
		s.records[top.id] = rec
		s.fired[top.id] = rec
		due = append(due, rec)
	}

	for id, rec := range s.fired {
		already := false
		for _, d := range due {
			if d.ID == id {
				already = true
				break
			}
		}
		if !already {
			if limit > 0 && len(due) >= limit {
				break
			}
			due = append(due, rec)
		}
	}
	return due
}

// Acknowledge removes a fired timer from the awaiting-acknowledgement set.
func (s *Scheduler) Acknowledge(ctx context.Context, id idgen.ID) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return orcherrors.New(orcherrors.KindNotFound, "timer.Acknowledge", "timer not found")
	}
	rec.Status = StatusAcknowledged
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	delete(s.fired, id)
	s.mu.Unlock()

	return s.store.Update(ctx, rec)
}

// Finalize removes a timer entirely (record and all in-memory traces).
func (s *Scheduler) Finalize(ctx context.Context, id idgen.ID) error {
	s.mu.Lock()
	delete(s.records, id)
	delete(s.fired, id)
	s.removeFromHeapLocked(id)
	s.mu.Unlock()

	return s.store.Delete(ctx, id)
}

// MarkFailed records a fired timer's handling as failed, without removing
// it: callers decide whether to finalize or retry by rescheduling.
func (s *Scheduler) MarkFailed(ctx context.Context, id idgen.ID) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return orcherrors.New(orcherrors.KindNotFound, "timer.MarkFailed", "timer not found")
	}
	rec.Status = StatusFailed
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	delete(s.fired, id)
	s.mu.Unlock()

	return s.store.Update(ctx, rec)
}

// LoadPending loads pending timers due within cfg.Lookahead into memory,
// capped at cfg.MaxInMemory. Returns the count loaded. Call once on
// startup before polling.
func (s *Scheduler) LoadPending(ctx context.Context) (int, error) {
	horizon := time.Now().UTC().Add(s.cfg.Lookahead)
	recs, err := s.store.LoadPending(ctx, horizon, s.cfg.MaxInMemory)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.records[rec.ID] = rec
		switch rec.Status {
		case StatusFired:
			s.fired[rec.ID] = rec
		case StatusPending:
			s.insertLocked(rec.ID, rec.ExecuteAt)
		}
	}
	return len(recs), nil
}

// PeekNext returns the earliest scheduled execute_at among pending timers,
// and whether one exists, so an external driver can sleep efficiently.
func (s *Scheduler) PeekNext() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return time.Time{}, false
	}
	return s.heap[0].executeAt, true
}

// Pending returns the number of timers currently held in memory, whether
// waiting to fire or already fired and awaiting acknowledgement.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len() + len(s.fired)
}
