package checkpoint

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/oya-run/orchestrator/internal/idgen"
	"github.com/oya-run/orchestrator/internal/orcherrors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db, 3)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestStoreAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	data := bytes.Repeat([]byte("phase-output-data"), 50)
	id, err := s.Store(ctx, data)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	loaded, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !bytes.Equal(loaded, data) {
		t.Error("Load() did not return original data")
	}
}

func TestListReturnsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id1, _ := s.Store(ctx, []byte("first"))
	id2, _ := s.Store(ctx, []byte("second"))

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != id2 || ids[1] != id1 {
		t.Errorf("List() = %v, want [%s %s]", ids, id2, id1)
	}
}

func TestDeleteFailsWhenReferenced(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, _ := s.Store(ctx, []byte("data"))
	if err := s.MarkReferenced(ctx, id, "workflow-1"); err != nil {
		t.Fatalf("MarkReferenced() error = %v", err)
	}

	err := s.Delete(ctx, id)
	if !orcherrors.Is(err, orcherrors.KindInUse) {
		t.Fatalf("Delete() error = %v, want KindInUse", err)
	}
}

func TestDeleteReturnsNotFoundWhenAbsent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.Delete(ctx, idgen.ID{})
	if !orcherrors.Is(err, orcherrors.KindNotFound) {
		t.Fatalf("Delete() error = %v, want KindNotFound", err)
	}
}

func TestStatsAggregates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	s.Store(ctx, []byte("one"))
	s.Store(ctx, []byte("two"))

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Count != 2 {
		t.Errorf("Count = %d, want 2", stats.Count)
	}
}

func TestClampLevelBounds(t *testing.T) {
	if got := clampLevel(0); got != 3 {
		t.Errorf("clampLevel(0) = %d, want 3 (default)", got)
	}
	if got := clampLevel(21); got != 9 {
		t.Errorf("clampLevel(21) = %d, want 9 (flate.BestCompression)", got)
	}
	if got := clampLevel(-5); got != 3 {
		t.Errorf("clampLevel(-5) = %d, want 3 (default)", got)
	}
}
