package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/oya-run/orchestrator/internal/idgen"
	"github.com/oya-run/orchestrator/internal/orcherrors"
)

// Store is the append-only event log. A single writer serializes appends
// internally; reads never observe a partial write.
type Store interface {
	Append(ctx context.Context, ev Event) (idgen.ID, error)
	ReadStream(ctx context.Context, beadID string) ([]Event, error)
	ReadSince(ctx context.Context, since time.Time) ([]Event, error)
	ReadAll(ctx context.Context) ([]Event, error)
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id    TEXT PRIMARY KEY,
	bead_id     TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	variant     INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_bead ON events(bead_id, event_id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp, event_id);
`

const (
	insertEventSQL = `INSERT INTO events (event_id, bead_id, timestamp, variant, reason, payload) VALUES (?, ?, ?, ?, ?, ?);`
	selectByBeadSQL = `SELECT event_id, bead_id, timestamp, variant, reason, payload FROM events WHERE bead_id = ? ORDER BY event_id ASC;`
	selectSinceSQL  = `SELECT event_id, bead_id, timestamp, variant, reason, payload FROM events WHERE timestamp >= ? ORDER BY event_id ASC;`
	selectAllSQL    = `SELECT event_id, bead_id, timestamp, variant, reason, payload FROM events ORDER BY event_id ASC;`
)

// payload is the JSON-encoded envelope persisted in the payload column. A
// self-describing format, rather than a fixed binary layout, keeps the
// schema legible in the database and avoids a third-party binary codec
// (protobuf/msgpack/cbor) no part of this project otherwise needs; see
// DESIGN.md.
type payload struct {
	Spec        *SpecPayload   `json:"spec,omitempty"`
	From        string         `json:"from,omitempty"`
	To          string         `json:"to,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	PhaseID     string         `json:"phase_id,omitempty"`
	PhaseName   string         `json:"phase_name,omitempty"`
	OutputBytes []byte         `json:"output_bytes,omitempty"`
	PhaseError  string         `json:"phase_error,omitempty"`
	Result      *ResultPayload `json:"result,omitempty"`

	NewDependsOn []string   `json:"new_depends_on,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// SQLiteStore is the durable, production Store implementation.
type SQLiteStore struct {
	mu sync.Mutex // serializes appends; see "single-writer"
	db *sql.DB
}

// Open opens (creating if absent) a SQLite-backed event store at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindConnection, "eventlog.Open", "opening database", err)
	}
	db.SetMaxOpenConns(1) // single-writer model; avoid sqlite lock contention
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "eventlog.Open", "applying schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB returns the underlying connection so callers needing a handle on the
// same database file (timers, checkpoints) can share this store's
// single-writer connection instead of opening a second one.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Append(ctx context.Context, ev Event) (idgen.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID.IsZero() {
		ev.ID = idgen.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	p := payload{
		From:        ev.From,
		To:          ev.To,
		AgentID:     ev.AgentID,
		PhaseID:     ev.PhaseID,
		PhaseName:   ev.PhaseName,
		OutputBytes: ev.OutputBytes,
		PhaseError:  ev.PhaseError,
	}
	if ev.Variant == Created {
		spec := ev.Spec
		p.Spec = &spec
	}
	if ev.Variant == Completed {
		result := ev.Result
		p.Result = &result
	}
	if ev.Variant == DependenciesUpdated {
		p.NewDependsOn = ev.NewDependsOn
	}
	if ev.Variant == RescheduleRequested && !ev.ScheduledFor.IsZero() {
		t := ev.ScheduledFor
		p.ScheduledFor = &t
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return idgen.ID{}, orcherrors.Wrap(orcherrors.KindSerialization, "eventlog.Append", "encoding payload", err)
	}

	_, err = s.db.ExecContext(ctx, insertEventSQL,
		ev.ID.String(), ev.BeadID, ev.Timestamp.UnixMilli(), int(ev.Variant), ev.Reason, string(raw))
	if err != nil {
		return idgen.ID{}, orcherrors.Wrap(orcherrors.KindStoreFailed, "eventlog.Append", "inserting event", err)
	}
	return ev.ID, nil
}

func (s *SQLiteStore) ReadStream(ctx context.Context, beadID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, selectByBeadSQL, beadID)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "eventlog.ReadStream", "querying stream", err)
	}
	return scanEvents(rows)
}

func (s *SQLiteStore) ReadSince(ctx context.Context, since time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, selectSinceSQL, since.UnixMilli())
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "eventlog.ReadSince", "querying since", err)
	}
	return scanEvents(rows)
}

func (s *SQLiteStore) ReadAll(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, selectAllSQL)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "eventlog.ReadAll", "querying all", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			idStr       string
			beadID      string
			tsMillis    int64
			variantInt  int
			reason      string
			rawPayload  string
		)
		if err := rows.Scan(&idStr, &beadID, &tsMillis, &variantInt, &reason, &rawPayload); err != nil {
			return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "eventlog.scanEvents", "scanning row", err)
		}

		id, err := idgen.Parse(idStr)
		if err != nil {
			return nil, orcherrors.Wrap(orcherrors.KindSerialization, "eventlog.scanEvents", "parsing event id", err)
		}

		var p payload
		if err := json.Unmarshal([]byte(rawPayload), &p); err != nil {
			return nil, orcherrors.Wrap(orcherrors.KindSerialization, "eventlog.scanEvents", "decoding payload", err)
		}

		ev := Event{
			ID:        id,
			BeadID:    beadID,
			Timestamp: time.UnixMilli(tsMillis).UTC(),
			Variant:   Variant(variantInt),
			Reason:    reason,
			From:      p.From,
			To:        p.To,
			AgentID:   p.AgentID,
			PhaseID:      p.PhaseID,
			PhaseName:    p.PhaseName,
			OutputBytes:  p.OutputBytes,
			PhaseError:   p.PhaseError,
			NewDependsOn: p.NewDependsOn,
		}
		if p.Spec != nil {
			ev.Spec = *p.Spec
		}
		if p.Result != nil {
			ev.Result = *p.Result
		}
		if p.ScheduledFor != nil {
			ev.ScheduledFor = *p.ScheduledFor
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "eventlog.scanEvents", "iterating rows", err)
	}
	return out, nil
}

