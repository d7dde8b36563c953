package timer

import (
	"context"
	"database/sql"
	"time"

	"github.com/oya-run/orchestrator/internal/idgen"
	"github.com/oya-run/orchestrator/internal/orcherrors"
)

// Store persists timer records. Schedule writes a new timer here before
// adding it to memory; Reschedule, Cancel, Acknowledge, MarkFailed and
// Finalize update memory first and then write here. PollDue's move from
// pending to fired is kept in memory only and is not written here, so a
// timer that fired but was not acknowledged before the process stopped is
// reloaded as pending and fires again.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id idgen.ID) error
	LoadPending(ctx context.Context, horizon time.Time, limit int) ([]Record, error)
}

const timerSchema = `
CREATE TABLE IF NOT EXISTS timers (
	timer_id     TEXT PRIMARY KEY,
	execute_at   INTEGER NOT NULL,
	payload      BLOB NOT NULL DEFAULT x'',
	status       INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	workflow_id  TEXT NOT NULL DEFAULT '',
	bead_id      TEXT NOT NULL DEFAULT '',
	callback_id  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_timers_execute_at ON timers(status, execute_at, timer_id);
`

const (
	insertTimerSQL = `INSERT INTO timers (timer_id, execute_at, payload, status, created_at, updated_at, workflow_id, bead_id, callback_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`
	updateTimerSQL = `UPDATE timers SET execute_at = ?, payload = ?, status = ?, updated_at = ? WHERE timer_id = ?;`
	deleteTimerSQL = `DELETE FROM timers WHERE timer_id = ?;`
	loadPendingSQL = `SELECT timer_id, execute_at, payload, status, created_at, updated_at, workflow_id, bead_id, callback_id
		FROM timers WHERE status IN (?, ?) AND execute_at <= ? ORDER BY execute_at ASC, timer_id ASC LIMIT ?;`
)

// SQLStore is the SQLite-backed Store, sharing the orchestrator's database
// handle: it does not own a connection, callers construct it over the
// same *sql.DB the event store and checkpoint store use.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore applies the timers table schema to db and returns a Store
// over it.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if _, err := db.Exec(timerSchema); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "timer.NewSQLStore", "applying schema", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, insertTimerSQL,
		rec.ID.String(), rec.ExecuteAt.UnixMilli(), rec.Payload, int(rec.Status),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), rec.WorkflowID, rec.BeadID, rec.CallbackID)
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindStoreFailed, "timer.Insert", "inserting timer", err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, updateTimerSQL,
		rec.ExecuteAt.UnixMilli(), rec.Payload, int(rec.Status), rec.UpdatedAt.UnixMilli(), rec.ID.String())
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindStoreFailed, "timer.Update", "updating timer", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id idgen.ID) error {
	_, err := s.db.ExecContext(ctx, deleteTimerSQL, id.String())
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindStoreFailed, "timer.Delete", "deleting timer", err)
	}
	return nil
}

func (s *SQLStore) LoadPending(ctx context.Context, horizon time.Time, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, loadPendingSQL, int(StatusPending), int(StatusFired), horizon.UnixMilli(), limit)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "timer.LoadPending", "querying pending timers", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			idStr                        string
			executeAtMS, createdAt, updatedAt int64
			payload                       []byte
			statusInt                     int
			workflowID, beadID, callbackID string
		)
		if err := rows.Scan(&idStr, &executeAtMS, &payload, &statusInt, &createdAt, &updatedAt, &workflowID, &beadID, &callbackID); err != nil {
			return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "timer.LoadPending", "scanning row", err)
		}
		id, err := idgen.Parse(idStr)
		if err != nil {
			return nil, orcherrors.Wrap(orcherrors.KindSerialization, "timer.LoadPending", "parsing timer id", err)
		}
		out = append(out, Record{
			ID: id, ExecuteAt: time.UnixMilli(executeAtMS).UTC(), Payload: payload, Status: Status(statusInt),
			CreatedAt: time.UnixMilli(createdAt).UTC(), UpdatedAt: time.UnixMilli(updatedAt).UTC(),
			WorkflowID: workflowID, BeadID: beadID, CallbackID: callbackID,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "timer.LoadPending", "iterating rows", err)
	}
	return out, nil
}
