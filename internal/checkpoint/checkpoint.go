// Package checkpoint is compressed, versioned workflow checkpoint
// storage, backed by database/sql + modernc.org/sqlite for the record
// layout and the standard library's compress/flate for compression, with
// its configured level clamped into flate's 1-9 range. See DESIGN.md for
// why flate rather than a third-party compressor.
package checkpoint

import (
	"bytes"
	"compress/flate"
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/oya-run/orchestrator/internal/idgen"
	"github.com/oya-run/orchestrator/internal/orcherrors"
)

const schemaVersion = 1

// Record is a persisted checkpoint.
type Record struct {
	ID                idgen.ID
	CompressedData    []byte
	CreatedAt         time.Time
	UncompressedSize  uint64
	CompressedSize    uint64
	CompressionRatio  float64
	Version           uint32
	Metadata          map[string]any
	ReferencedByWorkflow string // non-empty when a suspended workflow still needs this checkpoint
}

// Stats summarizes the checkpoint table.
type Stats struct {
	Count                int
	TotalUncompressed    uint64
	TotalCompressed      uint64
	AverageRatio         float64
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	checkpoint_id      TEXT PRIMARY KEY,
	compressed_data    BLOB NOT NULL,
	created_at         INTEGER NOT NULL,
	uncompressed_size  INTEGER NOT NULL,
	compressed_size    INTEGER NOT NULL,
	compression_ratio  REAL NOT NULL,
	version            INTEGER NOT NULL,
	metadata           TEXT NOT NULL DEFAULT '{}',
	referenced_by      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at DESC, checkpoint_id);
`

const (
	insertCheckpointSQL = `INSERT INTO checkpoints (checkpoint_id, compressed_data, created_at, uncompressed_size, compressed_size, compression_ratio, version, metadata, referenced_by) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`
	selectCheckpointSQL = `SELECT compressed_data, created_at, uncompressed_size, compressed_size, compression_ratio, version, metadata, referenced_by FROM checkpoints WHERE checkpoint_id = ?;`
	listCheckpointsSQL  = `SELECT checkpoint_id, created_at, uncompressed_size, compressed_size, compression_ratio, version, referenced_by FROM checkpoints ORDER BY created_at DESC, checkpoint_id DESC;`
	deleteCheckpointSQL = `DELETE FROM checkpoints WHERE checkpoint_id = ?;`
	statsCheckpointsSQL = `SELECT COUNT(*), COALESCE(SUM(uncompressed_size), 0), COALESCE(SUM(compressed_size), 0), COALESCE(AVG(compression_ratio), 0) FROM checkpoints;`
)

// Store is compressed checkpoint storage backed by SQLite.
type Store struct {
	db    *sql.DB
	level int
}

// NewStore applies the checkpoints table schema to db and returns a Store
// compressing at level (1-21 accepted per the design's range;
// clamped into flate's 1-9 range, see clampLevel).
func NewStore(db *sql.DB, level int) (*Store, error) {
	if _, err := db.Exec(checkpointSchema); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "checkpoint.NewStore", "applying schema", err)
	}
	return &Store{db: db, level: clampLevel(level)}, nil
}

func clampLevel(level int) int {
	if level <= 0 {
		return 3
	}
	if level > flate.BestCompression {
		return flate.BestCompression
	}
	if level < flate.BestSpeed {
		return flate.BestSpeed
	}
	return level
}

// Store compresses data and persists it atomically, returning the new
// checkpoint's identifier.
func (s *Store) Store(ctx context.Context, data []byte) (idgen.ID, error) {
	compressed, err := compress(data, s.level)
	if err != nil {
		return idgen.ID{}, orcherrors.Wrap(orcherrors.KindSerialization, "checkpoint.Store", "compressing data", err)
	}

	ratio := 0.0
	if len(data) > 0 {
		ratio = float64(len(compressed)) / float64(len(data))
	}

	rec := Record{
		ID: idgen.NewMonotonic(), CompressedData: compressed, CreatedAt: time.Now().UTC(),
		UncompressedSize: uint64(len(data)), CompressedSize: uint64(len(compressed)),
		CompressionRatio: ratio, Version: schemaVersion,
	}

	_, err = s.db.ExecContext(ctx, insertCheckpointSQL,
		rec.ID.String(), rec.CompressedData, rec.CreatedAt.UnixMilli(), rec.UncompressedSize,
		rec.CompressedSize, rec.CompressionRatio, rec.Version, "{}", "")
	if err != nil {
		return idgen.ID{}, orcherrors.Wrap(orcherrors.KindStoreFailed, "checkpoint.Store", "inserting checkpoint", err)
	}
	return rec.ID, nil
}

// Load decompresses and returns the checkpoint's original data, sized by
// the stored uncompressed size.
func (s *Store) Load(ctx context.Context, id idgen.ID) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, selectCheckpointSQL, id.String())

	var (
		compressedData []byte
		createdAtMS    int64
		uncompressed, compressedSize uint64
		ratio          float64
		version        uint32
		metadata       string
		referencedBy   string
	)
	if err := row.Scan(&compressedData, &createdAtMS, &uncompressed, &compressedSize, &ratio, &version, &metadata, &referencedBy); err != nil {
		if err == sql.ErrNoRows {
			return nil, orcherrors.New(orcherrors.KindNotFound, "checkpoint.Load", "checkpoint not found")
		}
		return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "checkpoint.Load", "querying checkpoint", err)
	}

	buf := make([]byte, 0, uncompressed)
	out := bytes.NewBuffer(buf)
	r := flate.NewReader(bytes.NewReader(compressedData))
	defer r.Close()
	if _, err := io.Copy(out, r); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindSerialization, "checkpoint.Load", "decompressing data", err)
	}
	return out.Bytes(), nil
}

// List returns checkpoint identifiers newest-first.
func (s *Store) List(ctx context.Context) ([]idgen.ID, error) {
	rows, err := s.db.QueryContext(ctx, listCheckpointsSQL)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "checkpoint.List", "querying checkpoints", err)
	}
	defer rows.Close()

	var out []idgen.ID
	for rows.Next() {
		var (
			idStr                         string
			createdAtMS                   int64
			uncompressed, compressedSize  uint64
			ratio                         float64
			version                       uint32
			referencedBy                  string
		)
		if err := rows.Scan(&idStr, &createdAtMS, &uncompressed, &compressedSize, &ratio, &version, &referencedBy); err != nil {
			return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "checkpoint.List", "scanning row", err)
		}
		id, err := idgen.Parse(idStr)
		if err != nil {
			return nil, orcherrors.Wrap(orcherrors.KindSerialization, "checkpoint.List", "parsing checkpoint id", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindStoreFailed, "checkpoint.List", "iterating rows", err)
	}
	return out, nil
}

// Delete removes a checkpoint, returning InUse if it is still referenced
// by a suspended workflow or NotFound if absent.
func (s *Store) Delete(ctx context.Context, id idgen.ID) error {
	var referencedBy string
	err := s.db.QueryRowContext(ctx, `SELECT referenced_by FROM checkpoints WHERE checkpoint_id = ?;`, id.String()).Scan(&referencedBy)
	if err == sql.ErrNoRows {
		return orcherrors.New(orcherrors.KindNotFound, "checkpoint.Delete", "checkpoint not found")
	}
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindStoreFailed, "checkpoint.Delete", "querying checkpoint", err)
	}
	if referencedBy != "" {
		return orcherrors.New(orcherrors.KindInUse, "checkpoint.Delete", "checkpoint is referenced by suspended workflow "+referencedBy)
	}

	res, err := s.db.ExecContext(ctx, deleteCheckpointSQL, id.String())
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindStoreFailed, "checkpoint.Delete", "deleting checkpoint", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return orcherrors.New(orcherrors.KindNotFound, "checkpoint.Delete", "checkpoint not found")
	}
	return nil
}

// MarkReferenced records that workflowID still needs checkpoint id,
// protecting it from Delete until cleared.
func (s *Store) MarkReferenced(ctx context.Context, id idgen.ID, workflowID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE checkpoints SET referenced_by = ? WHERE checkpoint_id = ?;`, workflowID, id.String())
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindStoreFailed, "checkpoint.MarkReferenced", "updating checkpoint", err)
	}
	return nil
}

// Stats returns totals and averages across every stored checkpoint.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, statsCheckpointsSQL)
	if err := row.Scan(&st.Count, &st.TotalUncompressed, &st.TotalCompressed, &st.AverageRatio); err != nil {
		return Stats{}, orcherrors.Wrap(orcherrors.KindStoreFailed, "checkpoint.Stats", "querying stats", err)
	}
	return st, nil
}

func compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
