// Package catalog keeps a SQLite index of persisted frames so a run can be
// queried (by exposure, brightness, worker, time) without decoding images.
package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/e7canasta/frame-acquisition/internal/persist"
)

//go:embed schema.sql
var schemaSQL string

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// Catalog records one row per persisted frame. Safe for concurrent use by
// several workers.
type Catalog struct {
	db    *sql.DB
	runID string
}

var _ persist.Recorder = (*Catalog)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(path, runID string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}

	return &Catalog{db: db, runID: runID}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Record implements persist.Recorder.
func (c *Catalog) Record(ctx context.Context, r persist.Record) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO frames (
			run_id, key, worker, seq, counter, width, height, format,
			exposure, brightness, captured_unix_nano, written_unix_nano, bytes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.runID, r.Key, r.Worker, int64(r.Seq), int64(r.Counter), r.Width, r.Height, r.Format.String(),
		r.Exposure, r.Brightness, r.Captured.UnixNano(), r.Written.UnixNano(), r.Bytes,
	)
	if err != nil {
		return fmt.Errorf("catalog: insert %s: %w", r.Key, err)
	}
	return nil
}

// Entry is one catalog row.
type Entry struct {
	RunID      string
	Key        string
	Worker     int
	Seq        uint64
	Counter    uint64
	Width      int
	Height     int
	Format     string
	Exposure   float64
	Brightness float64
	Captured   time.Time
	Written    time.Time
	Bytes      int
}

// Query filters entries. Zero values mean "no filter".
type Query struct {
	RunID         string
	Worker        *int
	MinBrightness *float64
	MaxBrightness *float64
	Since         time.Time
	Limit         int
}

// Entries returns matching rows ordered by capture time.
func (c *Catalog) Entries(ctx context.Context, q Query) ([]Entry, error) {
	stmt := `SELECT run_id, key, worker, seq, counter, width, height, format,
		exposure, brightness, captured_unix_nano, written_unix_nano, bytes
		FROM frames WHERE 1=1`
	var args []any

	if q.RunID != "" {
		stmt += " AND run_id = ?"
		args = append(args, q.RunID)
	}
	if q.Worker != nil {
		stmt += " AND worker = ?"
		args = append(args, *q.Worker)
	}
	if q.MinBrightness != nil {
		stmt += " AND brightness >= ?"
		args = append(args, *q.MinBrightness)
	}
	if q.MaxBrightness != nil {
		stmt += " AND brightness <= ?"
		args = append(args, *q.MaxBrightness)
	}
	if !q.Since.IsZero() {
		stmt += " AND captured_unix_nano >= ?"
		args = append(args, q.Since.UnixNano())
	}
	stmt += " ORDER BY captured_unix_nano, seq"
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			seq, counter      int64
			captured, written int64
		)
		if err := rows.Scan(&e.RunID, &e.Key, &e.Worker, &seq, &counter, &e.Width, &e.Height, &e.Format,
			&e.Exposure, &e.Brightness, &captured, &written, &e.Bytes); err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		e.Seq = uint64(seq)
		e.Counter = uint64(counter)
		e.Captured = time.Unix(0, captured)
		e.Written = time.Unix(0, written)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: rows: %w", err)
	}
	return out, nil
}

// RunSummary aggregates one run.
type RunSummary struct {
	RunID          string
	Frames         int
	MeanBrightness float64
	MinExposure    float64
	MaxExposure    float64
}

// Summary aggregates the frames of runID.
func (c *Catalog) Summary(ctx context.Context, runID string) (RunSummary, error) {
	s := RunSummary{RunID: runID}
	var mean, minExp, maxExp sql.NullFloat64
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(brightness), MIN(exposure), MAX(exposure)
		FROM frames WHERE run_id = ?`, runID,
	).Scan(&s.Frames, &mean, &minExp, &maxExp)
	if err != nil {
		return s, fmt.Errorf("catalog: summary %s: %w", runID, err)
	}
	s.MeanBrightness = mean.Float64
	s.MinExposure = minExp.Float64
	s.MaxExposure = maxExp.Float64
	return s, nil
}
