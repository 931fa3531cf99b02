package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the history database.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection: an in-memory database is private to its connection, and
	// the file database only ever has one writer.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		job TEXT NOT NULL,
		host TEXT NOT NULL,
		started INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		exit_status INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		recompiled INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_job ON runs(job);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends r and returns its id.
func (s *SQLiteStore) Record(ctx context.Context, r Run) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (session_id, job, host, started, duration_ms, exit_status, outcome, bytes, recompiled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Job, r.Host, r.Started.UnixMilli(), r.Duration.Milliseconds(),
		r.Exit, r.Outcome, r.Bytes, boolInt(r.Recompiled),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// Latest returns up to limit runs, newest first.
func (s *SQLiteStore) Latest(ctx context.Context, job string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, job, host, started, duration_ms, exit_status, outcome, bytes, recompiled
		 FROM runs WHERE (? = '' OR job = ?) ORDER BY id DESC LIMIT ?`,
		job, job, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                   Run
			started, durationMS int64
			recompiled          int
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Job, &r.Host, &started, &durationMS,
			&r.Exit, &r.Outcome, &r.Bytes, &recompiled); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Started = time.UnixMilli(started)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.Recompiled = recompiled != 0
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return runs, nil
}

// Summarize aggregates all runs of job.
func (s *SQLiteStore) Summarize(ctx context.Context, job string) (Summary, error) {
	var (
		sum    Summary
		meanMS sql.NullFloat64
		last   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN exit_status = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(recompiled), 0),
		        AVG(duration_ms),
		        MAX(started)
		 FROM runs WHERE job = ?`, job,
	).Scan(&sum.Runs, &sum.Succeeded, &sum.Recompiled, &meanMS, &last)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize runs: %w", err)
	}
	if meanMS.Valid {
		sum.MeanElapsed = time.Duration(meanMS.Float64 * float64(time.Millisecond))
	}
	if last.Valid {
		sum.Last = time.UnixMilli(last.Int64)
	}
	return sum, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
