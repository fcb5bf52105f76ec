// Package ledger persists supervisor iteration records in SQLite.
//
// One row per iteration keyed by (run id, index). The ledger is an
// append-only audit trail; the supervisor never reads it back.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/pokemon-ai/multirunner/runner/ledger/migrations"
	"github.com/pokemon-ai/multirunner/runner/trace"
)

// ErrDuplicate is returned when an iteration with the same run id and index
// is already recorded.
var ErrDuplicate = errors.New("iteration already recorded")

// Store is a SQLite-backed ledger. It implements runner.Ledger.
type Store struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Open opens (creating if needed) the ledger at path and applies the
// embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordIteration inserts one iteration record.
func (s *Store) RecordIteration(ctx context.Context, rec trace.IterationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger is not open")
	}
	if strings.TrimSpace(rec.RunID) == "" {
		return fmt.Errorf("run id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO iterations (
		   run_id, idx, engine, started_at, finished_at,
		   inbound_lines, outbound_lines, skipped_lines,
		   inbound_sentinel, outbound_sentinel, status, error
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Index, rec.Engine, toMillis(rec.StartedAt), toMillis(rec.FinishedAt),
		rec.InboundLines, rec.OutboundLines, rec.SkippedLines,
		rec.InboundSentinel, rec.OutboundSentinel, string(rec.Status), rec.Error,
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: run %s index %d", ErrDuplicate, rec.RunID, rec.Index)
		}
		return fmt.Errorf("insert iteration: %w", err)
	}
	return nil
}

// ListIterations returns the records of one run ordered by index.
func (s *Store) ListIterations(ctx context.Context, runID string) ([]trace.IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, idx, engine, started_at, finished_at,
		        inbound_lines, outbound_lines, skipped_lines,
		        inbound_sentinel, outbound_sentinel, status, error
		   FROM iterations
		  WHERE run_id = ?
		  ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var records []trace.IterationRecord
	for rows.Next() {
		var (
			rec                 trace.IterationRecord
			startedAt, finished int64
			status              string
		)
		if err := rows.Scan(
			&rec.RunID, &rec.Index, &rec.Engine, &startedAt, &finished,
			&rec.InboundLines, &rec.OutboundLines, &rec.SkippedLines,
			&rec.InboundSentinel, &rec.OutboundSentinel, &status, &rec.Error,
		); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		rec.StartedAt = fromMillis(startedAt)
		rec.FinishedAt = fromMillis(finished)
		rec.Status = trace.Status(status)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate iterations: %w", err)
	}
	return records, nil
}

// RunIDs returns every recorded run id, most recent first.
func (s *Store) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM iterations GROUP BY run_id ORDER BY MIN(started_at) DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isDuplicate(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
