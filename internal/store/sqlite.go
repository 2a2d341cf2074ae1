package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/taskworker/internal/model"

	_ "modernc.org/sqlite"
)

const createLostResultsTable = `
CREATE TABLE IF NOT EXISTS lost_results (
    id                   TEXT PRIMARY KEY,
    task_id              TEXT NOT NULL,
    workflow_instance_id TEXT NOT NULL,
    task_type            TEXT NOT NULL,
    worker_id            TEXT NOT NULL,
    status               TEXT NOT NULL,
    result               BLOB NOT NULL,
    error                TEXT NOT NULL,
    attempts             INTEGER NOT NULL,
    created_at           DATETIME NOT NULL,
    last_attempt_at      DATETIME
)`

const createLostResultsIndex = `
CREATE INDEX IF NOT EXISTS idx_lost_results_created_at ON lost_results (created_at)`

const selectColumns = `id, task_id, workflow_instance_id, task_type, worker_id, status,
	result, error, attempts, created_at, last_attempt_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createLostResultsTable, createLostResultsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate lost_results: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveLostResult inserts a journal entry.
func (s *SQLiteStore) SaveLostResult(ctx context.Context, r *LostResult) error {
	payload, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lost_results (
			id, task_id, workflow_instance_id, task_type, worker_id, status,
			result, error, attempts, created_at, last_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.WorkflowInstanceID, r.TaskType, r.WorkerID, string(r.Status),
		payload, r.Error, r.Attempts, r.CreatedAt, r.LastAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("insert lost result: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLostResult(row rowScanner) (*LostResult, error) {
	var (
		r       LostResult
		status  string
		payload []byte
	)
	if err := row.Scan(
		&r.ID, &r.TaskID, &r.WorkflowInstanceID, &r.TaskType, &r.WorkerID, &status,
		&payload, &r.Error, &r.Attempts, &r.CreatedAt, &r.LastAttemptAt,
	); err != nil {
		return nil, err
	}
	r.Status = model.TaskStatus(status)
	if err := json.Unmarshal(payload, &r.Result); err != nil {
		return nil, fmt.Errorf("decode task result %s: %w", r.ID, err)
	}
	return &r, nil
}

// GetLostResult retrieves a journal entry by ID.
func (s *SQLiteStore) GetLostResult(ctx context.Context, id string) (*LostResult, error) {
	r, err := scanLostResult(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM lost_results WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lost result: %w", err)
	}
	return r, nil
}

// ListLostResults returns a page of entries ordered by created_at DESC,
// along with the total count.
func (s *SQLiteStore) ListLostResults(ctx context.Context, limit, offset int) ([]*LostResult, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM lost_results").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count lost results: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM lost_results
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list lost results: %w", err)
	}
	defer rows.Close()

	results, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

// PendingLostResults returns up to limit entries, oldest first.
func (s *SQLiteStore) PendingLostResults(ctx context.Context, limit int) ([]*LostResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM lost_results
		ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending lost results: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*LostResult, error) {
	var results []*LostResult
	for rows.Next() {
		r, err := scanLostResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lost result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lost results: %w", err)
	}
	return results, nil
}

// RecordAttempt increments the attempt count and stores the latest error.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, id string, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE lost_results SET attempts = attempts + 1, error = ?, last_attempt_at = ? WHERE id = ?",
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return expectOneRow(result)
}

// DeleteLostResult removes an entry once it has been delivered.
func (s *SQLiteStore) DeleteLostResult(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM lost_results WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete lost result: %w", err)
	}
	return expectOneRow(result)
}

func expectOneRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStats returns counts by task type and status.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		CountByType:   make(map[string]int),
		CountByStatus: make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(MAX(attempts), 0) FROM lost_results",
	).Scan(&stats.Total, &stats.MaxAttempts); err != nil {
		return nil, fmt.Errorf("count lost results: %w", err)
	}

	if err := s.countBy(ctx, "task_type", stats.CountByType); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills dst with row counts grouped by column. column is always a
// constant from this package.
func (s *SQLiteStore) countBy(ctx context.Context, column string, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM lost_results GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		dst[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return nil
}
