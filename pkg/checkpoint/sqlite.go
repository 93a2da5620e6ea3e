package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// SQLiteJobStore persists checkpoint jobs in a local SQLite database.
// A single connection with WAL keeps writes serialized without giving up
// crash durability.
type SQLiteJobStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// NewSQLiteJobStore opens (or creates) the job database at path
func NewSQLiteJobStore(path string) (*SQLiteJobStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, "open job database", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errs.Wrap(errs.CodeUnavailable, "configure job database", err)
		}
	}
	return &SQLiteJobStore{db: db}, nil
}

func (s *SQLiteJobStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New(errs.CodeUnavailable, "job store is closed")
	}
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoint_jobs (
		id         TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		status     TEXT NOT NULL,
		last_error TEXT,
		queued_at  TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoint_jobs_status ON checkpoint_jobs(status);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errs.Wrap(errs.CodeUnavailable, "create job schema", err)
	}
	return nil
}

func (s *SQLiteJobStore) Upsert(ctx context.Context, job types.CheckpointJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New(errs.CodeUnavailable, "job store is closed")
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "marshal job payload", err)
	}

	query := `
	INSERT INTO checkpoint_jobs (id, payload, attempts, status, last_error, queued_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		attempts = excluded.attempts,
		status = excluded.status,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
	`
	var lastErr sql.NullString
	if job.LastError != "" {
		lastErr = sql.NullString{String: job.LastError, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, query,
		job.ID, string(payload), job.Attempts, string(job.Status), lastErr,
		job.QueuedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		return errs.Wrap(errs.CodeUnavailable, "upsert job", err)
	}
	return nil
}

func (s *SQLiteJobStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New(errs.CodeUnavailable, "job store is closed")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoint_jobs WHERE id = ?`, jobID); err != nil {
		return errs.Wrap(errs.CodeUnavailable, "delete job", err)
	}
	return nil
}

func (s *SQLiteJobStore) LoadPending(ctx context.Context) ([]types.CheckpointJob, error) {
	return s.loadByStatus(ctx,
		string(types.JobQueued), string(types.JobRunning), string(types.JobPending))
}

func (s *SQLiteJobStore) LoadDeadLetters(ctx context.Context) ([]types.CheckpointJob, error) {
	return s.loadByStatus(ctx, string(types.JobManualIntervention))
}

func (s *SQLiteJobStore) loadByStatus(ctx context.Context, statuses ...string) ([]types.CheckpointJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errs.New(errs.CodeUnavailable, "job store is closed")
	}

	query := `
	SELECT id, payload, attempts, status, last_error, queued_at, updated_at
	FROM checkpoint_jobs WHERE status IN (`
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args[i] = st
	}
	query += `) ORDER BY queued_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, "query jobs", err)
	}
	defer rows.Close()

	var jobs []types.CheckpointJob
	for rows.Next() {
		var (
			job       types.CheckpointJob
			payload   string
			status    string
			lastErr   sql.NullString
			queuedAt  time.Time
			updatedAt time.Time
		)
		if err := rows.Scan(&job.ID, &payload, &job.Attempts, &status, &lastErr, &queuedAt, &updatedAt); err != nil {
			return nil, errs.Wrap(errs.CodeUnavailable, "scan job row", err)
		}
		if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, "decode job payload", err)
		}
		job.Status = types.CheckpointJobStatus(status)
		if lastErr.Valid {
			job.LastError = lastErr.String
		}
		job.QueuedAt = queuedAt
		job.UpdatedAt = updatedAt
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteJobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
