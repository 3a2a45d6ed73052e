package result

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one row of the run log.
type Run struct {
	ID          string
	Pipeline    string
	Status      string
	Documents   int
	Duplicates  int
	StartedAt   time.Time
	CompletedAt time.Time
	ErrorCode   string
	LastError   string
}

// RecordRun upserts a run log row.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO run_log(run_id, pipeline, status, documents, duplicates, started_at, completed_at, error_code, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  status = excluded.status,
  completed_at = excluded.completed_at,
  error_code = excluded.error_code,
  last_error = excluded.last_error;
`, r.ID, r.Pipeline, r.Status, r.Documents, r.Duplicates,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.CompletedAt.UTC().Format(time.RFC3339Nano),
		nullString(r.ErrorCode), nullString(r.LastError))
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun returns one run log row.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var (
		r                  Run
		started, completed string
		code, last         sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, pipeline, status, documents, duplicates, started_at, completed_at, error_code, last_error
FROM run_log WHERE run_id = ?;
`, id).Scan(&r.ID, &r.Pipeline, &r.Status, &r.Documents, &r.Duplicates, &started, &completed, &code, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", id, err)
	}
	if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if r.CompletedAt, err = time.Parse(time.RFC3339Nano, completed); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	r.ErrorCode = code.String
	r.LastError = last.String
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
