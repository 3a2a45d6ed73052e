package result

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/docbridge/internal/session"
)

// DefaultMaxResultBytes bounds one stored result.
const DefaultMaxResultBytes = 1 << 20

// ErrNotFound is returned when no result or run matches.
var ErrNotFound = errors.New("not found")

// Store persists results and the run log in SQLite. The schema is created
// by storage.OpenSQLite.
type Store struct {
	db       *sql.DB
	maxBytes int
	now      func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, maxBytes: DefaultMaxResultBytes, now: time.Now}
}

// Record is one stored corpus result.
type Record struct {
	ID        int64
	RunID     string
	Pipeline  string
	Step      string
	Reduced   bool
	Data      json.RawMessage
	CreatedAt time.Time
}

// Publish appends r as a row in corpus_results.
func (s *Store) Publish(ctx context.Context, r session.Result) error {
	if r.Step == "" {
		return fmt.Errorf("result step is empty")
	}
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if len(data) > s.maxBytes {
		return fmt.Errorf("result for step %s exceeds max size (%d bytes)", r.Step, s.maxBytes)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO corpus_results(run_id, pipeline, step, reduced, result, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, r.RunID, r.Pipeline, r.Step, r.Reduced, string(data), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert corpus result: %w", err)
	}
	return nil
}

// Latest returns the most recent result for a pipeline step.
func (s *Store) Latest(ctx context.Context, pipeline, step string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, run_id, pipeline, step, reduced, result, created_at
FROM corpus_results
WHERE pipeline = ? AND step = ?
ORDER BY id DESC
LIMIT 1;
`, pipeline, step)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result for %s/%s: %w", pipeline, step, ErrNotFound)
	}
	return rec, err
}

// ForRun returns every result of one run, oldest first.
func (s *Store) ForRun(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, pipeline, step, reduced, result, created_at
FROM corpus_results
WHERE run_id = ?
ORDER BY id ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query corpus results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec     Record
		raw     string
		created string
	)
	if err := sc.Scan(&rec.ID, &rec.RunID, &rec.Pipeline, &rec.Step, &rec.Reduced, &raw, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan corpus result: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored result %d is invalid JSON", rec.ID)
	}
	rec.Data = json.RawMessage(raw)
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for result %d: %w", rec.ID, err)
	}
	rec.CreatedAt = t
	return &rec, nil
}
