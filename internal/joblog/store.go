package joblog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/duzhobots/facequeue/internal/queue"
)

// maxStderrBytes caps stderr stored per row.
const maxStderrBytes = 64 * 1024

// DefaultLimit is used by Recent when the filter sets no limit.
const DefaultLimit = 50

// ErrNotFound is returned by Get for unknown job IDs.
var ErrNotFound = errors.New("job not found")

// Store persists finished jobs in the job_log table.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends one finished job.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("job id is empty")
	}
	if !e.Status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", e.Status)
	}

	var stderrVal any
	if e.Stderr != nil {
		s := *e.Stderr
		if len(s) > maxStderrBytes {
			s = s[:maxStderrBytes]
		}
		stderrVal = s
	}
	var exitCode any
	if e.ExitCode != nil {
		exitCode = *e.ExitCode
	}
	var pid any
	if e.PID != 0 {
		pid = e.PID
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_log(
  id, kind, submitter, status, worker_id, pid, exit_code, payload_bytes, output_bytes,
  enqueued_at, started_at, completed_at, last_error, stderr
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		e.ID, e.Kind, e.Submitter, string(e.Status), e.WorkerID, pid, exitCode, e.PayloadBytes, e.OutputBytes,
		formatTime(e.EnqueuedAt), formatTime(e.StartedAt), formatTime(e.CompletedAt), e.LastError, stderrVal,
	)
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}
	return nil
}

const selectColumns = `
SELECT id, kind, submitter, status, worker_id, pid, exit_code, payload_bytes, output_bytes,
  enqueued_at, started_at, completed_at, last_error, stderr
FROM job_log`

// Get returns one job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?;`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return e, nil
}

// Recent returns the newest jobs first.
func (s *Store) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Submitter != "" {
		where = append(where, "submitter = ?")
		args = append(args, f.Submitter)
	}
	if f.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	query += " ORDER BY completed_at DESC, id LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query job_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job_log: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Prune deletes rows that completed more than retention ago and returns how
// many were removed. A zero retention keeps everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(time.Now().Add(-retention))
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune job_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune job_log: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                                 Entry
		status                            string
		pid, exitCode                     sql.NullInt64
		enqueuedAt, startedAt, completedAt string
		lastError, stderr                 sql.NullString
	)
	if err := row.Scan(
		&e.ID, &e.Kind, &e.Submitter, &status, &e.WorkerID, &pid, &exitCode, &e.PayloadBytes, &e.OutputBytes,
		&enqueuedAt, &startedAt, &completedAt, &lastError, &stderr,
	); err != nil {
		return nil, err
	}

	e.Status = queue.Status(status)
	e.PID = int(pid.Int64)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if stderr.Valid {
		e.Stderr = &stderr.String
	}

	var err error
	if e.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, err
	}
	if e.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
