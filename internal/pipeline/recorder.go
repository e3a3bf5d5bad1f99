package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const maxStderrBytes = 64 * 1024

// Stage execution statuses recorded in run_log.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// RunRecorder appends per-stage execution rows to run_log. One recorder
// serves one run.
type RunRecorder struct {
	db    *sql.DB
	runID string
}

// NewRunRecorder creates a recorder for the given run ID.
func NewRunRecorder(db *sql.DB, runID string) *RunRecorder {
	return &RunRecorder{db: db, runID: runID}
}

// RunID returns the run this recorder writes for.
func (r *RunRecorder) RunID() string { return r.runID }

// StageStarted inserts a running row for the stage and returns its row ID.
func (r *RunRecorder) StageStarted(ctx context.Context, stage string) (string, error) {
	id := fmt.Sprintf("%s-%s", r.runID, stage)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := r.db.ExecContext(ctx, `
INSERT INTO run_log(id, run_id, stage, status, started_at)
VALUES(?, ?, ?, ?, ?);
`, id, r.runID, stage, StatusRunning, now)
	if err != nil {
		return "", fmt.Errorf("insert run_log row: %w", err)
	}
	return id, nil
}

// StageCompleted marks a run_log row terminal.
func (r *RunRecorder) StageCompleted(ctx context.Context, id, status string, exitCode *int, lastError, stderr *string) error {
	if status != StatusSucceeded && status != StatusFailed {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	var stderrVal any
	if stderr != nil {
		s := *stderr
		if len(s) > maxStderrBytes {
			s = s[:maxStderrBytes]
		}
		stderrVal = s
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
UPDATE run_log
SET status = ?, completed_at = ?, exit_code = ?, last_error = ?, stderr = ?
WHERE id = ?;
`, status, now, exitCode, lastError, stderrVal, id)
	if err != nil {
		return fmt.Errorf("update run_log row: %w", err)
	}
	return nil
}

// StageSkipped records a skip decision as a terminal row.
func (r *RunRecorder) StageSkipped(ctx context.Context, stage string) error {
	id := fmt.Sprintf("%s-%s", r.runID, stage)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := r.db.ExecContext(ctx, `
INSERT INTO run_log(id, run_id, stage, status, started_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, r.runID, stage, StatusSkipped, now, now)
	if err != nil {
		return fmt.Errorf("insert run_log skip row: %w", err)
	}
	return nil
}
