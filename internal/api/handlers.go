package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/report"
)

// HealthzResponse is the GET /healthz payload.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Pipeline      string `json:"pipeline"`
	Stages        int    `json:"stages"`
}

// RunLogEntry is one run_log row as served over the API.
type RunLogEntry struct {
	ID          string `json:"id"`
	RunID       string `json:"run_id"`
	Stage       string `json:"stage"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// ErrorResponse is the error payload for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Pipeline:      s.pipe.Name,
		Stages:        len(s.pipe.Stages),
	})
}

// handleStatus handles GET /status: the full per-stage completion report.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := report.Build(r.Context(), s.db, s.ws, s.pipe)
	if err != nil {
		s.logger.Error("failed to build status report", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to build status report")
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

// handleRuns handles GET /runs: recent run_log rows, newest first.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
SELECT id, run_id, stage, status, started_at, completed_at, exit_code, last_error
FROM run_log
ORDER BY started_at DESC
LIMIT 200;
`)
	if err != nil {
		s.logger.Error("failed to query run log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query run log")
		return
	}
	defer rows.Close()

	entries, err := scanRunLog(rows)
	if err != nil {
		s.logger.Error("failed to scan run log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query run log")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// handleRun handles GET /runs/{runID}: all stage rows for one run.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	rows, err := s.db.QueryContext(r.Context(), `
SELECT id, run_id, stage, status, started_at, completed_at, exit_code, last_error
FROM run_log
WHERE run_id = ?
ORDER BY started_at ASC;
`, runID)
	if err != nil {
		s.logger.Error("failed to query run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query run")
		return
	}
	defer rows.Close()

	entries, err := scanRunLog(rows)
	if err != nil {
		s.logger.Error("failed to scan run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query run")
		return
	}
	if len(entries) == 0 {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func scanRunLog(rows *sql.Rows) ([]RunLogEntry, error) {
	entries := make([]RunLogEntry, 0)
	for rows.Next() {
		var (
			e           RunLogEntry
			completedAt sql.NullString
			exitCode    sql.NullInt64
			lastError   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.Status, &e.StartedAt, &completedAt, &exitCode, &lastError); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			e.CompletedAt = completedAt.String
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			e.ExitCode = &code
		}
		if lastError.Valid {
			e.LastError = lastError.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
