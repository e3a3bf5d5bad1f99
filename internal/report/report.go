// Package report summarizes pipeline state: which stages are complete, what
// the last run did to each, and whether anything still needs to execute.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

// StageStatus is one stage's standing in the report.
type StageStatus struct {
	Name        string `json:"name"`
	Complete    bool   `json:"complete"`
	Reason      string `json:"reason"`
	LastStatus  string `json:"last_status,omitempty"`
	LastRunID   string `json:"last_run_id,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Report is the structured pipeline status.
type Report struct {
	Pipeline  string        `json:"pipeline"`
	Workspace string        `json:"workspace"`
	Complete  bool          `json:"complete"`
	Pending   int           `json:"pending"`
	Stages    []StageStatus `json:"stages"`
}

// Build gathers status for every stage: the runner's skip/execute verdict
// plus the most recent run_log row.
func Build(ctx context.Context, db *sql.DB, ws *workspace.Manager, p pipeline.Pipeline) (*Report, error) {
	runner := pipeline.New(ws, pipeline.NewManifestStore(db), nil)
	decisions, err := runner.Plan(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("evaluate pipeline state: %w", err)
	}

	r := &Report{
		Pipeline:  p.Name,
		Workspace: ws.Root(),
		Stages:    make([]StageStatus, 0, len(decisions)),
	}
	for _, d := range decisions {
		st := StageStatus{
			Name:     d.Stage,
			Complete: !d.Execute,
			Reason:   d.Reason,
		}
		if err := attachLastRun(ctx, db, &st); err != nil {
			return nil, err
		}
		if d.Execute {
			r.Pending++
		}
		r.Stages = append(r.Stages, st)
	}
	r.Complete = r.Pending == 0
	return r, nil
}

func attachLastRun(ctx context.Context, db *sql.DB, st *StageStatus) error {
	var (
		runID       string
		status      string
		completedAt sql.NullString
		exitCode    sql.NullInt64
		lastError   sql.NullString
	)
	row := db.QueryRowContext(ctx, `
SELECT run_id, status, completed_at, exit_code, last_error
FROM run_log
WHERE stage = ?
ORDER BY started_at DESC
LIMIT 1;
`, st.Name)
	err := row.Scan(&runID, &status, &completedAt, &exitCode, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query run_log for stage %q: %w", st.Name, err)
	}

	st.LastRunID = runID
	st.LastStatus = status
	if completedAt.Valid {
		st.CompletedAt = completedAt.String
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		st.ExitCode = &code
	}
	if lastError.Valid {
		st.LastError = lastError.String
	}
	return nil
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	completeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// FormatHuman renders a terminal-friendly status table.
func FormatHuman(r *Report) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("Pipeline %s", r.Pipeline)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Workspace : %s\n", r.Workspace)
	if r.Complete {
		fmt.Fprintf(&b, "State     : %s\n", completeStyle.Render("complete"))
	} else {
		fmt.Fprintf(&b, "State     : %s\n", pendingStyle.Render(fmt.Sprintf("%d stage(s) pending", r.Pending)))
	}
	b.WriteString("\n")

	for _, st := range r.Stages {
		marker := pendingStyle.Render("○")
		if st.Complete {
			marker = completeStyle.Render("●")
		}
		if st.LastStatus == pipeline.StatusFailed && !st.Complete {
			marker = failedStyle.Render("✗")
		}

		fmt.Fprintf(&b, "%s %-14s %s\n", marker, st.Name, dimStyle.Render(st.Reason))
		if st.LastStatus == pipeline.StatusFailed {
			detail := st.LastError
			if st.ExitCode != nil {
				detail = fmt.Sprintf("exit %d: %s", *st.ExitCode, detail)
			}
			fmt.Fprintf(&b, "  %s\n", failedStyle.Render("last run failed: "+detail))
		}
	}

	return b.String()
}

// FormatJSON returns the machine-readable status report.
func FormatJSON(r *Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal status report: %w", err)
	}
	return string(data), nil
}
