package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/log"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

// Runner executes stages in declared order, skipping completed ones. Stages
// run strictly sequentially; the only concurrency is inside the external
// tools, via pass-through thread counts.
type Runner struct {
	ws       *workspace.Manager
	manifest *ManifestStore // nil disables fingerprint checks (pure existence)
	recorder *RunRecorder   // nil disables run_log writes
	logger   *slog.Logger
}

// New creates a Runner. Pass a nil manifest store to reproduce pure
// existence-based completion checks; pass a nil recorder for side-effect-free
// planning contexts.
func New(ws *workspace.Manager, manifest *ManifestStore, recorder *RunRecorder) *Runner {
	return &Runner{
		ws:       ws,
		manifest: manifest,
		recorder: recorder,
		logger:   log.WithComponent("runner"),
	}
}

// Decision is one skip/execute verdict from Plan.
type Decision struct {
	Stage   string
	Execute bool
	Reason  string
}

// Plan evaluates the completion predicate for every stage against the current
// workspace without executing anything.
func (r *Runner) Plan(ctx context.Context, p Pipeline) ([]Decision, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	decisions := make([]Decision, 0, len(p.Stages))
	for _, st := range p.Stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		complete, reason, err := r.isComplete(ctx, st)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, Decision{
			Stage:   st.Name,
			Execute: !complete,
			Reason:  reason,
		})
	}
	return decisions, nil
}

// Run executes the pipeline: completed stages are skipped, incomplete stages
// run in order, and the first failure aborts the whole run. Artifacts of
// previously completed stages are never touched, so a corrected re-invocation
// resumes from the first incomplete stage.
func (r *Runner) Run(ctx context.Context, p Pipeline) error {
	if err := Validate(p); err != nil {
		return err
	}

	for _, st := range p.Stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runStage(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, st Stage) error {
	logger := r.logger.With("stage", st.Name)

	complete, reason, err := r.isComplete(ctx, st)
	if err != nil {
		return err
	}
	if complete {
		logger.Info("stage complete, skipping", "reason", reason)
		if r.recorder != nil {
			if err := r.recorder.StageSkipped(ctx, st.Name); err != nil {
				logger.Error("failed to record skip", "error", err)
			}
		}
		return nil
	}

	logger.Info("executing stage", "reason", reason)

	var rowID string
	if r.recorder != nil {
		rowID, err = r.recorder.StageStarted(ctx, st.Name)
		if err != nil {
			logger.Error("failed to record stage start", "error", err)
		}
	}

	// A stale manifest entry must not survive a crash mid-re-execution.
	if r.manifest != nil {
		if err := r.manifest.Delete(ctx, st.Name); err != nil {
			return fmt.Errorf("stage %q: %w", st.Name, err)
		}
	}

	if err := r.resolveInputs(st); err != nil {
		r.completeRow(ctx, logger, rowID, StatusFailed, err)
		return err
	}

	if err := st.Action.Execute(ctx, st); err != nil {
		stageErr := actionFailed(st.Name, err)
		logger.Error("stage action failed", "error", err)
		r.completeRow(ctx, logger, rowID, StatusFailed, stageErr)
		return stageErr
	}

	// The action reported success; every declared output must now exist.
	for _, out := range st.Outputs {
		ok, err := r.ws.Exists(out)
		if err != nil {
			return fmt.Errorf("stage %q: %w", st.Name, err)
		}
		if !ok {
			stageErr := contractViolation(st.Name, out)
			logger.Error("stage violated its output contract", "output", out)
			r.completeRow(ctx, logger, rowID, StatusFailed, stageErr)
			return stageErr
		}
	}

	if r.manifest != nil {
		fp, err := Fingerprint(r.ws, st)
		if err != nil {
			return fmt.Errorf("stage %q: fingerprint: %w", st.Name, err)
		}
		if err := r.manifest.Put(ctx, ManifestEntry{
			Stage:       st.Name,
			Fingerprint: fp,
			Outputs:     st.Outputs,
		}); err != nil {
			return fmt.Errorf("stage %q: %w", st.Name, err)
		}
	}

	r.completeRow(ctx, logger, rowID, StatusSucceeded, nil)
	logger.Info("stage completed")
	return nil
}

// resolveInputs verifies every declared input exists before the action runs.
func (r *Runner) resolveInputs(st Stage) error {
	for _, in := range st.Inputs {
		ok, err := r.ws.Exists(in)
		if err != nil {
			return fmt.Errorf("stage %q: %w", st.Name, err)
		}
		if !ok {
			return preconditionMissing(st.Name, in)
		}
	}
	return nil
}

// isComplete evaluates the completion predicate: all declared outputs exist,
// and (when the manifest is enabled) the recorded fingerprint still matches
// the current inputs and params.
func (r *Runner) isComplete(ctx context.Context, st Stage) (bool, string, error) {
	for _, out := range st.Outputs {
		ok, err := r.ws.Exists(out)
		if err != nil {
			return false, "", fmt.Errorf("stage %q: %w", st.Name, err)
		}
		if !ok {
			return false, fmt.Sprintf("output %q missing", out), nil
		}
	}

	if r.manifest == nil {
		return true, "all outputs present", nil
	}

	entry, err := r.manifest.Get(ctx, st.Name)
	if err != nil {
		return false, "", fmt.Errorf("stage %q: %w", st.Name, err)
	}
	if entry == nil {
		return false, "outputs present but no manifest entry", nil
	}

	fp, err := Fingerprint(r.ws, st)
	if err != nil {
		// An input vanished since the stage last ran; not complete. Execution
		// will surface the missing input as a precondition failure.
		return false, "inputs unavailable for fingerprint", nil
	}
	if fp != entry.Fingerprint {
		return false, "inputs or params changed since last completion", nil
	}

	return true, "all outputs present, fingerprint matches", nil
}

func (r *Runner) completeRow(ctx context.Context, logger *slog.Logger, rowID, status string, cause error) {
	if r.recorder == nil || rowID == "" {
		return
	}

	var (
		exitCode *int
		errMsg   *string
		stderr   *string
	)
	if cause != nil {
		msg := cause.Error()
		errMsg = &msg

		var ec interface{ ExitCode() int }
		if errors.As(cause, &ec) {
			code := ec.ExitCode()
			exitCode = &code
		}
		var se interface{ Stderr() string }
		if errors.As(cause, &se) {
			s := se.Stderr()
			stderr = &s
		}
	}

	if err := r.recorder.StageCompleted(ctx, rowID, status, exitCode, errMsg, stderr); err != nil {
		logger.Error("failed to record stage completion", "error", err)
	}
}
