package pipeline_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline/mocks"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/storage"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

func newWorkspace(t *testing.T) *workspace.Manager {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	if err := ws.Init(context.Background()); err != nil {
		t.Fatalf("ws.Init: %v", err)
	}
	return ws
}

func newStateDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func writeArtifact(t *testing.T, ws *workspace.Manager, rel, content string) {
	t.Helper()
	path, err := ws.Path(rel)
	if err != nil {
		t.Fatalf("ws.Path(%q): %v", rel, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// writeOutputs returns an action that materializes the stage's declared outputs.
func writeOutputs(ws *workspace.Manager) pipeline.ActionFunc {
	return func(ctx context.Context, st pipeline.Stage) error {
		for _, out := range st.Outputs {
			path, err := ws.Path(out)
			if err != nil {
				return err
			}
			if pipeline.IsDirArtifact(out) {
				if err := os.MkdirAll(path, 0o755); err != nil {
					return err
				}
				continue
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(st.Name), 0o644); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestRunExecutesStagesInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ws := newWorkspace(t)
	produce := writeOutputs(ws)

	first := mocks.NewMockAction(ctrl)
	second := mocks.NewMockAction(ctrl)
	gomock.InOrder(
		first.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(produce),
		second.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(produce),
	)

	p := pipeline.Pipeline{
		Name: "test",
		Stages: []pipeline.Stage{
			{Name: "import", Outputs: []string{"artifacts/demux.qza"}, Action: first},
			{Name: "denoise", Inputs: []string{"artifacts/demux.qza"}, Outputs: []string{"artifacts/table.qza"}, Action: second},
		},
	}

	r := pipeline.New(ws, nil, nil)
	if err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// Resume scenario: raw/ and demux.qza exist, table.qza does not. Download and
// Import must be skipped; only Denoise runs, and its failure aborts the run
// leaving demux.qza untouched.
func TestRunResumesFromFirstIncompleteStage(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ws := newWorkspace(t)
	writeArtifact(t, ws, "raw/SRR1.fastq", "@read\n")
	writeArtifact(t, ws, "artifacts/demux.qza", "demux-content")

	download := mocks.NewMockAction(ctrl)
	importAct := mocks.NewMockAction(ctrl)
	denoise := mocks.NewMockAction(ctrl)
	denoise.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(errors.New("dada2 exited 1"))

	p := pipeline.Pipeline{
		Stages: []pipeline.Stage{
			{Name: "download", Outputs: []string{"raw/SRR1.fastq"}, Action: download},
			{Name: "import", Inputs: []string{"raw/SRR1.fastq"}, Outputs: []string{"artifacts/demux.qza"}, Action: importAct},
			{Name: "denoise", Inputs: []string{"artifacts/demux.qza"}, Outputs: []string{"artifacts/table.qza"}, Action: denoise},
		},
	}

	r := pipeline.New(ws, nil, nil)
	err := r.Run(context.Background(), p)
	if !errors.Is(err, pipeline.ErrActionFailed) {
		t.Fatalf("expected ErrActionFailed, got %v", err)
	}

	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "denoise" {
		t.Fatalf("expected failure attributed to denoise, got %v", err)
	}

	path, _ := ws.Path("artifacts/demux.qza")
	b, err2 := os.ReadFile(path)
	if err2 != nil || string(b) != "demux-content" {
		t.Fatalf("demux.qza touched by failed run: %q, %v", b, err2)
	}
}

func TestRunFailFastSkipsLaterStages(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ws := newWorkspace(t)
	produce := writeOutputs(ws)

	ok := mocks.NewMockAction(ctrl)
	ok.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(produce)
	failing := mocks.NewMockAction(ctrl)
	failing.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(errors.New("boom"))
	never := mocks.NewMockAction(ctrl) // no EXPECT: any call fails the test

	p := pipeline.Pipeline{
		Stages: []pipeline.Stage{
			{Name: "one", Outputs: []string{"artifacts/a"}, Action: ok},
			{Name: "two", Inputs: []string{"artifacts/a"}, Outputs: []string{"artifacts/b"}, Action: failing},
			{Name: "three", Inputs: []string{"artifacts/b"}, Outputs: []string{"artifacts/c"}, Action: never},
		},
	}

	err := pipeline.New(ws, nil, nil).Run(context.Background(), p)
	if !errors.Is(err, pipeline.ErrActionFailed) {
		t.Fatalf("expected ErrActionFailed, got %v", err)
	}

	if ok, _ := ws.Exists("artifacts/a"); !ok {
		t.Fatal("completed stage output removed by later failure")
	}
	if ok, _ := ws.Exists("artifacts/c"); ok {
		t.Fatal("stage after failure produced output")
	}
}

func TestRunContractViolation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ws := newWorkspace(t)

	lying := mocks.NewMockAction(ctrl)
	lying.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil)

	p := pipeline.Pipeline{
		Stages: []pipeline.Stage{
			{Name: "import", Outputs: []string{"artifacts/demux.qza"}, Action: lying},
		},
	}

	err := pipeline.New(ws, nil, nil).Run(context.Background(), p)
	if !errors.Is(err, pipeline.ErrContractViolation) {
		t.Fatalf("expected ErrContractViolation, got %v", err)
	}
}

func TestRunPreconditionMissing(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ws := newWorkspace(t)
	never := mocks.NewMockAction(ctrl)

	p := pipeline.Pipeline{
		Preconditions: []string{"metadata.tsv"},
		Stages: []pipeline.Stage{
			{Name: "diversity", Inputs: []string{"metadata.tsv"}, Outputs: []string{"results/core-metrics/"}, Action: never},
		},
	}

	err := pipeline.New(ws, nil, nil).Run(context.Background(), p)
	if !errors.Is(err, pipeline.ErrPreconditionMissing) {
		t.Fatalf("expected ErrPreconditionMissing, got %v", err)
	}
}

// Two sequential runs over an unmodified pipeline: the second run executes
// nothing and the artifact set is unchanged.
func TestRunIdempotence(t *testing.T) {
	ws := newWorkspace(t)
	db := newStateDB(t)
	manifest := pipeline.NewManifestStore(db)

	executions := 0
	counting := pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
		executions++
		return writeOutputs(ws)(ctx, st)
	})

	writeArtifact(t, ws, "metadata.tsv", "sample-id\tgroup\n")
	p := pipeline.Pipeline{
		Preconditions: []string{"metadata.tsv"},
		Stages: []pipeline.Stage{
			{Name: "import", Inputs: []string{"metadata.tsv"}, Outputs: []string{"artifacts/demux.qza"}, Params: map[string]string{"threads": "4"}, Action: counting},
			{Name: "denoise", Inputs: []string{"artifacts/demux.qza"}, Outputs: []string{"artifacts/table.qza"}, Params: map[string]string{"trunc_len": "250"}, Action: counting},
		},
	}

	r := pipeline.New(ws, manifest, nil)
	if err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if executions != 2 {
		t.Fatalf("expected 2 executions, got %d", executions)
	}

	if err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if executions != 2 {
		t.Fatalf("second run re-executed stages: %d executions", executions)
	}

	decisions, err := r.Plan(context.Background(), p)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, d := range decisions {
		if d.Execute {
			t.Errorf("stage %q still scheduled after complete run (%s)", d.Stage, d.Reason)
		}
	}
}

func TestRunManifestInvalidation(t *testing.T) {
	ws := newWorkspace(t)
	db := newStateDB(t)
	manifest := pipeline.NewManifestStore(db)

	executions := 0
	counting := pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
		executions++
		return writeOutputs(ws)(ctx, st)
	})

	writeArtifact(t, ws, "raw/SRR1.fastq", "@read1\n")
	p := pipeline.Pipeline{
		Preconditions: []string{"raw/SRR1.fastq"},
		Stages: []pipeline.Stage{
			{Name: "import", Inputs: []string{"raw/SRR1.fastq"}, Outputs: []string{"artifacts/demux.qza"}, Action: counting},
		},
	}

	r := pipeline.New(ws, manifest, nil)
	if err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// Changed input invalidates the completed stage even though its output exists.
	writeArtifact(t, ws, "raw/SRR1.fastq", "@read1\n@read2\n")
	if err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if executions != 2 {
		t.Fatalf("expected re-execution after input change, got %d executions", executions)
	}

	// Changed params invalidate as well.
	p.Stages[0].Params = map[string]string{"threads": "8"}
	if err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("third Run: %v", err)
	}
	if executions != 3 {
		t.Fatalf("expected re-execution after param change, got %d executions", executions)
	}
}

// Without the manifest store the runner reproduces pure existence checks:
// outputs present means skipped, regardless of input freshness.
func TestRunExistenceOnlySkip(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ws := newWorkspace(t)
	writeArtifact(t, ws, "raw/SRR1.fastq", "@read\n")
	writeArtifact(t, ws, "artifacts/demux.qza", "stale")
	never := mocks.NewMockAction(ctrl)

	p := pipeline.Pipeline{
		Preconditions: []string{"raw/SRR1.fastq"},
		Stages: []pipeline.Stage{
			{Name: "import", Inputs: []string{"raw/SRR1.fastq"}, Outputs: []string{"artifacts/demux.qza"}, Action: never},
		},
	}

	if err := pipeline.New(ws, nil, nil).Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestPlanDoesNotExecute(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ws := newWorkspace(t)
	never := mocks.NewMockAction(ctrl)

	p := pipeline.Pipeline{
		Stages: []pipeline.Stage{
			{Name: "import", Outputs: []string{"artifacts/demux.qza"}, Action: never},
		},
	}

	decisions, err := pipeline.New(ws, nil, nil).Plan(context.Background(), p)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(decisions) != 1 || !decisions[0].Execute {
		t.Fatalf("unexpected decisions: %#v", decisions)
	}
}

func TestRunRecordsRunLog(t *testing.T) {
	ws := newWorkspace(t)
	db := newStateDB(t)
	recorder := pipeline.NewRunRecorder(db, "run-1")

	writeArtifact(t, ws, "artifacts/demux.qza", "done")
	failing := pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
		return errors.New("boom")
	})

	p := pipeline.Pipeline{
		Stages: []pipeline.Stage{
			{Name: "import", Outputs: []string{"artifacts/demux.qza"}, Action: failing},
			{Name: "denoise", Inputs: []string{"artifacts/demux.qza"}, Outputs: []string{"artifacts/table.qza"}, Action: failing},
		},
	}

	err := pipeline.New(ws, nil, recorder).Run(context.Background(), p)
	if !errors.Is(err, pipeline.ErrActionFailed) {
		t.Fatalf("expected ErrActionFailed, got %v", err)
	}

	rows := map[string]string{}
	result, err2 := db.Query("SELECT stage, status FROM run_log WHERE run_id = ?;", "run-1")
	if err2 != nil {
		t.Fatalf("query run_log: %v", err2)
	}
	defer result.Close()
	for result.Next() {
		var stage, status string
		if err := result.Scan(&stage, &status); err != nil {
			t.Fatalf("scan: %v", err)
		}
		rows[stage] = status
	}
	if err := result.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}

	if rows["import"] != pipeline.StatusSkipped {
		t.Errorf("import status = %q, want skipped", rows["import"])
	}
	if rows["denoise"] != pipeline.StatusFailed {
		t.Errorf("denoise status = %q, want failed", rows["denoise"])
	}
}
