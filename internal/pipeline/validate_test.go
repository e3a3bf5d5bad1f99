package pipeline

import (
	"context"
	"strings"
	"testing"
)

func noop(ctx context.Context, st Stage) error { return nil }

func TestValidateAcceptsLinearChain(t *testing.T) {
	t.Parallel()

	p := Pipeline{
		Name:          "16s",
		Preconditions: []string{"metadata.tsv"},
		Stages: []Stage{
			{Name: "download", Outputs: []string{"raw/SRR1.fastq"}, Action: ActionFunc(noop)},
			{Name: "import", Inputs: []string{"raw/SRR1.fastq", "metadata.tsv"}, Outputs: []string{"artifacts/demux.qza"}, Action: ActionFunc(noop)},
			{Name: "denoise", Inputs: []string{"artifacts/demux.qza"}, Outputs: []string{"artifacts/table.qza", "artifacts/rep-seqs.qza"}, Action: ActionFunc(noop)},
		},
	}

	if err := Validate(p); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		p       Pipeline
		wantSub string
	}{
		{
			name:    "empty pipeline",
			p:       Pipeline{Name: "empty"},
			wantSub: "no stages",
		},
		{
			name: "unknown input",
			p: Pipeline{Stages: []Stage{
				{Name: "a", Inputs: []string{"nowhere"}, Outputs: []string{"x"}, Action: ActionFunc(noop)},
			}},
			wantSub: "not a precondition",
		},
		{
			name: "input from later stage",
			p: Pipeline{Stages: []Stage{
				{Name: "a", Inputs: []string{"y"}, Outputs: []string{"x"}, Action: ActionFunc(noop)},
				{Name: "b", Inputs: []string{"x"}, Outputs: []string{"y"}, Action: ActionFunc(noop)},
			}},
			wantSub: "not a precondition",
		},
		{
			name: "duplicate stage name",
			p: Pipeline{Stages: []Stage{
				{Name: "a", Outputs: []string{"x"}, Action: ActionFunc(noop)},
				{Name: "a", Outputs: []string{"y"}, Action: ActionFunc(noop)},
			}},
			wantSub: "duplicated",
		},
		{
			name: "duplicate output",
			p: Pipeline{Stages: []Stage{
				{Name: "a", Outputs: []string{"x"}, Action: ActionFunc(noop)},
				{Name: "b", Outputs: []string{"x"}, Action: ActionFunc(noop)},
			}},
			wantSub: "already produced",
		},
		{
			name: "no outputs",
			p: Pipeline{Stages: []Stage{
				{Name: "a", Action: ActionFunc(noop)},
			}},
			wantSub: "declares no outputs",
		},
		{
			name: "nil action",
			p: Pipeline{Stages: []Stage{
				{Name: "a", Outputs: []string{"x"}},
			}},
			wantSub: "no action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.p)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestValidateDirArtifactNormalization(t *testing.T) {
	t.Parallel()

	// A directory output may be consumed with or without the trailing slash.
	p := Pipeline{Stages: []Stage{
		{Name: "diversity", Outputs: []string{"results/core-metrics/"}, Action: ActionFunc(noop)},
		{Name: "significance", Inputs: []string{"results/core-metrics"}, Outputs: []string{"results/sig.qzv"}, Action: ActionFunc(noop)},
	}}

	if err := Validate(p); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
