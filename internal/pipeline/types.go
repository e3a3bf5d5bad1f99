package pipeline

import (
	"context"
	"strings"
)

// Stage is one step of the pipeline: declared inputs and outputs plus an
// opaque action. Artifacts are the only channel between stages; no in-memory
// state crosses a stage boundary.
type Stage struct {
	// Name identifies the stage in logs, the manifest and the run log.
	Name string

	// Inputs are workspace-relative artifact paths that must exist before the
	// action runs. They are outputs of earlier stages or pipeline
	// preconditions (pre-existing files).
	Inputs []string

	// Outputs are workspace-relative artifact paths the action promises to
	// produce. A trailing slash declares a directory artifact.
	Outputs []string

	// Params are resource and tool parameters passed through to the action
	// without interpretation. They participate in the manifest fingerprint.
	Params map[string]string

	// Action is the external operation. The runner treats it as opaque:
	// given the declared inputs and params it either produces the declared
	// outputs or fails.
	Action Action
}

// Action is the opaque operation a stage delegates to.
type Action interface {
	Execute(ctx context.Context, st Stage) error
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, st Stage) error

func (f ActionFunc) Execute(ctx context.Context, st Stage) error { return f(ctx, st) }

// Pipeline is an ordered sequence of stages forming a linear dependency
// chain, plus the preconditions (externally supplied artifacts) the first
// stages may consume.
type Pipeline struct {
	Name          string
	Stages        []Stage
	Preconditions []string
}

// IsDirArtifact reports whether a declared artifact path names a directory.
func IsDirArtifact(path string) bool {
	return strings.HasSuffix(path, "/")
}
