package pipeline

import (
	"errors"
	"fmt"
)

// The three failure classes. All are fatal to a run; none is retried.
var (
	// ErrPreconditionMissing: a declared input does not exist before the
	// action runs. Filesystem state is inconsistent with the declared order.
	ErrPreconditionMissing = errors.New("precondition missing")

	// ErrActionFailed: the external operation reported failure.
	ErrActionFailed = errors.New("action failed")

	// ErrContractViolation: the action reported success but a declared output
	// is still missing (silent partial-write hazard).
	ErrContractViolation = errors.New("output contract violation")
)

// StageError wraps a failure with the stage that caused it, so the operator
// always knows where the run halted.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %q: %s: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("stage %q: %s", e.Stage, e.Kind)
}

func (e *StageError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func preconditionMissing(stage, artifact string) *StageError {
	return &StageError{
		Stage: stage,
		Kind:  ErrPreconditionMissing,
		Err:   fmt.Errorf("input artifact %q does not exist", artifact),
	}
}

func actionFailed(stage string, cause error) *StageError {
	return &StageError{Stage: stage, Kind: ErrActionFailed, Err: cause}
}

func contractViolation(stage, artifact string) *StageError {
	return &StageError{
		Stage: stage,
		Kind:  ErrContractViolation,
		Err:   fmt.Errorf("action succeeded but output artifact %q does not exist", artifact),
	}
}
