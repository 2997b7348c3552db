package execution

import (
	"errors"
	"fmt"

	"github.com/antoniostano/deskpilot/internal/tasks"
)

var (
	ErrCancelled    = errors.New("task cancelled")
	ErrTimeout      = errors.New("task timeout reached")
	ErrNotPermitted = errors.New("tool not allowed")
	// ErrInterrupted stops a run at a step boundary when the process shuts
	// down. The step in flight is allowed to finish.
	ErrInterrupted = errors.New("execution interrupted by shutdown")
)

// Step error kinds recorded in tasks.StepError.Kind.
const (
	KindNotPermitted    = "not_permitted"
	KindInvalidArgs     = "invalid_args"
	KindCapabilityError = "capability_error"
	KindTimeout         = "timeout"
)

// StepFailure is the cause of a run that stopped on a failing step.
type StepFailure struct {
	StepID int
	Action string
	Kind   string
	Err    error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.StepID, e.Action, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// PanicError is a panic raised inside a capability, turned into a step
// failure.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("capability panicked: %v", e.Value)
}

// RunError carries the partial result of a run that did not finish.
type RunError struct {
	Result tasks.Result
	Err    error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return "run failed"
	}
	return e.Err.Error()
}

func (e *RunError) Unwrap() error { return e.Err }
