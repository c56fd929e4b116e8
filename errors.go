package bench

import (
	"errors"
	"fmt"

	"github.com/devcapsys/capsys-easy-flow/runner"
	"github.com/devcapsys/capsys-easy-flow/types"
)

// Stage names the part of the bench lifecycle a RuntimeError came from.
type Stage string

const (
	StageConfig Stage = "config" // flags, positional arguments, manifest
	StageSetup  Stage = "setup"  // registry, runner and station construction
	StageRun    Stage = "run"    // the sequence could not be executed
)

// RuntimeError is a failure of the bench itself rather than of the device
// under test. It leads to exit code 2.
type RuntimeError struct {
	Stage Stage
	Err   error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("bench %s error: %v", e.Stage, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func NewRuntimeError(stage Stage, err error) *RuntimeError {
	return &RuntimeError{Stage: stage, Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// RuntimeStage returns the stage of the RuntimeError wrapped by err.
func RuntimeStage(err error) (Stage, bool) {
	var runtimeErr *RuntimeError
	if !errors.As(err, &runtimeErr) {
		return "", false
	}
	return runtimeErr.Stage, true
}

// TestFailureError reports a device that did not get a pass verdict. It
// leads to exit code 1.
type TestFailureError struct {
	Summary     string // operator summary line
	Verdict     types.Verdict
	Interrupted bool
	// PersistErr is set when the verdict could not be written.
	PersistErr error
}

func (e *TestFailureError) Error() string {
	msg := e.Summary
	if e.Verdict.FailureLabel != nil {
		msg = fmt.Sprintf("%s: %s", msg, *e.Verdict.FailureLabel)
	}
	if e.PersistErr != nil {
		msg = fmt.Sprintf("%s (verdict not stored: %v)", msg, e.PersistErr)
	}
	return msg
}

// NewTestFailureError builds the failure of a finished run.
func NewTestFailureError(s *runner.Summary) *TestFailureError {
	return &TestFailureError{
		Summary:     summaryLine(s),
		Verdict:     s.Verdict,
		Interrupted: s.Run.Interrupted,
		PersistErr:  s.Err,
	}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}
