package types

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is a missing or empty required configuration field.
	ErrConfig = errors.New("configuration error")
	// ErrValidation is a non-numeric token in an instrument response.
	ErrValidation = errors.New("validation error")
	// ErrRange is a parsed value outside its configured bounds.
	ErrRange = errors.New("range error")
	// ErrConnection is a response without the expected prefix. The
	// instrument is considered desynchronized and its link is torn down.
	ErrConnection = errors.New("connection error")
	// ErrStepExecution is any other fault raised inside a step body.
	ErrStepExecution = errors.New("step execution error")
	// ErrPersistence is a failed write to the store.
	ErrPersistence = errors.New("persistence error")
)

// BenchError attaches one of the sentinel kinds above to a message and an
// optional cause.
type BenchError struct {
	Kind error
	Msg  string
	Err  error
}

func (e *BenchError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *BenchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, err error, format string, args ...any) *BenchError {
	return &BenchError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func ConfigError(format string, args ...any) error {
	return newError(ErrConfig, nil, format, args...)
}

func ValidationError(format string, args ...any) error {
	return newError(ErrValidation, nil, format, args...)
}

func RangeError(format string, args ...any) error {
	return newError(ErrRange, nil, format, args...)
}

func ConnectionError(err error, format string, args ...any) error {
	return newError(ErrConnection, err, format, args...)
}

func StepExecutionError(err error, format string, args ...any) error {
	return newError(ErrStepExecution, err, format, args...)
}

func PersistenceError(err error, format string, args ...any) error {
	return newError(ErrPersistence, err, format, args...)
}
