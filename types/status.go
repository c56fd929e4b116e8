package types

import "fmt"

// StatusCode is the code a step body returns to the runner.
type StatusCode int

const (
	StatusSuccess StatusCode = iota
	StatusFailure
	StatusWarning
)

var statusCodeStrings = [...]string{
	"success",
	"failure",
	"warning",
}

func (s StatusCode) String() string {
	if s < 0 || int(s) >= len(statusCodeStrings) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusCodeStrings[s]
}

func (s StatusCode) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StatusCode) UnmarshalText(b []byte) error {
	str := string(b)
	for i, name := range statusCodeStrings {
		if name == str {
			*s = StatusCode(i)
			return nil
		}
	}
	return fmt.Errorf("invalid status code %q", str)
}

// DisplayState is the state of a step as shown to the operator.
type DisplayState string

const (
	StatePending   DisplayState = "pending"
	StateRunning   DisplayState = "running"
	StateSkipped   DisplayState = "skipped"
	StateSucceeded DisplayState = "succeeded"
	StateFailed    DisplayState = "failed"
	StateWarning   DisplayState = "warning"
)

// Final reports whether the step has reached a terminal display state.
func (d DisplayState) Final() bool {
	switch d {
	case StateSkipped, StateSucceeded, StateFailed, StateWarning:
		return true
	}
	return false
}

// RunState is the lifecycle state of a TestRun.
type RunState string

const (
	RunNotStarted RunState = "not_started"
	RunRunning    RunState = "running"
	RunCompleted  RunState = "completed"
	RunAborted    RunState = "aborted"
)

// Severity tags a log line emitted by a step or the runner.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// LogSink is the one-way log channel handed to a step body.
type LogSink func(msg string, sev Severity)

// Discard is a LogSink that drops everything.
func Discard(string, Severity) {}
