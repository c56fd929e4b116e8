package types

import (
	"fmt"
	"time"
)

// StepOutcome is the displayed result of one registered step within a run.
type StepOutcome struct {
	Ordinal  int
	StepID   string
	State    DisplayState
	Message  Message
	Duration time.Duration
}

// TestRun is one execution of the registry against a device under test.
type TestRun struct {
	ID          string
	Outcomes    []StepOutcome
	Skip        map[int]struct{}
	Interrupted bool
	// FirstFailure holds the message of the first non-terminal step that
	// failed. It is set at most once per run.
	FirstFailure *Message
	State        RunState
	Start        time.Time
	End          time.Time
}

// NewSkipSet builds a skip set from 1-based step ordinals.
func NewSkipSet(ordinals ...int) map[int]struct{} {
	s := make(map[int]struct{}, len(ordinals))
	for _, o := range ordinals {
		s[o] = struct{}{}
	}
	return s
}

// Skipped reports whether the ordinal was requested to be skipped.
func (r *TestRun) Skipped(ordinal int) bool {
	_, ok := r.Skip[ordinal]
	return ok
}

// Outcome returns a pointer to the outcome for the given ordinal, or nil.
func (r *TestRun) Outcome(ordinal int) *StepOutcome {
	for i := range r.Outcomes {
		if r.Outcomes[i].Ordinal == ordinal {
			return &r.Outcomes[i]
		}
	}
	return nil
}

// Counts returns the number of outcomes in each display state.
func (r *TestRun) Counts() map[DisplayState]int {
	c := make(map[DisplayState]int)
	for _, o := range r.Outcomes {
		c[o.State]++
	}
	return c
}

func (r *TestRun) Duration() time.Duration {
	if r.End.IsZero() {
		return time.Since(r.Start)
	}
	return r.End.Sub(r.Start)
}

// Clone returns a copy that shares no mutable state with r.
func (r *TestRun) Clone() *TestRun {
	c := *r
	c.Outcomes = append([]StepOutcome(nil), r.Outcomes...)
	c.Skip = make(map[int]struct{}, len(r.Skip))
	for k := range r.Skip {
		c.Skip[k] = struct{}{}
	}
	if r.FirstFailure != nil {
		ff := *r.FirstFailure
		ff.Infos = append([]string(nil), r.FirstFailure.Infos...)
		c.FirstFailure = &ff
	}
	return &c
}

// Verdict is the DUT level result of a run.
type Verdict struct {
	Passed       bool
	FailureLabel *string
}

func (v Verdict) String() string {
	if v.Passed {
		return "PASS"
	}
	if v.FailureLabel != nil {
		return fmt.Sprintf("FAIL (%s)", *v.FailureLabel)
	}
	return "FAIL"
}

// Result returns the value stored in the device_under_test result column.
func (v Verdict) Result() int {
	if v.Passed {
		return 1
	}
	return 0
}
