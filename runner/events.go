package runner

import (
	"sync"
	"time"

	"github.com/devcapsys/capsys-easy-flow/types"
)

// EventKind identifies a runner notification.
type EventKind string

const (
	EventStepUpdate  EventKind = "step_update"
	EventLog         EventKind = "log"
	EventStepFailed  EventKind = "step_failed"
	EventRunFinished EventKind = "run_finished"
)

// LogLine is a log message emitted by a step or by the runner.
type LogLine struct {
	StepID   string
	Message  string
	Severity types.Severity
	Time     time.Time
}

// Event is a one-way notification from the worker to the observer.
type Event struct {
	Kind  EventKind
	RunID string

	// Outcome is set for EventStepUpdate and EventStepFailed.
	Outcome types.StepOutcome
	// Log is set for EventLog.
	Log LogLine

	// Run, Verdict and Err are set for EventRunFinished. Err reports a
	// failure to persist the verdict.
	Run     *types.TestRun
	Verdict types.Verdict
	Err     error
}

// eventQueue decouples the worker from the observer: push never blocks and
// events are delivered in order on out, which is closed after the queue is
// closed and drained.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
	out    chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{out: make(chan Event)}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, e)
	q.cond.Signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *eventQueue) pump() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			close(q.out)
			return
		}
		e := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- e
	}
}
