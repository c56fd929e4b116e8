package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/devcapsys/capsys-easy-flow/aggregator"
	"github.com/devcapsys/capsys-easy-flow/printer"
	"github.com/devcapsys/capsys-easy-flow/registry"
	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/devcapsys/capsys-easy-flow/types"
)

const (
	DefaultStopTimeout = 5 * time.Second

	SkippedMessage = "Step skipped by the operator"
)

var (
	// ErrRunInProgress is returned when a run is started while another one
	// is still in flight.
	ErrRunInProgress = errors.New("a test run is already in progress")
	// ErrNoRun is returned by Stop when nothing is running.
	ErrNoRun = errors.New("no test run in progress")
)

// Finalizer turns a finished run into a persisted verdict.
type Finalizer interface {
	Finalize(ctx context.Context, st *station.Station, run *types.TestRun, generateReport bool) (types.Verdict, error)
}

// Config holds the runner configuration
type Config struct {
	Registry  *registry.Registry
	Finalizer Finalizer
	Log       log.Logger
	// StopTimeout bounds how long Stop waits for the worker to reach a step
	// boundary before forcing the run to end.
	StopTimeout time.Duration
	Progress    ProgressIndicator
}

// Options are per run settings.
type Options struct {
	// Skip holds 1-based ordinals of steps the operator chose to skip.
	Skip           []int
	GenerateReport bool
}

// Summary is the result of a synchronous run.
type Summary struct {
	Run     *types.TestRun
	Verdict types.Verdict
	Err     error
}

// StepRunner executes the registry as a state machine on a dedicated worker
// goroutine. At most one run is in flight at a time.
type StepRunner struct {
	cfg    Config
	tracer trace.Tracer

	active atomic.Bool
	mu     sync.Mutex
	cur    *execution
}

func NewStepRunner(cfg Config) (*StepRunner, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Progress == nil {
		cfg.Progress = NewNoOpProgressIndicator()
	}
	return &StepRunner{
		cfg:    cfg,
		tracer: otel.Tracer("step runner"),
	}, nil
}

// Active reports whether a run is in flight.
func (r *StepRunner) Active() bool {
	return r.active.Load()
}

// Snapshot returns a copy of the current or last run.
func (r *StepRunner) Snapshot() *types.TestRun {
	r.mu.Lock()
	x := r.cur
	r.mu.Unlock()
	if x == nil {
		return nil
	}
	return x.snapshot()
}

// Start launches a run on a new worker and returns its event stream. The
// stream is closed after the EventRunFinished event; callers must drain it.
func (r *StepRunner) Start(ctx context.Context, st *station.Station, opts Options) (<-chan Event, error) {
	if st == nil {
		return nil, errors.New("station is required")
	}
	if !r.active.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}

	entries := r.cfg.Registry.Entries()
	run := &types.TestRun{
		ID:       uuid.New().String(),
		Skip:     types.NewSkipSet(opts.Skip...),
		State:    types.RunRunning,
		Start:    time.Now(),
		Outcomes: make([]types.StepOutcome, len(entries)),
	}
	for i, e := range entries {
		run.Outcomes[i] = types.StepOutcome{Ordinal: e.Ordinal, StepID: e.ID, State: types.StatePending}
	}

	runCtx, cancel := context.WithCancel(ctx)
	x := &execution{
		runner:  r,
		entries: entries,
		st:      st,
		opts:    opts,
		run:     run,
		cancel:  cancel,
		done:    make(chan struct{}),
		forced:  make(chan struct{}),
		queue:   newEventQueue(),
	}
	x.running.Store(true)

	r.mu.Lock()
	r.cur = x
	r.mu.Unlock()

	r.cfg.Log.Info("Starting test run", "run_id", run.ID, "steps", len(entries), "skip", opts.Skip)
	r.cfg.Progress.StartRun(run.ID, len(entries))
	go x.execute(runCtx)
	return x.queue.out, nil
}

// Run executes a run synchronously, forwarding events to observe when it
// is not nil.
func (r *StepRunner) Run(ctx context.Context, st *station.Station, opts Options, observe func(Event)) (*Summary, error) {
	events, err := r.Start(ctx, st, opts)
	if err != nil {
		return nil, err
	}
	var sum *Summary
	for e := range events {
		if observe != nil {
			observe(e)
		}
		if e.Kind == EventRunFinished {
			sum = &Summary{Run: e.Run, Verdict: e.Verdict, Err: e.Err}
		}
	}
	if sum == nil {
		return nil, errors.New("run ended without a result")
	}
	return sum, nil
}

// Stop asks the current run to end at the next step boundary. If the worker
// has not finished within StopTimeout it is abandoned: its context is
// cancelled, the terminal step is run synchronously and the run is
// finalized as interrupted.
func (r *StepRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	x := r.cur
	r.mu.Unlock()
	if x == nil || !r.active.Load() {
		return ErrNoRun
	}

	x.mu.Lock()
	abandoned := x.abandoned
	x.mu.Unlock()
	if abandoned {
		return x.waitForced(ctx)
	}

	x.running.Store(false)
	r.cfg.Log.Info("Stop requested", "run_id", x.run.ID)

	timer := time.NewTimer(r.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-x.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	x.mu.Lock()
	if x.finalizing {
		x.mu.Unlock()
		<-x.done
		return nil
	}
	if x.abandoned {
		x.mu.Unlock()
		return x.waitForced(ctx)
	}
	x.abandoned = true
	x.run.Interrupted = true
	x.run.State = types.RunAborted
	cleanupDone := x.terminalStarted
	x.terminalStarted = true
	x.mu.Unlock()
	defer close(x.forced)

	r.cfg.Log.Warn("Forcing test run to stop", "run_id", x.run.ID, "timeout", r.cfg.StopTimeout)
	x.cancel()

	cleanupCtx := context.WithoutCancel(ctx)
	if term, ok := r.cfg.Registry.Terminal(); ok && !cleanupDone {
		x.runStep(cleanupCtx, term, true)
	}
	x.finish(cleanupCtx, true)
	return nil
}

// waitForced waits for the Stop call that is forcing the run to end.
func (x *execution) waitForced(ctx context.Context) error {
	select {
	case <-x.forced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type execution struct {
	runner  *StepRunner
	entries []registry.Entry
	st      *station.Station
	opts    Options
	cancel  context.CancelFunc
	done    chan struct{}
	forced  chan struct{} // closed once a forced Stop has finalized the run
	queue   *eventQueue

	running atomic.Bool
	once    sync.Once

	mu              sync.Mutex
	run             *types.TestRun
	abandoned       bool
	finalizing      bool
	terminalStarted bool
}

func (x *execution) snapshot() *types.TestRun {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.run.Clone()
}

// emit publishes an event from the worker unless the worker has been
// abandoned. forced events come from the Stop path and are always
// published.
func (x *execution) emit(e Event, forced bool) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.abandoned && !forced {
		return false
	}
	e.RunID = x.run.ID
	x.queue.push(e)
	return true
}

func (x *execution) logSink(stepID string, forced bool) types.LogSink {
	return func(msg string, sev types.Severity) {
		x.emit(Event{Kind: EventLog, Log: LogLine{StepID: stepID, Message: msg, Severity: sev, Time: time.Now()}}, forced)
	}
}

func (x *execution) setOutcome(e registry.Entry, state types.DisplayState, msg types.Message, d time.Duration, forced bool) (types.StepOutcome, bool) {
	x.mu.Lock()
	if x.abandoned && !forced {
		x.mu.Unlock()
		return types.StepOutcome{}, false
	}
	o := x.run.Outcome(e.Ordinal)
	o.State = state
	o.Message = msg
	o.Duration = d
	out := *o
	x.mu.Unlock()

	x.runner.cfg.Progress.UpdateStep(e.ID, state)
	x.emit(Event{Kind: EventStepUpdate, Outcome: out}, forced)
	return out, true
}

func (x *execution) execute(ctx context.Context) {
	defer close(x.done)
	r := x.runner

	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("run %s", x.run.ID))
	defer span.End()

	logf := x.logSink("", false)
	logf("=== TEST START ===", types.SeverityWarning)

	errorFound := false
	for _, e := range x.entries {
		if ctx.Err() != nil || !x.running.Load() {
			x.mu.Lock()
			if x.abandoned {
				x.mu.Unlock()
				return
			}
			if !x.run.Interrupted {
				x.run.Interrupted = true
				x.run.State = types.RunAborted
				r.cfg.Log.Warn("Test run interrupted", "run_id", x.run.ID, "before", e.ID)
			}
			x.mu.Unlock()
			if !e.Terminal {
				continue
			}
		}

		if errorFound && !e.Terminal {
			continue
		}

		if !e.Terminal && x.skipped(e.Ordinal) {
			logf(fmt.Sprintf("Step skipped: %s", registry.DisplayName(e)), types.SeverityWarning)
			x.setOutcome(e, types.StateSkipped, types.Text(SkippedMessage), 0, false)
			continue
		}

		stepCtx := ctx
		if e.Terminal {
			stepCtx = context.WithoutCancel(ctx)
			x.mu.Lock()
			x.terminalStarted = true
			x.mu.Unlock()
		}
		out, ok := x.runStep(stepCtx, e, false)
		if !ok {
			return
		}
		if out.State == types.StateFailed && !e.Terminal {
			errorFound = true
			x.mu.Lock()
			if x.run.FirstFailure == nil {
				msg := out.Message
				x.run.FirstFailure = &msg
			}
			x.mu.Unlock()
			x.emit(Event{Kind: EventStepFailed, Outcome: out}, false)
		}
	}

	x.mu.Lock()
	if x.abandoned {
		x.mu.Unlock()
		return
	}
	x.finalizing = true
	x.mu.Unlock()

	x.finish(context.WithoutCancel(ctx), false)
}

func (x *execution) skipped(ordinal int) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.run.Skipped(ordinal)
}

// runStep invokes one step and records its outcome. It reports false when
// the worker was abandoned while the step ran.
func (x *execution) runStep(ctx context.Context, e registry.Entry, forced bool) (types.StepOutcome, bool) {
	r := x.runner
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("step %s", e.ID))
	defer span.End()

	logf := x.logSink(e.ID, forced)
	logf(fmt.Sprintf("Step: %s", registry.DisplayName(e)), types.SeverityInfo)
	r.cfg.Progress.StartStep(e.ID)
	if _, ok := x.setOutcome(e, types.StateRunning, types.Text("Step in progress"), 0, forced); !ok {
		return types.StepOutcome{}, false
	}

	start := time.Now()
	res, err := invoke(ctx, e.Step, logf, x.st)
	elapsed := time.Since(start)
	if err != nil {
		r.cfg.Log.Error("Step raised an error", "step", e.ID, "err", err)
		span.RecordError(err)
	}

	var state types.DisplayState
	switch res.Status {
	case types.StatusSuccess:
		state = types.StateSucceeded
		logf(res.Message.String(), types.SeveritySuccess)
	case types.StatusFailure:
		state = types.StateFailed
		x.printSlip(ctx, res.Message)
		logf(res.Message.String(), types.SeverityError)
	default:
		state = types.StateWarning
		logf(res.Message.String(), types.SeverityWarning)
	}
	span.SetAttributes(
		attribute.String("step.state", string(state)),
		attribute.Int("step.ordinal", e.Ordinal),
	)
	r.cfg.Log.Info("Step finished", "step", e.ID, "state", state, "duration", elapsed)
	return x.setOutcome(e, state, res.Message, elapsed, forced)
}

// invoke runs a step body, converting returned errors and panics into a
// failed result.
func invoke(ctx context.Context, step registry.Step, logf types.LogSink, st *station.Station) (types.Result, error) {
	var (
		res types.Result
		err error
		pc  panics.Catcher
	)
	pc.Try(func() {
		res, err = step.Run(ctx, logf, st)
	})
	if rec := pc.Recovered(); rec != nil {
		detail := fmt.Sprint(rec.Value)
		return types.Result{Status: types.StatusFailure, Message: types.Text("Exception : " + detail)},
			types.StepExecutionError(rec.AsError(), "panic")
	}
	if err != nil {
		return types.Result{Status: types.StatusFailure, Message: types.Text("Exception : " + err.Error())},
			types.StepExecutionError(err, "step returned an error")
	}
	return res, nil
}

func (x *execution) printSlip(ctx context.Context, msg types.Message) {
	st := x.st
	if st.Printer == nil || !st.Printer.Connected() || st.Product == nil || st.DebugProduct() {
		return
	}
	label, infos := printer.SlipFromMessage(msg)
	slip := printer.Slip{
		Operator: st.Args.Operator,
		Product:  st.ProductInfo(),
		DUTID:    st.DUTID,
		Label:    label,
		Infos:    infos,
	}
	if err := st.Printer.PrintFailureSlip(ctx, slip); err != nil {
		x.runner.cfg.Log.Warn("Failed to print failure slip", "err", err)
	}
}

// finish computes and persists the verdict, publishes the final event and
// frees the runner. It runs once per execution.
func (x *execution) finish(ctx context.Context, forced bool) {
	x.once.Do(func() {
		r := x.runner

		x.mu.Lock()
		if x.run.State == types.RunRunning {
			x.run.State = types.RunCompleted
		}
		x.run.End = time.Now()
		snap := x.run.Clone()
		x.mu.Unlock()

		var (
			v   types.Verdict
			err error
		)
		if r.cfg.Finalizer != nil {
			v, err = r.cfg.Finalizer.Finalize(ctx, x.st, snap, x.opts.GenerateReport)
		} else {
			v = aggregator.Verdict(snap)
		}
		if err != nil {
			r.cfg.Log.Error("Failed to finalize test run", "run_id", snap.ID, "err", err)
		}

		r.cfg.Log.Info("Test run finished", "run_id", snap.ID, "state", snap.State, "verdict", v, "duration", snap.Duration())
		r.cfg.Progress.CompleteRun(snap.ID)
		x.emit(Event{Kind: EventRunFinished, Run: snap, Verdict: v, Err: err}, forced)
		x.queue.close()
		if !forced {
			r.active.Store(false)
			return
		}
		// An abandoned worker may still be inside a step body holding the
		// station. The slot stays taken until it returns.
		go func() {
			<-x.done
			r.active.Store(false)
		}()
	})
}
