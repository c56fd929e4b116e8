package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/devcapsys/capsys-easy-flow/registry"
	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/devcapsys/capsys-easy-flow/types"
)

type mockFinalizer struct {
	mock.Mock
}

func (m *mockFinalizer) Finalize(ctx context.Context, st *station.Station, run *types.TestRun, generateReport bool) (types.Verdict, error) {
	args := m.Called(ctx, st, run, generateReport)
	return args.Get(0).(types.Verdict), args.Error(1)
}

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

// countingStep wraps fn and counts its invocations.
type countingStep struct {
	calls atomic.Int32
	fn    func(ctx context.Context) (types.Result, error)
}

func (s *countingStep) Run(ctx context.Context, logf types.LogSink, st *station.Station) (types.Result, error) {
	s.calls.Add(1)
	logf("working", types.SeverityInfo)
	if s.fn == nil {
		return types.Succeed("step"), nil
	}
	return s.fn(ctx)
}

func ok() *countingStep { return &countingStep{} }

func returning(res types.Result, err error) *countingStep {
	return &countingStep{fn: func(context.Context) (types.Result, error) { return res, err }}
}

// setup builds a runner over s01_a, s02_b, s03_c followed by the terminal
// step fin_du_test.
func setup(t *testing.T, a, b, c, term *countingStep, cfg Config) (*StepRunner, *station.Station) {
	t.Helper()
	reg, err := registry.NewRegistry(registry.Config{
		Log: testLogger(),
		Catalog: []registry.Candidate{
			{Group: "s01", Name: "a", Unit: a},
			{Group: "s02", Name: "b", Unit: b},
			{Group: "s03", Name: "c", Unit: c},
			{Group: registry.DefaultTerminalGroup, Name: registry.DefaultTerminalName, Unit: term},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 4, reg.Len())

	cfg.Registry = reg
	cfg.Log = testLogger()
	r, err := NewStepRunner(cfg)
	require.NoError(t, err)
	return r, station.New(station.DefaultArgs(), nil, testLogger())
}

func collect(events <-chan Event) []Event {
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func finished(t *testing.T, events []Event) Event {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventRunFinished, last.Kind)
	return last
}

func states(run *types.TestRun) []types.DisplayState {
	out := make([]types.DisplayState, len(run.Outcomes))
	for i, o := range run.Outcomes {
		out[i] = o.State
	}
	return out
}

func TestRunAllSucceed(t *testing.T) {
	a, b, c, term := ok(), ok(), ok(), ok()
	r, st := setup(t, a, b, c, term, Config{})

	sum, err := r.Run(context.Background(), st, Options{}, nil)
	require.NoError(t, err)
	assert.True(t, sum.Verdict.Passed)
	assert.Nil(t, sum.Run.FirstFailure)
	assert.False(t, sum.Run.Interrupted)
	assert.Equal(t, types.RunCompleted, sum.Run.State)
	assert.Equal(t, []types.DisplayState{
		types.StateSucceeded, types.StateSucceeded, types.StateSucceeded, types.StateSucceeded,
	}, states(sum.Run))
	assert.False(t, r.Active())
}

func TestFirstFailureWinsAndShortCircuits(t *testing.T) {
	a := ok()
	b := returning(types.Fail("b", "1 : 12 (NOK ; min=0 ; max=10)"), nil)
	c := returning(types.Fail("c", "later"), nil)
	term := ok()
	r, st := setup(t, a, b, c, term, Config{})

	var failed []Event
	sum, err := r.Run(context.Background(), st, Options{}, func(e Event) {
		if e.Kind == EventStepFailed {
			failed = append(failed, e)
		}
	})
	require.NoError(t, err)

	assert.Equal(t, int32(0), c.calls.Load(), "steps after a failure must not run")
	assert.Equal(t, int32(1), term.calls.Load(), "terminal step must always run")
	assert.Equal(t, []types.DisplayState{
		types.StateSucceeded, types.StateFailed, types.StatePending, types.StateSucceeded,
	}, states(sum.Run))

	require.NotNil(t, sum.Run.FirstFailure)
	assert.Equal(t, "b", sum.Run.FirstFailure.StepName)
	assert.False(t, sum.Verdict.Passed)
	require.NotNil(t, sum.Verdict.FailureLabel)
	assert.Equal(t, sum.Run.FirstFailure.String(), *sum.Verdict.FailureLabel)

	require.Len(t, failed, 1)
	assert.Equal(t, "s02_b", failed[0].Outcome.StepID)
}

func TestTerminalFailureDoesNotSetFirstFailure(t *testing.T) {
	term := returning(types.Fail("fin_du_test", "close failed"), nil)
	r, st := setup(t, ok(), ok(), ok(), term, Config{})

	sum, err := r.Run(context.Background(), st, Options{}, nil)
	require.NoError(t, err)
	assert.Nil(t, sum.Run.FirstFailure)
	assert.Equal(t, types.StateFailed, sum.Run.Outcomes[3].State)
	assert.True(t, sum.Verdict.Passed)
}

func TestSkip(t *testing.T) {
	a, b, c, term := ok(), ok(), ok(), ok()
	r, st := setup(t, a, b, c, term, Config{})

	// Ordinal 4 is the terminal step and cannot be skipped.
	sum, err := r.Run(context.Background(), st, Options{Skip: []int{2, 4}}, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(0), b.calls.Load())
	assert.Equal(t, int32(1), c.calls.Load())
	assert.Equal(t, int32(1), term.calls.Load())
	assert.Equal(t, types.StateSkipped, sum.Run.Outcomes[1].State)
	assert.Equal(t, SkippedMessage, sum.Run.Outcomes[1].Message.String())
	assert.Equal(t, types.StateSucceeded, sum.Run.Outcomes[3].State)
	assert.False(t, sum.Verdict.Passed, "a run with skipped steps never passes")
	assert.Nil(t, sum.Verdict.FailureLabel)
}

func TestSkipAfterFailureIsSilent(t *testing.T) {
	b := returning(types.Fail("b", "NOK"), nil)
	r, st := setup(t, ok(), b, ok(), ok(), Config{})

	sum, err := r.Run(context.Background(), st, Options{Skip: []int{3}}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, sum.Run.Outcomes[2].State)
}

func TestStepErrorsBecomeFailures(t *testing.T) {
	tests := []struct {
		name string
		step *countingStep
		want string
	}{
		{
			name: "returned error",
			step: returning(types.Result{}, errors.New("port busy")),
			want: "Exception : port busy",
		},
		{
			name: "panic",
			step: &countingStep{fn: func(context.Context) (types.Result, error) { panic("index out of range") }},
			want: "Exception : index out of range",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			term := ok()
			r, st := setup(t, ok(), tt.step, ok(), term, Config{})

			sum, err := r.Run(context.Background(), st, Options{}, nil)
			require.NoError(t, err)
			assert.Equal(t, types.StateFailed, sum.Run.Outcomes[1].State)
			assert.Equal(t, tt.want, sum.Run.Outcomes[1].Message.String())
			require.NotNil(t, sum.Run.FirstFailure)
			assert.Equal(t, tt.want, sum.Run.FirstFailure.String())
			assert.Equal(t, int32(1), term.calls.Load())
		})
	}
}

func TestWarningStatus(t *testing.T) {
	b := returning(types.Result{Status: types.StatusWarning, Message: types.Text("supply drifting")}, nil)
	r, st := setup(t, ok(), b, ok(), ok(), Config{})

	sum, err := r.Run(context.Background(), st, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateWarning, sum.Run.Outcomes[1].State)
	assert.Equal(t, types.StateSucceeded, sum.Run.Outcomes[2].State)
	assert.True(t, sum.Verdict.Passed)
}

func TestEventsAreOrdered(t *testing.T) {
	r, st := setup(t, ok(), ok(), ok(), ok(), Config{})
	events, err := r.Start(context.Background(), st, Options{})
	require.NoError(t, err)
	all := collect(events)
	finished(t, all)

	var updates []string
	for _, e := range all {
		assert.NotEmpty(t, e.RunID)
		if e.Kind == EventStepUpdate {
			updates = append(updates, e.Outcome.StepID+":"+string(e.Outcome.State))
		}
	}
	assert.Equal(t, []string{
		"s01_a:running", "s01_a:succeeded",
		"s02_b:running", "s02_b:succeeded",
		"s03_c:running", "s03_c:succeeded",
		"fin_du_test:running", "fin_du_test:succeeded",
	}, updates)
}

func TestStartWhileRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	a := &countingStep{fn: func(context.Context) (types.Result, error) {
		close(started)
		<-release
		return types.Succeed("a"), nil
	}}
	r, st := setup(t, a, ok(), ok(), ok(), Config{})

	require.ErrorIs(t, r.Stop(context.Background()), ErrNoRun)

	events, err := r.Start(context.Background(), st, Options{})
	require.NoError(t, err)
	<-started
	assert.True(t, r.Active())

	_, err = r.Start(context.Background(), st, Options{})
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	finished(t, collect(events))
	assert.False(t, r.Active())

	// The runner is reusable once the previous run finished.
	sum, err := r.Run(context.Background(), st, Options{}, nil)
	require.NoError(t, err)
	assert.True(t, sum.Verdict.Passed)
}

func TestStopBetweenSteps(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	b := &countingStep{fn: func(context.Context) (types.Result, error) {
		close(started)
		<-release
		return types.Succeed("b"), nil
	}}
	c, term := ok(), ok()
	r, st := setup(t, ok(), b, c, term, Config{StopTimeout: 5 * time.Second})

	events, err := r.Start(context.Background(), st, Options{})
	require.NoError(t, err)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- r.Stop(context.Background()) }()
	require.Eventually(t, func() bool { return !r.cur.running.Load() }, time.Second, time.Millisecond)
	close(release)

	last := finished(t, collect(events))
	require.NoError(t, <-stopped)

	assert.Equal(t, int32(0), c.calls.Load())
	assert.Equal(t, int32(1), term.calls.Load())
	assert.True(t, last.Run.Interrupted)
	assert.Equal(t, types.RunAborted, last.Run.State)
	assert.Equal(t, []types.DisplayState{
		types.StateSucceeded, types.StateSucceeded, types.StatePending, types.StateSucceeded,
	}, states(last.Run))
	assert.False(t, last.Verdict.Passed)
	assert.Nil(t, last.Run.FirstFailure)
}

func TestContextCancelInterruptsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &countingStep{fn: func(context.Context) (types.Result, error) {
		cancel()
		return types.Succeed("a"), nil
	}}
	b, term := ok(), ok()
	r, st := setup(t, a, b, ok(), term, Config{})

	sum, err := r.Run(ctx, st, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(0), b.calls.Load())
	assert.Equal(t, int32(1), term.calls.Load())
	assert.True(t, sum.Run.Interrupted)
	assert.False(t, sum.Verdict.Passed)
}

// blockingStep blocks in its body until release is called and signals
// every entry on started.
func blockingStep() (step *countingStep, started <-chan struct{}, release func()) {
	block := make(chan struct{})
	entered := make(chan struct{}, 8)
	var once sync.Once
	step = &countingStep{fn: func(context.Context) (types.Result, error) {
		entered <- struct{}{}
		<-block
		return types.Succeed("b"), nil
	}}
	return step, entered, func() { once.Do(func() { close(block) }) }
}

func TestForcedStop(t *testing.T) {
	b, started, release := blockingStep()
	t.Cleanup(release)
	term := ok()
	r, st := setup(t, ok(), b, ok(), term, Config{StopTimeout: 50 * time.Millisecond})

	events, err := r.Start(context.Background(), st, Options{})
	require.NoError(t, err)
	<-started

	begin := time.Now()
	require.NoError(t, r.Stop(context.Background()))
	assert.Less(t, time.Since(begin), 2*time.Second)

	last := finished(t, collect(events))
	assert.Equal(t, int32(1), term.calls.Load(), "terminal step runs on forced stop")
	assert.True(t, last.Run.Interrupted)
	assert.Equal(t, types.RunAborted, last.Run.State)
	assert.Equal(t, types.StateRunning, last.Run.Outcomes[1].State)
	assert.Equal(t, types.StateSucceeded, last.Run.Outcomes[3].State)
	assert.False(t, last.Verdict.Passed)
}

func TestForcedStopKeepsSlotUntilWorkerReturns(t *testing.T) {
	b, started, release := blockingStep()
	t.Cleanup(release)
	r, st := setup(t, ok(), b, ok(), ok(), Config{StopTimeout: 20 * time.Millisecond})

	events, err := r.Start(context.Background(), st, Options{})
	require.NoError(t, err)
	<-started
	require.NoError(t, r.Stop(context.Background()))
	finished(t, collect(events))

	// The abandoned worker is still inside step b.
	assert.True(t, r.Active())
	_, err = r.Start(context.Background(), st, Options{})
	require.ErrorIs(t, err, ErrRunInProgress)
	require.NoError(t, r.Stop(context.Background()), "stopping an already forced run is a no-op")
	assert.Equal(t, int32(1), b.calls.Load())

	release()
	require.Eventually(t, func() bool { return !r.Active() }, 2*time.Second, 5*time.Millisecond)

	sum, err := r.Run(context.Background(), st, Options{}, nil)
	require.NoError(t, err)
	assert.True(t, sum.Verdict.Passed)
	assert.Equal(t, int32(2), b.calls.Load())
}

func TestConcurrentForcedStops(t *testing.T) {
	b, started, release := blockingStep()
	t.Cleanup(release)
	term := ok()
	r, st := setup(t, ok(), b, ok(), term, Config{StopTimeout: 30 * time.Millisecond})

	events, err := r.Start(context.Background(), st, Options{})
	require.NoError(t, err)
	<-started

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.Stop(context.Background())
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	last := finished(t, collect(events))
	assert.True(t, last.Run.Interrupted)
	assert.Equal(t, int32(1), term.calls.Load(), "terminal step runs once")
}

func TestFinalizerReceivesRun(t *testing.T) {
	fin := &mockFinalizer{}
	r, st := setup(t, ok(), ok(), ok(), ok(), Config{Finalizer: fin})
	label := "persist me"
	fin.On("Finalize", mock.Anything, st, mock.MatchedBy(func(run *types.TestRun) bool {
		return run.State == types.RunCompleted && !run.End.IsZero()
	}), true).Return(types.Verdict{FailureLabel: &label}, errors.New("db down")).Once()

	sum, err := r.Run(context.Background(), st, Options{GenerateReport: true}, nil)
	require.NoError(t, err)
	assert.EqualError(t, sum.Err, "db down")
	assert.Equal(t, &label, sum.Verdict.FailureLabel)
	fin.AssertExpectations(t)
}

func TestSnapshotIsIsolated(t *testing.T) {
	r, st := setup(t, ok(), ok(), ok(), ok(), Config{})
	assert.Nil(t, r.Snapshot())

	_, err := r.Run(context.Background(), st, Options{}, nil)
	require.NoError(t, err)

	snap := r.Snapshot()
	require.NotNil(t, snap)
	snap.Outcomes[0].State = types.StateFailed
	assert.Equal(t, types.StateSucceeded, r.Snapshot().Outcomes[0].State)
}
