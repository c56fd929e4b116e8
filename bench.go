package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v2"

	"github.com/devcapsys/capsys-easy-flow/aggregator"
	"github.com/devcapsys/capsys-easy-flow/exitcodes"
	"github.com/devcapsys/capsys-easy-flow/instrument"
	"github.com/devcapsys/capsys-easy-flow/logging"
	"github.com/devcapsys/capsys-easy-flow/metrics"
	"github.com/devcapsys/capsys-easy-flow/printer"
	"github.com/devcapsys/capsys-easy-flow/registry"
	"github.com/devcapsys/capsys-easy-flow/runner"
	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/devcapsys/capsys-easy-flow/steps"
	"github.com/devcapsys/capsys-easy-flow/store"
	"github.com/devcapsys/capsys-easy-flow/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

const (
	SummaryPass        = "Test OK"
	SummaryFail        = "Test NOK"
	SummaryInterrupted = "Test interrupted or step skipped"
)

// bench implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &bench{}

// bench runs the step sequence once against the device on the bench.
type bench struct {
	ctx      context.Context
	config   *Config
	version  string
	registry *registry.Registry
	runner   *runner.StepRunner
	result   *runner.Summary

	reporter     *aggregator.FileReporter
	progress     *runner.ConsoleProgressIndicator
	progressOnce sync.Once

	// openStore and opener are swapped for fakes in tests.
	openStore func(ctx context.Context) (store.Store, error)
	opener    instrument.Opener
	out       io.Writer

	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*bench, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating bench with config",
		"operatorMode", config.OperatorMode,
		"productID", config.Args.ProductListID,
		"skip", config.Skip,
		"policy", config.Policy,
		"logDir", config.LogDir,
		"dryRun", config.DryRun)

	reg, err := registry.NewRegistry(registry.Config{
		Log:          config.Log,
		Catalog:      steps.Catalog(steps.Options{BenchConfigFile: config.BenchConfig}),
		ManifestFile: config.Manifest,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	// The report reads the store opened for the run.
	reporter := &aggregator.FileReporter{Dir: config.LogDir, Log: config.Log}
	agg := aggregator.New(aggregator.Config{
		Log:      config.Log,
		Reporter: reporter,
		Policy:   config.Policy,
	})

	progress := runner.NewConsoleProgressIndicator(config.Log, 5*time.Second)
	stepRunner, err := runner.NewStepRunner(runner.Config{
		Registry:    reg,
		Finalizer:   agg,
		Log:         config.Log,
		StopTimeout: config.StopTimeout,
		Progress:    progress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create step runner: %w", err)
	}
	config.Log.Info("bench.New: created registry and step runner", "steps", reg.Len())

	b := &bench{
		ctx:              ctx,
		config:           config,
		version:          version,
		registry:         reg,
		runner:           stepRunner,
		reporter:         reporter,
		progress:         progress,
		out:              os.Stdout,
		shutdownCallback: shutdownCallback,
	}
	b.openStore = b.defaultStore
	if !config.DryRun {
		b.opener = &instrument.NetOpener{DialTimeout: 2 * time.Second}
	}
	return b, nil
}

// Busy reports whether a run is in flight.
func (b *bench) Busy() bool {
	return b.runner.Active()
}

// Registry returns the step sequence.
func (b *bench) Registry() *registry.Registry {
	return b.registry
}

// Start runs the step sequence once.
// Start implements the cliapp.Lifecycle interface.
func (b *bench) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			b.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	b.ctx = ctx
	b.running.Store(true)
	b.config.Log.Info("Starting test bench", "version", b.version, "operator", b.config.Args.Operator)

	if err := b.runTests(ctx); err != nil {
		b.config.Log.Error("Runtime error running the test sequence", "error", err)
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}

	if !b.result.Verdict.Passed {
		b.config.Log.Warn("Test run completed without a pass verdict, returning exit code 1")
		return NewTestFailureError(b.result)
	}

	go func() {
		b.shutdownCallback(nil)
	}()
	return nil
}

func (b *bench) defaultStore(ctx context.Context) (store.Store, error) {
	if b.config.DryRun {
		return dryRunStore(b.config.Args), nil
	}
	a := b.config.Args
	return store.NewPGStore(ctx, store.DSN(a.DBUser, a.DBPassword, a.DBHost, a.DBPort, a.DBName))
}

// dryRunStore seeds an in-memory store with the reference rows the
// initialisation step reads. The bench configuration is empty unless a
// configuration file is given.
func dryRunStore(args station.Args) *store.MemStore {
	ms := store.NewMemStore()
	if _, last, ok := args.OperatorNames(); ok {
		ms.Seed(store.TableOperator, 1, store.Record{"name": last})
	}
	ms.Seed(store.TableProductList, args.ProductListID, store.Record{
		"info":                 station.DebugProductInfo,
		"bench_composition_id": 1,
		"parameters_group_id":  1,
	})
	ms.Seed(store.TableBenchComposition, 1, store.Record{"external_device_id": 1})
	ms.Seed(store.TableExternalDevice, 1, store.Record{"name": "dry-run"})
	ms.Seed(store.TableScript, args.ProductListID, store.Record{"name": "dry-run"})
	ms.Seed(store.TableParametersGroup, 1, store.Record{"parameters_group_id": 1, "parameters_id": 1})
	ms.Seed(store.TableParameters, 1, store.Record{"name": station.New(args, nil, nil).ConfigName, "file": "{}"})
	return ms
}

// newStation opens the persistence layer and builds the run context. A
// database that cannot be reached leaves the store unset so the sequence
// reports it from its first step.
func (b *bench) newStation(ctx context.Context) *station.Station {
	db, err := b.openStore(ctx)
	if err != nil {
		b.config.Log.Error("Failed to connect to the database", "err", err)
		metrics.RecordErrorDetails("database", err)
		db = nil
	}
	st := station.New(b.config.Args, db, b.config.Log)
	st.MaxRetries = b.config.MaxRetries
	st.RetryBackoff = b.config.RetryBackoff
	st.Printer = &printer.LogPrinter{Log: b.config.Log}
	st.Opener = b.opener
	return st
}

// runTests runs the sequence and processes its result
func (b *bench) runTests(ctx context.Context) error {
	defer b.progressOnce.Do(b.progress.Stop)

	st := b.newStation(ctx)
	b.reporter.Store = st.Store

	runLog, err := logging.NewRunLog(b.config.LogDir, time.Now(), b.config.Args.ShowAllLogs)
	if err != nil {
		b.config.Log.Warn("Failed to open the daily log file, keeping the transcript only", "err", err)
		runLog, _ = logging.NewRunLog("", time.Now(), b.config.Args.ShowAllLogs)
	}
	defer func() {
		if err := runLog.Close(); err != nil {
			b.config.Log.Warn("Failed to close the daily log file", "err", err)
		}
	}()

	// An interrupt asks the run to stop at the next step boundary, bounded
	// by the stop timeout.
	finished := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			b.config.Log.Info("Interrupt received, stopping the test run")
			if err := b.runner.Stop(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, runner.ErrNoRun) {
				b.config.Log.Warn("Failed to stop the test run", "err", err)
			}
		case <-finished:
		}
	}()

	b.config.Log.Info("Running the test sequence...")
	summary, err := b.runner.Run(ctx, st, runner.Options{
		Skip:           b.config.Skip,
		GenerateReport: b.config.GenerateReport,
	}, b.observer(runLog))
	close(finished)
	<-stopped
	if err != nil {
		_ = st.Close(context.WithoutCancel(ctx))
		return NewRuntimeError(StageRun, err)
	}
	b.result = summary

	cleanupCtx := context.WithoutCancel(ctx)
	b.saveTranscript(cleanupCtx, st, runLog)
	if err := st.Close(cleanupCtx); err != nil {
		b.config.Log.Warn("Failed to release the bench", "err", err)
	}

	metrics.RecordRun(metrics.RunResult(summary.Run, summary.Verdict), summary.Run.Duration())
	b.printResultsTable()
	fmt.Fprintln(b.out, summaryLine(summary))
	b.config.Log.Info("Test run completed", "run_id", summary.Run.ID, "verdict", summary.Verdict)
	return nil
}

// observer forwards runner events to the operator log and the metrics.
func (b *bench) observer(runLog *logging.RunLog) func(runner.Event) {
	return func(e runner.Event) {
		switch e.Kind {
		case runner.EventLog:
			if !runLog.Append(e.Log.Time, e.Log.StepID, e.Log.Message, e.Log.Severity) {
				return
			}
			lg := b.config.Log.New("step", e.Log.StepID)
			switch e.Log.Severity {
			case types.SeverityError:
				lg.Error(e.Log.Message)
			case types.SeverityWarning:
				lg.Warn(e.Log.Message)
			case types.SeverityDebug:
				lg.Debug(e.Log.Message)
			default:
				lg.Info(e.Log.Message)
			}
		case runner.EventStepUpdate:
			metrics.RecordStep(e.Outcome.StepID, e.Outcome.State)
		case runner.EventStepFailed:
			b.config.Log.Warn("Step failed", "step", e.Outcome.StepID, "message", e.Outcome.Message.String())
		case runner.EventRunFinished:
			if e.Err != nil {
				metrics.RecordErrorDetails("finalize", e.Err)
			}
		}
	}
}

// saveTranscript attaches the operator log to the device record.
func (b *bench) saveTranscript(ctx context.Context, st *station.Station, runLog *logging.RunLog) {
	if st.Store == nil || st.DUTID == 0 {
		return
	}
	if _, err := st.Store.Create(ctx, store.TableLog, store.Record{
		"device_under_test_id": st.DUTID,
		"value":                runLog.Transcript(),
	}); err != nil {
		b.config.Log.Error("Failed to store the run log", "dut", st.DUTID, "err", err)
		metrics.RecordErrorDetails("run log", err)
	}
}

// Stop stops a run still in flight.
// Stop implements the cliapp.Lifecycle interface.
func (b *bench) Stop(ctx context.Context) error {
	b.config.Log.Info("Stopping test bench")

	if !b.running.Load() {
		b.config.Log.Debug("Bench already stopped, nothing to do")
		return nil
	}
	b.running.Store(false)

	if err := b.runner.Stop(ctx); err != nil && !errors.Is(err, runner.ErrNoRun) {
		return err
	}
	b.config.Log.Info("Test bench stopped successfully")
	return nil
}

// Stopped returns true if the bench is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (b *bench) Stopped() bool {
	return !b.running.Load()
}

func summaryLine(s *runner.Summary) string {
	switch {
	case s.Verdict.Passed:
		return SummaryPass
	case s.Run.Interrupted || (s.Run.FirstFailure == nil && len(s.Run.Skip) > 0):
		return SummaryInterrupted
	}
	return SummaryFail
}

// printResultsTable prints the outcome of every step to the console.
func (b *bench) printResultsTable() {
	run := b.result.Run
	t := table.NewWriter()
	t.SetOutputMirror(b.out)
	t.SetTitle(fmt.Sprintf("Test Bench Results (%s)", formatDuration(run.Duration())))

	t.AppendHeader(table.Row{"#", "Step", "Duration", "Status", "Message"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "#", Align: text.AlignRight},
		{Name: "Step", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Message", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, o := range run.Outcomes {
		name := o.StepID
		if e, ok := b.registry.Lookup(o.StepID); ok {
			name = registry.DisplayName(e)
		}
		msg := ""
		if o.State == types.StateFailed || o.State == types.StateWarning || o.State == types.StateSkipped {
			msg = o.Message.String()
		}
		t.AppendRow(table.Row{o.Ordinal, name, formatDuration(o.Duration), getResultString(o.State), msg})
	}

	switch {
	case b.result.Verdict.Passed:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case run.Interrupted:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	counts := run.Counts()
	t.AppendFooter(table.Row{
		"",
		"TOTAL",
		formatDuration(run.Duration()),
		b.result.Verdict.String(),
		fmt.Sprintf("passed %d, failed %d, skipped %d",
			counts[types.StateSucceeded]+counts[types.StateWarning],
			counts[types.StateFailed],
			counts[types.StateSkipped]),
	})

	t.Render()
}

// formatDuration formats the duration in seconds
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// getResultString returns a colored string representing the step state
func getResultString(state types.DisplayState) string {
	switch state {
	case types.StateSucceeded:
		return "✓ pass"
	case types.StateWarning:
		return "! warn"
	case types.StateSkipped:
		return "- skip"
	case types.StateFailed:
		return "✗ fail"
	case types.StateRunning:
		return "» running"
	}
	return "· pending"
}
