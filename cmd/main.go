package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v2"

	bench "github.com/devcapsys/capsys-easy-flow"
	"github.com/devcapsys/capsys-easy-flow/exitcodes"
	"github.com/devcapsys/capsys-easy-flow/flags"
	"github.com/devcapsys/capsys-easy-flow/registry"
	"github.com/devcapsys/capsys-easy-flow/service"
	"github.com/devcapsys/capsys-easy-flow/steps"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "V1.0.0"
	GitCommit = ""
	GitDate   = ""
)

// svc is started once the flags are parsed.
var svc *service.Service

func main() {
	app := newApp()

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	defer func() {
		if svc != nil {
			svc.Shutdown()
		}
	}()

	// Start CLI
	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	err = app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "capsys-easy-flow"
	app.Usage = "Production test bench sequencer"
	app.Description = "capsys-easy-flow runs the acceptance sequence of a device on the test bench.\n" +
		"Operator mode takes 11 positional arguments: operator, order, OF, article, index, product id,\n" +
		"db user, db password, db host, db port and db name."
	app.ArgsUsage = "[operator order of article index product_id db_user db_password db_host db_port db_name]"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	app.Commands = []*cli.Command{
		{
			Name:   "steps",
			Usage:  "List the registered steps in execution order",
			Action: listSteps,
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			// Use the exit code from the ExitCoder
			cli.HandleExitCoder(exitErr)
			return
		}
		if stage, ok := bench.RuntimeStage(err); ok {
			log.Error("Bench could not run", "stage", stage, "err", err)
		}
		cli.HandleExitCoder(cli.Exit(err.Error(), exitCode(err)))
	}
	return app
}

// exitCode maps an error that is not already an ExitCoder to a process
// exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitcodes.Success
	case bench.IsRuntimeError(err):
		return exitcodes.RuntimeErr
	case bench.IsTestFailureError(err):
		return exitcodes.TestFailure
	}
	// For other unspecified errors, default to exit code 1
	return exitcodes.TestFailure
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	log := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(log.Handler())
	oplog.SetupDefaults()

	cfg, err := bench.NewConfig(ctx, log, Version, GitCommit, ctx.Args().Slice())
	if err != nil {
		// Wrap in RuntimeError to signal this should exit with code 2
		return nil, bench.NewRuntimeError(bench.StageConfig, err)
	}

	cfg.Log.Debug("Config", "operatorMode", cfg.OperatorMode, "gitHash", cfg.Args.GitHash, "productID", cfg.Args.ProductListID, "dryRun", cfg.DryRun)

	b, err := bench.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		// Wrap in RuntimeError to signal this should exit with code 2
		return nil, bench.NewRuntimeError(bench.StageSetup, err)
	}

	svc = service.New(service.Config{
		HealthzAddr: cfg.HealthzAddr,
		MetricsAddr: cfg.MetricsAddr,
	})
	svc.Healthz.Busy = b.Busy
	svc.Start(ctx.Context)

	return b, nil
}

func listSteps(ctx *cli.Context) error {
	reg, err := registry.NewRegistry(registry.Config{
		Log:          log.NewLogger(log.DiscardHandler()),
		Catalog:      steps.Catalog(steps.Options{BenchConfigFile: ctx.String(flags.BenchConfig.Name)}),
		ManifestFile: ctx.String(flags.Manifest.Name),
	})
	if err != nil {
		return bench.NewRuntimeError(bench.StageConfig, fmt.Errorf("failed to create registry: %w", err))
	}
	printSteps(ctx.App.Writer, reg)
	return nil
}

func printSteps(w io.Writer, reg *registry.Registry) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Test Sequence")
	t.AppendHeader(table.Row{"#", "ID", "Step", "Info"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "#", Align: text.AlignRight},
		{Name: "Info", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})
	for _, e := range reg.Entries() {
		id := e.ID
		if e.Terminal {
			id += " (always)"
		}
		t.AppendRow(table.Row{e.Ordinal, id, registry.DisplayName(e), e.Info})
	}
	t.Render()
}
