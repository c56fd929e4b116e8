package bench

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/devcapsys/capsys-easy-flow/aggregator"
	"github.com/devcapsys/capsys-easy-flow/flags"
	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/ethereum/go-ethereum/log"
)

// Config holds the application configuration
type Config struct {
	Args station.Args
	// OperatorMode is set when the launcher supplied the operator arguments.
	OperatorMode bool

	Skip           []int         // 1-based step numbers the operator chose to skip
	GenerateReport bool          // Generate the device report after the verdict is stored
	Policy         aggregator.Policy
	StopTimeout    time.Duration // Bound on a cooperative stop before the run is forced to end
	MaxRetries     int
	RetryBackoff   time.Duration
	LogDir         string // Directory of the daily log files and reports
	Manifest       string // Optional YAML step manifest
	BenchConfig    string // Optional bench configuration file overriding the database one
	DryRun         bool   // Use an in-memory store
	HealthzAddr    string
	MetricsAddr    string // Empty when metrics are disabled
	Log            log.Logger
}

// NewConfig creates a new Config from cli context. gitCommit is the build
// commit; an empty one keeps the debug configuration. pos are the positional
// arguments: exactly station.OperatorArgCount of them switch to operator
// mode, anything else falls back to the debug defaults taken from flags.
func NewConfig(ctx *cli.Context, log log.Logger, version, gitCommit string, pos []string) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}

	args := station.DefaultArgs()
	if version != "" {
		args.Version = version
	}
	if gitCommit != "" {
		args.GitHash = gitCommit
	}
	args.ShowAllLogs = ctx.Bool(flags.ShowAllLogs.Name)
	args.Operator = ctx.String(flags.Operator.Name)
	args.ProductListID = ctx.Int64(flags.ProductID.Name)
	args.DBUser = ctx.String(flags.DBUser.Name)
	args.DBPassword = ctx.String(flags.DBPassword.Name)
	args.DBHost = ctx.String(flags.DBHost.Name)
	args.DBPort = ctx.String(flags.DBPort.Name)
	args.DBName = ctx.String(flags.DBName.Name)

	operatorMode, err := args.ApplyPositional(pos)
	if err != nil {
		return nil, err
	}
	if !operatorMode && len(pos) > 0 {
		log.Warn("Ignoring positional arguments, using debug defaults", "got", len(pos), "want", station.OperatorArgCount)
	}

	policy, err := aggregator.ParsePolicy(ctx.String(flags.VerdictPolicy.Name))
	if err != nil {
		return nil, err
	}

	logDir := ctx.String(flags.LogDir.Name)
	if logDir == "" {
		logDir = os.TempDir()
	}
	logDir, err = filepath.Abs(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
	}

	var metricsAddr string
	if mc := opmetrics.ReadCLIConfig(ctx); mc.Enabled {
		if err := mc.Check(); err != nil {
			return nil, fmt.Errorf("invalid metrics config: %w", err)
		}
		metricsAddr = net.JoinHostPort(mc.ListenAddr, strconv.Itoa(mc.ListenPort))
	}

	return &Config{
		Args:           args,
		OperatorMode:   operatorMode,
		Skip:           ctx.IntSlice(flags.Skip.Name),
		GenerateReport: ctx.Bool(flags.Report.Name),
		Policy:         policy,
		StopTimeout:    ctx.Duration(flags.StopTimeout.Name),
		MaxRetries:     ctx.Int(flags.MaxRetries.Name),
		RetryBackoff:   ctx.Duration(flags.RetryBackoff.Name),
		LogDir:         logDir,
		Manifest:       ctx.String(flags.Manifest.Name),
		BenchConfig:    ctx.String(flags.BenchConfig.Name),
		DryRun:         ctx.Bool(flags.DryRun.Name),
		HealthzAddr:    ctx.String(flags.HealthzAddr.Name),
		MetricsAddr:    metricsAddr,
		Log:            log,
	}, nil
}
