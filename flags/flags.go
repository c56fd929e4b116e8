package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/devcapsys/capsys-easy-flow/aggregator"
	"github.com/devcapsys/capsys-easy-flow/station"
)

const EnvVarPrefix = "CAPSYS_BENCH"

var defaults = station.DefaultArgs()

var (
	Skip = &cli.IntSliceFlag{
		Name:    "skip",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SKIP"),
		Usage:   "1-based numbers of the steps to skip (eg. '--skip 3 --skip 4')",
	}
	Report = &cli.BoolFlag{
		Name:    "report",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REPORT"),
		Usage:   "Generate the device report once the run is finalized",
	}
	VerdictPolicy = &cli.StringFlag{
		Name:    "verdict-policy",
		Value:   string(aggregator.PolicyStrict),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "VERDICT_POLICY"),
		Usage:   "What a failed verdict write means: 'strict' reports it and skips the report, 'best-effort' logs it",
	}
	StopTimeout = &cli.DurationFlag{
		Name:    "stop-timeout",
		Value:   5 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STOP_TIMEOUT"),
		Usage:   "How long a stop request waits for the current step before the run is forced to end",
	}
	MaxRetries = &cli.IntFlag{
		Name:    "max-retries",
		Value:   station.DefaultMaxRetries,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAX_RETRIES"),
		Usage:   "Attempts per measurement before a step fails",
	}
	RetryBackoff = &cli.DurationFlag{
		Name:    "retry-backoff",
		Value:   station.DefaultRetryBackoff,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RETRY_BACKOFF"),
		Usage:   "Pause between measurement attempts",
	}
	LogDir = &cli.StringFlag{
		Name:    "log-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOG_DIR"),
		Usage:   "Directory of the daily log files and reports (defaults to the system temp directory)",
	}
	Manifest = &cli.StringFlag{
		Name:    "manifest",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MANIFEST"),
		Usage:   "Path to a YAML file restricting the steps to run",
	}
	BenchConfig = &cli.StringFlag{
		Name:    "bench-config",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BENCH_CONFIG"),
		Usage:   "Path to a bench configuration JSON file used instead of the one stored in the database",
	}
	ShowAllLogs = &cli.BoolFlag{
		Name:    "show-all-logs",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_ALL_LOGS"),
		Usage:   "Keep debug lines in the operator log",
	}
	DryRun = &cli.BoolFlag{
		Name:    "dry-run",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DRY_RUN"),
		Usage:   "Use an in-memory store instead of the production database",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz-addr",
		Value:   "0.0.0.0:8080",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Listen address of the health check server, empty to disable",
	}
	Operator = &cli.StringFlag{
		Name:    "operator",
		Value:   defaults.Operator,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "OPERATOR"),
		Usage:   "Operator as 'First LAST' when no positional arguments are given",
	}
	ProductID = &cli.Int64Flag{
		Name:    "product-id",
		Value:   defaults.ProductListID,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PRODUCT_ID"),
		Usage:   "product_list id when no positional arguments are given",
	}
	DBUser = &cli.StringFlag{
		Name:    "db.user",
		Value:   defaults.DBUser,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DB_USER"),
		Usage:   "Database user when no positional arguments are given",
	}
	DBPassword = &cli.StringFlag{
		Name:    "db.password",
		Value:   defaults.DBPassword,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DB_PASSWORD"),
		Usage:   "Database password when no positional arguments are given",
	}
	DBHost = &cli.StringFlag{
		Name:    "db.host",
		Value:   defaults.DBHost,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DB_HOST"),
		Usage:   "Database host when no positional arguments are given",
	}
	DBPort = &cli.StringFlag{
		Name:    "db.port",
		Value:   defaults.DBPort,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DB_PORT"),
		Usage:   "Database port when no positional arguments are given",
	}
	DBName = &cli.StringFlag{
		Name:    "db.name",
		Value:   defaults.DBName,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DB_NAME"),
		Usage:   "Database name when no positional arguments are given",
	}
)

var requiredFlags = []cli.Flag{}

var optionalFlags = []cli.Flag{
	Skip,
	Report,
	VerdictPolicy,
	StopTimeout,
	MaxRetries,
	RetryBackoff,
	LogDir,
	Manifest,
	BenchConfig,
	ShowAllLogs,
	DryRun,
	HealthzAddr,
	Operator,
	ProductID,
	DBUser,
	DBPassword,
	DBHost,
	DBPort,
	DBName,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	if _, err := aggregator.ParsePolicy(ctx.String(VerdictPolicy.Name)); err != nil {
		return err
	}
	if ctx.Duration(StopTimeout.Name) <= 0 {
		return fmt.Errorf("flag %s must be positive", StopTimeout.Name)
	}
	if ctx.Int(MaxRetries.Name) < 1 {
		return fmt.Errorf("flag %s must be at least 1", MaxRetries.Name)
	}
	for _, n := range ctx.IntSlice(Skip.Name) {
		if n < 1 {
			return fmt.Errorf("invalid step number %d in --%s", n, Skip.Name)
		}
	}
	return opflags.CheckRequiredXor(ctx)
}
