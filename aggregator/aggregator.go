// Package aggregator turns a finished run into the device level verdict,
// persists it and hands the device over to report generation.
package aggregator

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/devcapsys/capsys-easy-flow/store"
	"github.com/devcapsys/capsys-easy-flow/types"
)

// Policy decides what a failed verdict write means for the rest of the
// finalization.
type Policy string

const (
	// PolicyStrict reports the write failure and skips report generation.
	PolicyStrict Policy = "strict"
	// PolicyBestEffort logs the write failure and carries on.
	PolicyBestEffort Policy = "best-effort"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyStrict, PolicyBestEffort:
		return p, nil
	case "":
		return PolicyStrict, nil
	}
	return "", fmt.Errorf("invalid verdict policy %q, must be %q or %q", s, PolicyStrict, PolicyBestEffort)
}

// Reporter produces the report of a device under test.
type Reporter interface {
	Generate(ctx context.Context, dutID int64) error
}

type Config struct {
	Log      log.Logger
	Reporter Reporter
	Policy   Policy
}

type Aggregator struct {
	log      log.Logger
	reporter Reporter
	policy   Policy
}

func New(cfg Config) *Aggregator {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyStrict
	}
	return &Aggregator{log: cfg.Log, reporter: cfg.Reporter, policy: cfg.Policy}
}

// Verdict computes the device level result of a run. A run passes only when
// no non-terminal step failed, nothing was skipped and it was not
// interrupted.
func Verdict(run *types.TestRun) types.Verdict {
	v := types.Verdict{
		Passed: run.FirstFailure == nil && len(run.Skip) == 0 && !run.Interrupted,
	}
	if run.FirstFailure != nil {
		label := run.FirstFailure.String()
		v.FailureLabel = &label
	}
	return v
}

func (a *Aggregator) fail(err error) error {
	if a.policy == PolicyBestEffort {
		a.log.Warn("Continuing after verdict persistence failure", "err", err)
		return nil
	}
	return err
}

// Finalize writes the verdict of run to the device_under_test record and
// optionally generates the report.
func (a *Aggregator) Finalize(ctx context.Context, st *station.Station, run *types.TestRun, generateReport bool) (types.Verdict, error) {
	v := Verdict(run)
	a.log.Info("Run verdict", "run_id", run.ID, "passed", v.Passed, "dut", st.DUTID)

	if st.Store == nil || st.DUTID == 0 {
		err := types.ConfigError("no device under test record to attach the verdict to")
		a.log.Error("Cannot persist verdict", "run_id", run.ID, "err", err)
		return v, a.fail(err)
	}

	fields := store.Record{"result": v.Result()}
	if v.FailureLabel != nil {
		fields["failure_label"] = *v.FailureLabel
	}
	if err := st.Store.UpdateByID(ctx, store.TableDeviceUnderTest, st.DUTID, fields); err != nil {
		perr := types.PersistenceError(err, "verdict of device %d", st.DUTID)
		a.log.Error("Failed to persist verdict", "dut", st.DUTID, "err", err)
		if ferr := a.fail(perr); ferr != nil {
			return v, ferr
		}
	}

	if generateReport && a.reporter != nil {
		if err := a.reporter.Generate(ctx, st.DUTID); err != nil {
			a.log.Error("Report generation failed", "dut", st.DUTID, "err", err)
		}
	}
	return v, nil
}
