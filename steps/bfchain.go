package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/devcapsys/capsys-easy-flow/instrument"
	"github.com/devcapsys/capsys-easy-flow/measure"
	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/devcapsys/capsys-easy-flow/types"
)

const (
	targetAck     = "--> ok"
	targetTimeout = 3 * time.Second
	emitterOn     = "set emetteur on\r"
	emitterOff    = "set emetteur off\r"
)

// bfGroup is one frequency point of the BF chain test. Its bounds are a
// two value window of the TEST_BF min and max maps.
type bfGroup struct {
	command string
	keys    []string
}

var bfGroups = []bfGroup{
	{command: "set txmod 225\r", keys: []string{"TEST_BF_FREQ_1_Id", "TEST_BF_FREQ_1_AMP_dB"}},
	{command: "set freq 450\r", keys: []string{"TEST_BF_FREQ_2_Id", "TEST_BF_FREQ_2_AMP_dB"}},
	{command: "set freq 810\r", keys: []string{"TEST_BF_FREQ_3_Id", "TEST_BF_FREQ_3_AMP_dB"}},
}

// BFChain measures the gain and bandwidth of the BF chain of the patch
// while the target emits on three frequencies.
type BFChain struct{}

func (s *BFChain) Info() string {
	return "Measures the gain and bandwidth of the BF chain on three frequencies."
}

func (s *BFChain) Run(ctx context.Context, logf types.LogSink, st *station.Station) (types.Result, error) {
	stepID, fail := begin(ctx, st, NameBFChain)
	if fail != nil {
		return *fail, nil
	}
	target, ok := st.Instrument(station.ItemTarget)
	if !ok {
		return types.Fail(NameBFChain, fmt.Sprintf("%s is not initialised.", station.ItemTarget)), nil
	}
	item, err := st.Items.Get(station.ItemBF)
	if err != nil {
		return types.Fail(NameBFChain, err.Error()), nil
	}
	spec, err := item.Thresholds()
	if err != nil {
		return types.Fail(NameBFChain, err.Error()), nil
	}
	width := 2 * len(bfGroups)
	if len(spec.Min) < width {
		return types.Fail(NameBFChain, fmt.Sprintf("%s: %d bounds configured, %d required", station.ItemBF, len(spec.Min), width)), nil
	}

	v := measure.New(st, station.ItemPatch)
	res := measure.Retry(ctx, logf, "BF chain test", st.MaxRetries, st.RetryBackoff, func(int) measure.Result {
		if _, err := instrument.Probe(ctx, target, emitterOn, targetAck, targetTimeout); err != nil {
			logf(fmt.Sprintf("%s: %v", station.ItemTarget, err), types.SeverityWarning)
		}
		for i, g := range bfGroups {
			if _, err := instrument.Probe(ctx, target, g.command, targetAck, targetTimeout); err != nil {
				logf(fmt.Sprintf("%s: %v", station.ItemTarget, err), types.SeverityWarning)
			}
			r := v.Validate(ctx, logf, measure.Request{
				StepID:         stepID,
				Command:        "test bf\r",
				ExpectedPrefix: targetAck,
				Thresholds: types.ThresholdSpec{
					Min:  spec.Min[2*i : 2*i+2],
					Max:  spec.Max[2*i : 2*i+2],
					Keys: types.List(g.keys...),
				},
				Replacements: patchReplies,
				Timeout:      2 * time.Second,
			})
			if !r.OK() {
				for j, d := range r.Diagnostics {
					r.Diagnostics[j] = fmt.Sprintf("%d : %s", i, d)
				}
				return r
			}
		}
		return measure.Result{Status: types.StatusSuccess, Message: measure.SuccessMessage}
	})

	if resp, err := target.SendCommand(ctx, emitterOff, 2*time.Second); err != nil {
		logf(fmt.Sprintf("Emitter off failed: %v", err), types.SeverityWarning)
	} else {
		logf(fmt.Sprintf("Emitter off: %s", resp), types.SeverityDebug)
	}

	if !res.OK() {
		return types.Fail(NameBFChain, res.Infos()...), nil
	}
	return types.Succeed(NameBFChain), nil
}
