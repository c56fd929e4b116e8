package steps

import (
	"context"
	"time"

	"github.com/devcapsys/capsys-easy-flow/measure"
	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/devcapsys/capsys-easy-flow/types"
)

// patchReplies strips the acknowledgement and separators of a patch reply.
var patchReplies = []measure.Replacement{{Old: "--> ok : ", New: ""}, {Old: "- ", New: ""}}

// Thresholds checks the detection thresholds reported by the patch.
type Thresholds struct{}

func (s *Thresholds) Info() string {
	return "Checks the detection thresholds reported by the patch."
}

func (s *Thresholds) Run(ctx context.Context, logf types.LogSink, st *station.Station) (types.Result, error) {
	stepID, fail := begin(ctx, st, NameThresholds)
	if fail != nil {
		return *fail, nil
	}
	item, err := st.Items.Get(station.ItemThresholds)
	if err != nil {
		return types.Fail(NameThresholds, err.Error()), nil
	}
	spec, err := item.Thresholds()
	if err != nil {
		return types.Fail(NameThresholds, err.Error()), nil
	}
	spec.Keys = types.Prefix("TEST_SEUILS_")
	spec.Units = types.List("dB", "dB", "dB")

	v := measure.New(st, station.ItemPatch)
	req := measure.Request{
		StepID:         stepID,
		Command:        "test seuil 50 100 150\r",
		ExpectedPrefix: "--> ok : ",
		Thresholds:     spec,
		Replacements:   patchReplies,
		Timeout:        2 * time.Second,
	}
	res := measure.Retry(ctx, logf, "threshold test", st.MaxRetries, st.RetryBackoff, func(int) measure.Result {
		return v.Validate(ctx, logf, req)
	})
	if !res.OK() {
		return types.Fail(NameThresholds, res.Infos()...), nil
	}
	return types.Succeed(NameThresholds), nil
}
