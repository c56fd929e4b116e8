package steps

import (
	"context"

	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/devcapsys/capsys-easy-flow/types"
)

// End is the terminal cleanup step. It switches the supply outputs off and
// closes every instrument.
type End struct{}

func (s *End) Info() string {
	return "Switches the bench off and releases the instruments."
}

func (s *End) Run(ctx context.Context, logf types.LogSink, st *station.Station) (types.Result, error) {
	if st.Store != nil && st.DUTID != 0 {
		if _, err := st.RecordStep(ctx, NameEnd); err != nil {
			logf(err.Error(), types.SeverityWarning)
		}
	}
	for _, name := range st.Instruments() {
		logf("Closing "+name, types.SeverityDebug)
	}
	if err := st.CloseAll(ctx); err != nil {
		return types.Fail(NameEnd, err.Error()), nil
	}
	return types.Succeed(NameEnd), nil
}
