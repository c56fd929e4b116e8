package steps

import (
	"context"
	"fmt"

	"github.com/devcapsys/capsys-easy-flow/instrument"
	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/devcapsys/capsys-easy-flow/store"
	"github.com/devcapsys/capsys-easy-flow/types"
)

const currentUnit = "A"

// Consumption measures the current drawn by the patch.
type Consumption struct{}

func (s *Consumption) Info() string {
	return "Measures the current consumption of the patch."
}

func (s *Consumption) Run(ctx context.Context, logf types.LogSink, st *station.Station) (types.Result, error) {
	stepID, fail := begin(ctx, st, NameConsumption)
	if fail != nil {
		return *fail, nil
	}
	inst, ok := st.Instrument(station.ItemMultimeter)
	if !ok {
		return types.Fail(NameConsumption, fmt.Sprintf("%s : the current multimeter is not initialised.", NameConsumption)), nil
	}
	meter, ok := inst.(instrument.Meter)
	if !ok {
		return types.Fail(NameConsumption, fmt.Sprintf("%s cannot measure", station.ItemMultimeter)), nil
	}
	item, err := st.Items.Get(station.ItemConsumption)
	if err != nil {
		return types.Fail(NameConsumption, err.Error()), nil
	}
	lo, hi, err := item.Limits()
	if err != nil {
		return types.Fail(NameConsumption, err.Error()), nil
	}

	current, err := meter.Measure(ctx)
	if err != nil {
		return types.Result{}, types.ConnectionError(err, "%s measurement", station.ItemMultimeter)
	}
	logf(fmt.Sprintf("Measured current: %v%s, min=%v%s, max=%v%s", current, currentUnit, lo, currentUnit, hi, currentUnit), types.SeverityInfo)

	// The value is stored invalid first and only flagged valid once it is
	// known to be in range.
	id, err := st.SaveValue(ctx, station.Value{
		StepID: stepID,
		Key:    item.Key,
		Value:  current,
		Unit:   currentUnit,
		Min:    &lo,
		Max:    &hi,
	})
	if err != nil {
		return types.Fail(NameConsumption, err.Error()), nil
	}
	if current < lo || current > hi {
		return types.Fail(NameConsumption, fmt.Sprintf("Measured current %v%s out of limits (%v%s - %v%s).",
			current, currentUnit, lo, currentUnit, hi, currentUnit)), nil
	}
	if err := st.Store.UpdateByID(ctx, store.TableSKVPFloat, id, store.Record{"valid": 1}); err != nil {
		return types.Fail(NameConsumption, types.PersistenceError(err, "value %s", item.Key).Error()), nil
	}
	return types.Succeed(NameConsumption), nil
}
