// Package steps holds the test sequence of the bench. Every step records
// its step_name row first, then talks to the instruments opened by the
// initialisation step through the station.
package steps

import (
	"context"

	"github.com/devcapsys/capsys-easy-flow/registry"
	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/devcapsys/capsys-easy-flow/types"
)

const (
	NameInitialisation = "initialisation"
	NameThresholds     = "test_des_seuils"
	NameBFChain        = "test_gain_et_bw_chaine_bf"
	NameConsumption    = "mesure_consommation_patch"
	NameEnd            = registry.DefaultTerminalName
)

// Options configure the catalog.
type Options struct {
	// BenchConfigFile, when set, is read instead of the configuration blob
	// stored in the parameters table.
	BenchConfigFile string
}

// Catalog returns every step offered to the registry.
func Catalog(opts Options) []registry.Candidate {
	return []registry.Candidate{
		{Group: "s01", Name: NameInitialisation, Unit: &Initialisation{ConfigFile: opts.BenchConfigFile}},
		{Group: "s02", Name: NameThresholds, Unit: &Thresholds{}},
		{Group: "s03", Name: NameBFChain, Unit: &BFChain{}},
		{Group: "s04", Name: NameConsumption, Unit: &Consumption{}},
		{Group: registry.DefaultTerminalGroup, Name: NameEnd, Unit: &End{}},
	}
}

// begin records the step_name row of a step. A non-nil result means the
// step cannot go on and must return it.
func begin(ctx context.Context, st *station.Station, name string) (int64, *types.Result) {
	if st.Store == nil {
		res := types.Fail(name, "Database is not initialised.")
		return 0, &res
	}
	id, err := st.RecordStep(ctx, name)
	if err != nil {
		res := types.Fail(name, err.Error())
		return 0, &res
	}
	return id, nil
}
