package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcapsys/capsys-easy-flow/instrument"
	"github.com/devcapsys/capsys-easy-flow/registry"
	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/devcapsys/capsys-easy-flow/store"
	"github.com/devcapsys/capsys-easy-flow/types"
)

// scripted answers commands from a per command queue. The last reply of a
// queue is repeated.
type scripted struct {
	mu      sync.Mutex
	replies map[string][]string
	sent    []string
	closed  bool
}

func newScripted(replies map[string][]string) *scripted {
	return &scripted{replies: replies}
}

func (s *scripted) SendCommand(_ context.Context, cmd string, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cmd)
	q := s.replies[cmd]
	if len(q) == 0 {
		return "", fmt.Errorf("no reply to %q", cmd)
	}
	if len(q) > 1 {
		s.replies[cmd] = q[1:]
	}
	return q[0], nil
}

func (s *scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scripted) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *scripted) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeMeter struct {
	*scripted
	value float64
	err   error
}

func (m *fakeMeter) Measure(context.Context) (float64, error) {
	return m.value, m.err
}

func collectLogs() (types.LogSink, func() []string) {
	var (
		mu    sync.Mutex
		lines []string
	)
	return func(msg string, _ types.Severity) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, msg)
		}, func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), lines...)
		}
}

const benchConfig = `{
	"PATCH": {"port": "10.0.0.5:4001"},
	"TARGET_CAPSYS": {"port": "10.0.0.5:4002"},
	"MULTIMETRE_COURANT": {"port": "10.0.0.5:4003", "command": "MEAS:CURR?\n"},
	"ALIMENTATION": {"port": "10.0.0.5:4004", "command": "OUTP CH%d,%s\n"},
	"TEST_SEUILS": {"min_map": [0, 0, 0], "max_map": [100, 100, 100]},
	"TEST_BF": {"min_map": [0, 0, 0, 0, 0, 0], "max_map": [5, 50, 5, 50, 5, 50]},
	"MESURE_CONSOMMATION_PATCH": {"minimum": 0.05, "maximum": 0.2}
}`

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

// measuringStation returns a station past initialisation: a device record,
// a loaded product and the bench configuration.
func measuringStation(t *testing.T) (*station.Station, *store.MemStore) {
	t.Helper()
	ms := store.NewMemStore()
	st := station.New(station.DefaultArgs(), ms, testLogger())
	id, err := ms.Create(context.Background(), store.TableDeviceUnderTest, store.Record{"result": 0})
	require.NoError(t, err)
	st.DUTID = id
	st.Product = store.Record{"id": int64(1), "info": "radar"}
	st.Items, err = station.ParseItems([]byte(benchConfig))
	require.NoError(t, err)
	st.RetryBackoff = 0
	return st, ms
}

func TestCatalog(t *testing.T) {
	reg, err := registry.NewRegistry(registry.Config{Log: testLogger(), Catalog: Catalog(Options{})})
	require.NoError(t, err)

	var ids []string
	for _, e := range reg.Entries() {
		ids = append(ids, e.ID)
		assert.NotEqual(t, registry.DefaultInfo, e.Info, e.ID)
	}
	assert.Equal(t, []string{
		"s01_initialisation",
		"s02_test_des_seuils",
		"s03_test_gain_et_bw_chaine_bf",
		"s04_mesure_consommation_patch",
		"fin_du_test",
	}, ids)
	term, ok := reg.Terminal()
	require.True(t, ok)
	assert.Equal(t, NameEnd, term.ID)
}

func TestBeginWithoutStore(t *testing.T) {
	st := station.New(station.DefaultArgs(), nil, testLogger())
	for _, step := range []registry.Step{&Thresholds{}, &BFChain{}, &Consumption{}, &Initialisation{}} {
		res, err := step.Run(context.Background(), types.Discard, st)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailure, res.Status)
		assert.Equal(t, []string{"Database is not initialised."}, res.Message.Infos)
	}
}

// seedProduction fills the reference tables read by the initialisation.
func seedProduction(ms *store.MemStore, configName string) {
	ms.Seed(store.TableOperator, 1, store.Record{"name": "GERARDIN", "first_name": "Thomas"})
	ms.Seed(store.TableProductList, 1, store.Record{"info": "radar", "bench_composition_id": 10, "parameters_group_id": 20})
	ms.Seed(store.TableBenchComposition, 10, store.Record{"external_device_id": 30})
	ms.Seed(store.TableExternalDevice, 30, store.Record{"name": "multimeter"})
	ms.Seed(store.TableScript, 1, store.Record{"name": "easy_flow", "file": "SCRIPT_CONTENT"})
	ms.Seed(store.TableParametersGroup, 40, store.Record{"parameters_group_id": 20, "parameters_id": 50})
	ms.Seed(store.TableParameters, 50, store.Record{"name": configName, "file": []byte(benchConfig)})
}

type benchDevices struct {
	patch, target, meter, supply *scripted
}

func newBenchDevices() *benchDevices {
	return &benchDevices{
		patch:  newScripted(map[string][]string{"help\r": {"Command disp :\r prod\r param\r stat"}}),
		target: newScripted(map[string][]string{"\r": {""}, "help\r": {"Command disp :\r param\r all\r\r"}}),
		meter:  newScripted(nil),
		supply: newScripted(nil),
	}
}

func (d *benchDevices) opener() instrument.Opener {
	return instrument.OpenerFunc(func(_ context.Context, name, _ string) (instrument.Instrument, error) {
		switch name {
		case station.ItemPatch:
			return d.patch, nil
		case station.ItemTarget:
			return d.target, nil
		case station.ItemMultimeter:
			return d.meter, nil
		case station.ItemSupply:
			return d.supply, nil
		}
		return nil, fmt.Errorf("unknown device %s", name)
	})
}

func TestInitialisation(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemStore()
	seedProduction(ms, station.ConfigNameDebug)
	st := station.New(station.DefaultArgs(), ms, testLogger())
	st.Args.Article = "SN-0042"
	devs := newBenchDevices()
	st.Opener = devs.opener()

	logf, logs := collectLogs()
	res, err := (&Initialisation{}).Run(ctx, logf, st)
	require.NoError(t, err)
	require.Equal(t, types.StatusSuccess, res.Status, res.Message.String())
	assert.Equal(t, []string{"OK"}, res.Message.Infos)

	require.NotZero(t, st.DUTID)
	assert.Equal(t, "radar", st.ProductInfo())
	assert.Len(t, st.Items, len(station.KnownItems))
	assert.Equal(t, []string{station.ItemSupply, station.ItemMultimeter, station.ItemPatch, station.ItemTarget}, st.Instruments())

	meter, ok := st.Instrument(station.ItemMultimeter)
	require.True(t, ok)
	assert.Implements(t, (*instrument.Meter)(nil), meter)
	supply, ok := st.Instrument(station.ItemSupply)
	require.True(t, ok)
	assert.Implements(t, (*instrument.OutputSwitch)(nil), supply)
	assert.Equal(t, []string{"\r", "help\r"}, devs.target.Sent())

	dut := ms.Rows(store.TableDeviceUnderTest)
	require.Len(t, dut, 1)
	assert.Equal(t, "SN-0042", dut[0]["sn"])
	assert.Equal(t, int64(1), dut[0]["operator_id"])
	assert.Equal(t, 0, dut[0]["result"])

	chars := ms.Rows(store.TableSKVPChar)
	require.Len(t, chars, 2)
	assert.Equal(t, "VERSION", chars[0]["key"])
	assert.Equal(t, st.Args.Version, chars[0]["val_char"])
	assert.Equal(t, "id_fichier_config", chars[1]["key"])
	assert.Equal(t, "The config file used is row id=50 of the parameters table", chars[1]["val_char"])

	js := ms.Rows(store.TableSKVPJSON)
	require.Len(t, js, 1)
	assert.Equal(t, "data_used_for_test", js[0]["key"])
	blob := js[0]["val_json"].(string)
	assert.Contains(t, blob, `"external_devices"`)
	assert.NotContains(t, blob, "SCRIPT_CONTENT")
	assert.Contains(t, logs(), "The config file used is row id=50 of the parameters table")
}

func TestInitialisationFailures(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(st *station.Station, ms *store.MemStore, d *benchDevices)
		want    string
	}{
		{
			name:    "single word operator",
			prepare: func(st *station.Station, _ *store.MemStore, _ *benchDevices) { st.Args.Operator = "Thomas" },
			want:    "at least a first and a last name",
		},
		{
			name:    "unknown operator",
			prepare: func(st *station.Station, _ *store.MemStore, _ *benchDevices) { st.Args.Operator = "Jane DOE" },
			want:    "no operator DOE found",
		},
		{
			name:    "unknown product",
			prepare: func(st *station.Station, _ *store.MemStore, _ *benchDevices) { st.Args.ProductListID = 7 },
			want:    "no product 7 found",
		},
		{
			name:    "missing configuration",
			prepare: func(st *station.Station, _ *store.MemStore, _ *benchDevices) { st.ConfigName = station.ConfigNameTemplate },
			want:    "config_template config file is not in the database",
		},
		{
			name: "bad identification",
			prepare: func(_ *station.Station, _ *store.MemStore, d *benchDevices) {
				d.patch.replies["help\r"] = []string{"garbage"}
			},
			want: "PATCH",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := store.NewMemStore()
			seedProduction(ms, station.ConfigNameDebug)
			st := station.New(station.DefaultArgs(), ms, testLogger())
			devs := newBenchDevices()
			st.Opener = devs.opener()
			tt.prepare(st, ms, devs)

			res, err := (&Initialisation{}).Run(context.Background(), types.Discard, st)
			require.NoError(t, err)
			assert.Equal(t, types.StatusFailure, res.Status)
			require.Len(t, res.Message.Infos, 1)
			assert.Contains(t, res.Message.Infos[0], tt.want)
		})
	}
}

func TestInitialisationConfigFile(t *testing.T) {
	ms := store.NewMemStore()
	seedProduction(ms, "something_else")
	st := station.New(station.DefaultArgs(), ms, testLogger())

	path := t.TempDir() + "/bench.json"
	require.NoError(t, os.WriteFile(path, []byte(benchConfig), 0o644))
	res, err := (&Initialisation{ConfigFile: path}).Run(context.Background(), types.Discard, st)
	require.NoError(t, err)
	require.Equal(t, types.StatusSuccess, res.Status, res.Message.String())
	assert.Len(t, st.Items, len(station.KnownItems))
	assert.Empty(t, st.Instruments())
}

func TestThresholds(t *testing.T) {
	t.Run("in range", func(t *testing.T) {
		st, ms := measuringStation(t)
		patch := newScripted(map[string][]string{"test seuil 50 100 150\r": {"--> ok : 50 - 60 - 70"}})
		st.SetInstrument(station.ItemPatch, patch)

		res, err := (&Thresholds{}).Run(context.Background(), types.Discard, st)
		require.NoError(t, err)
		require.Equal(t, types.StatusSuccess, res.Status, res.Message.String())

		rows := ms.Rows(store.TableSKVPFloat)
		require.Len(t, rows, 3)
		for i, r := range rows {
			assert.Equal(t, fmt.Sprintf("TEST_SEUILS_%d", i+1), r["key"])
			assert.Equal(t, "dB", r["unit"])
			assert.Equal(t, 1, r["valid"])
		}
	})

	t.Run("retried then failed", func(t *testing.T) {
		st, ms := measuringStation(t)
		patch := newScripted(map[string][]string{"test seuil 50 100 150\r": {"--> ok : 50 - 160 - 70"}})
		st.SetInstrument(station.ItemPatch, patch)

		res, err := (&Thresholds{}).Run(context.Background(), types.Discard, st)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailure, res.Status)
		assert.Equal(t, []string{"2 : 160 (NOK ; min=0 ; max=100)"}, res.Message.Infos)
		assert.Len(t, patch.Sent(), st.MaxRetries)
		assert.Len(t, ms.Rows(store.TableSKVPFloat), 3*st.MaxRetries)
	})

	t.Run("missing configuration", func(t *testing.T) {
		st, _ := measuringStation(t)
		delete(st.Items, station.ItemThresholds)
		res, err := (&Thresholds{}).Run(context.Background(), types.Discard, st)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailure, res.Status)
		assert.Contains(t, res.Message.Infos[0], "TEST_SEUILS missing")
	})
}

func TestBFChain(t *testing.T) {
	targetReplies := func() map[string][]string {
		return map[string][]string{
			emitterOn:         {"--> ok"},
			"set txmod 225\r": {"--> ok"},
			"set freq 450\r":  {"--> ok"},
			"set freq 810\r":  {"--> ok"},
			emitterOff:        {"--> ok"},
		}
	}

	t.Run("all groups pass", func(t *testing.T) {
		st, ms := measuringStation(t)
		target := newScripted(targetReplies())
		patch := newScripted(map[string][]string{"test bf\r": {"--> ok : 1 - 10", "--> ok : 2 - 20", "--> ok : 3 - 30"}})
		st.SetInstrument(station.ItemTarget, target)
		st.SetInstrument(station.ItemPatch, patch)

		res, err := (&BFChain{}).Run(context.Background(), types.Discard, st)
		require.NoError(t, err)
		require.Equal(t, types.StatusSuccess, res.Status, res.Message.String())

		var keys []string
		for _, r := range ms.Rows(store.TableSKVPFloat) {
			keys = append(keys, r["key"].(string))
		}
		assert.Equal(t, []string{
			"TEST_BF_FREQ_1_Id", "TEST_BF_FREQ_1_AMP_dB",
			"TEST_BF_FREQ_2_Id", "TEST_BF_FREQ_2_AMP_dB",
			"TEST_BF_FREQ_3_Id", "TEST_BF_FREQ_3_AMP_dB",
		}, keys)
		assert.Equal(t, []string{emitterOn, "set txmod 225\r", "set freq 450\r", "set freq 810\r", emitterOff}, target.Sent())
	})

	t.Run("second group out of range", func(t *testing.T) {
		st, _ := measuringStation(t)
		st.MaxRetries = 1
		target := newScripted(targetReplies())
		patch := newScripted(map[string][]string{"test bf\r": {"--> ok : 1 - 10", "--> ok : 2 - 99"}})
		st.SetInstrument(station.ItemTarget, target)
		st.SetInstrument(station.ItemPatch, patch)

		res, err := (&BFChain{}).Run(context.Background(), types.Discard, st)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailure, res.Status)
		assert.Equal(t, []string{"1 : 2 : 99 (NOK ; min=0 ; max=50)"}, res.Message.Infos)
		sent := target.Sent()
		assert.Equal(t, emitterOff, sent[len(sent)-1], "emitter is switched off after a failure")
	})

	t.Run("target missing", func(t *testing.T) {
		st, _ := measuringStation(t)
		res, err := (&BFChain{}).Run(context.Background(), types.Discard, st)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailure, res.Status)
		assert.Equal(t, []string{"TARGET_CAPSYS is not initialised."}, res.Message.Infos)
	})
}

func TestConsumption(t *testing.T) {
	tests := []struct {
		name   string
		value  float64
		status types.StatusCode
		valid  int
		infos  []string
	}{
		{name: "in range", value: 0.12, status: types.StatusSuccess, valid: 1, infos: []string{"OK"}},
		{name: "too high", value: 0.5, status: types.StatusFailure, valid: 0, infos: []string{"Measured current 0.5A out of limits (0.05A - 0.2A)."}},
		{name: "too low", value: 0.01, status: types.StatusFailure, valid: 0, infos: []string{"Measured current 0.01A out of limits (0.05A - 0.2A)."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ms := measuringStation(t)
			st.SetInstrument(station.ItemMultimeter, &fakeMeter{scripted: newScripted(nil), value: tt.value})

			res, err := (&Consumption{}).Run(context.Background(), types.Discard, st)
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.infos, res.Message.Infos)

			rows := ms.Rows(store.TableSKVPFloat)
			require.Len(t, rows, 1)
			assert.Equal(t, station.ItemConsumption, rows[0]["key"])
			assert.Equal(t, "A", rows[0]["unit"])
			assert.Equal(t, tt.valid, rows[0]["valid"])
		})
	}

	t.Run("meter error", func(t *testing.T) {
		st, _ := measuringStation(t)
		boom := errors.New("timeout")
		st.SetInstrument(station.ItemMultimeter, &fakeMeter{scripted: newScripted(nil), err: boom})
		_, err := (&Consumption{}).Run(context.Background(), types.Discard, st)
		assert.ErrorIs(t, err, types.ErrConnection)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("meter missing", func(t *testing.T) {
		st, _ := measuringStation(t)
		res, err := (&Consumption{}).Run(context.Background(), types.Discard, st)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailure, res.Status)
		assert.True(t, strings.HasSuffix(res.Message.Infos[0], "the current multimeter is not initialised."))
	})
}

func TestEnd(t *testing.T) {
	st, ms := measuringStation(t)
	patch := newScripted(nil)
	supply := newScripted(map[string][]string{"OUTP CH1,OFF\n": {""}, "OUTP CH2,OFF\n": {""}})
	st.SetInstrument(station.ItemPatch, patch)
	st.SetInstrument(station.ItemSupply, instrument.NewCommandSwitch(supply, "OUTP CH%d,%s\n"))

	res, err := (&End{}).Run(context.Background(), types.Discard, st)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status, res.Message.String())
	assert.True(t, patch.Closed())
	assert.True(t, supply.Closed())
	assert.ElementsMatch(t, []string{"OUTP CH1,OFF\n", "OUTP CH2,OFF\n"}, supply.Sent())
	assert.Empty(t, st.Instruments())

	steps := ms.Rows(store.TableStepName)
	require.Len(t, steps, 1)
	assert.Equal(t, NameEnd, steps[0]["step_name"])
}

func TestEndWithoutDevice(t *testing.T) {
	st := station.New(station.DefaultArgs(), nil, testLogger())
	res, err := (&End{}).Run(context.Background(), types.Discard, st)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status)
}
