package steps

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/devcapsys/capsys-easy-flow/instrument"
	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/devcapsys/capsys-easy-flow/store"
	"github.com/devcapsys/capsys-easy-flow/types"
)

const probeTimeout = time.Second

// device describes how an instrument of the bench is opened and checked.
type device struct {
	item string
	// wake is sent before the probe to flush the device prompt.
	wake  string
	probe string
	want  string
	wrap  func(inst instrument.Instrument, it station.Item) instrument.Instrument
}

var devices = []device{
	{item: station.ItemPatch, probe: "help\r", want: "Command disp :\r prod\r param\r"},
	{item: station.ItemTarget, wake: "\r", probe: "help\r", want: "Command disp :\r param\r all\r\r"},
	{item: station.ItemMultimeter, wrap: func(inst instrument.Instrument, it station.Item) instrument.Instrument {
		return instrument.NewCommandMeter(inst, it.Command)
	}},
	{item: station.ItemSupply, wrap: func(inst instrument.Instrument, it station.Item) instrument.Instrument {
		return instrument.NewCommandSwitch(inst, it.Command)
	}},
}

// Initialisation loads the production context of the run, creates the
// device_under_test record and opens the bench instruments.
type Initialisation struct {
	ConfigFile string
}

func (s *Initialisation) Info() string {
	return "Creates the device under test record, loads the bench configuration and opens the instruments."
}

func (s *Initialisation) Run(ctx context.Context, logf types.LogSink, st *station.Station) (types.Result, error) {
	logf(fmt.Sprintf("show_all_logs = %t", st.Args.ShowAllLogs), types.SeverityDebug)
	if st.Store == nil {
		return types.Fail(NameInitialisation, "Database is not initialised."), nil
	}
	if err := s.load(ctx, logf, st); err != nil {
		return types.Fail(NameInitialisation, err.Error()), nil
	}
	if err := s.open(ctx, logf, st); err != nil {
		return types.Fail(NameInitialisation, err.Error()), nil
	}
	return types.Succeed(NameInitialisation), nil
}

func (s *Initialisation) load(ctx context.Context, logf types.LogSink, st *station.Station) error {
	args := st.Args
	if args.ProductListID == 0 {
		return types.ConfigError("no value for product_list_id")
	}
	_, last, ok := args.OperatorNames()
	if !ok {
		return types.ConfigError("the operator field must hold at least a first and a last name")
	}

	db := st.Store
	operators, err := db.GetByColumn(ctx, store.TableOperator, "name", last)
	if err != nil {
		return types.PersistenceError(err, "operator lookup")
	}
	if len(operators) == 0 {
		return types.ConfigError("no operator %s found in the database", last)
	}
	operator := operators[0]
	operatorID, _ := operator.Int64("id")

	product, err := db.GetByID(ctx, store.TableProductList, args.ProductListID)
	if err != nil {
		return types.PersistenceError(err, "product lookup")
	}
	if product == nil {
		return types.ConfigError("no product %d found in the database", args.ProductListID)
	}
	st.Product = product

	composition, err := db.GetByColumn(ctx, store.TableBenchComposition, "id", product["bench_composition_id"])
	if err != nil {
		return types.PersistenceError(err, "bench composition lookup")
	}
	if len(composition) == 0 {
		return types.ConfigError("no bench composition found for product %d", args.ProductListID)
	}
	var externals []store.Record
	for _, c := range composition {
		id, _ := c.Int64("external_device_id")
		dev, err := db.GetByID(ctx, store.TableExternalDevice, id)
		if err != nil {
			return types.PersistenceError(err, "external device %d", id)
		}
		if dev != nil {
			externals = append(externals, dev)
		}
	}
	if len(externals) == 0 {
		return types.ConfigError("no external device found for the bench composition")
	}

	script, err := db.GetByID(ctx, store.TableScript, args.ProductListID)
	if err != nil {
		return types.PersistenceError(err, "script lookup")
	}
	if script == nil {
		return types.ConfigError("no script found for product %d", args.ProductListID)
	}
	delete(script, "file")

	groups, err := db.GetByColumn(ctx, store.TableParametersGroup, "parameters_group_id", product["parameters_group_id"])
	if err != nil {
		return types.PersistenceError(err, "parameters group lookup")
	}
	if len(groups) == 0 {
		return types.ConfigError("no parameters group found for product %d", args.ProductListID)
	}
	var params []store.Record
	for _, g := range groups {
		id, _ := g.Int64("parameters_id")
		p, err := db.GetByID(ctx, store.TableParameters, id)
		if err != nil {
			return types.PersistenceError(err, "parameters %d", id)
		}
		if p != nil {
			params = append(params, p)
		}
	}
	if len(params) == 0 {
		return types.ConfigError("no parameters found for product %d", args.ProductListID)
	}

	blob, source, err := s.configBlob(st, params)
	if err != nil {
		return err
	}
	logf(source, types.SeverityInfo)
	items, err := station.ParseItems(blob)
	if err != nil {
		return err
	}
	st.Items = items

	dutID, err := db.Create(ctx, store.TableDeviceUnderTest, store.Record{
		"operator_id":    operatorID,
		"product_id":     args.ProductListID,
		"sn":             args.Article,
		"date":           time.Now(),
		"result":         0,
		"of":             args.OF,
		"command_number": args.Commande,
		"client":         "",
		"failure_label":  "",
		"name":           args.Name,
	})
	if err != nil {
		return types.PersistenceError(err, "device under test")
	}
	st.DUTID = dutID
	logf(fmt.Sprintf("Device under test created with id %d.", dutID), types.SeveritySuccess)

	stepID, err := st.RecordStep(ctx, NameInitialisation)
	if err != nil {
		return err
	}
	if _, err := st.SaveChar(ctx, stepID, "VERSION", args.Version); err != nil {
		return err
	}
	data := map[string]any{
		"device_under_test_id": dutID,
		"operator":             operator,
		"product_list":         product,
		"bench_composition":    composition,
		"external_devices":     externals,
		"script":               script,
		"parameters_group":     groups,
		"parameters":           params,
	}
	if _, err := st.SaveJSON(ctx, stepID, "data_used_for_test", data); err != nil {
		return err
	}
	if _, err := st.SaveChar(ctx, stepID, "id_fichier_config", source); err != nil {
		return err
	}
	return nil
}

// configBlob returns the bench configuration and a line describing where it
// came from.
func (s *Initialisation) configBlob(st *station.Station, params []store.Record) ([]byte, string, error) {
	if s.ConfigFile != "" {
		b, err := os.ReadFile(s.ConfigFile)
		if err != nil {
			return nil, "", types.ConfigError("failed to read bench configuration %s: %v", s.ConfigFile, err)
		}
		return b, fmt.Sprintf("The config file used is %s", s.ConfigFile), nil
	}
	var (
		blob   []byte
		source string
	)
	for _, p := range params {
		if p.String("name") != st.ConfigName {
			continue
		}
		switch v := p["file"].(type) {
		case []byte:
			blob = v
		case string:
			blob = []byte(v)
		}
		id, _ := p.Int64("id")
		source = fmt.Sprintf("The config file used is row id=%d of the parameters table", id)
	}
	if blob == nil {
		return nil, "", types.ConfigError("the %s config file is not in the database", st.ConfigName)
	}
	return blob, source, nil
}

// open opens and checks every device present in the bench configuration.
func (s *Initialisation) open(ctx context.Context, logf types.LogSink, st *station.Station) error {
	if st.Opener == nil {
		logf("No instrument opener configured, instruments are not opened.", types.SeverityWarning)
		return nil
	}
	for _, d := range devices {
		it, ok := st.Items[d.item]
		if !ok {
			continue
		}
		port, err := it.RequirePort()
		if err != nil {
			return err
		}
		inst, err := st.Opener.Open(ctx, d.item, port)
		if err != nil {
			return types.ConnectionError(err, "unable to open %s on %s", d.item, port)
		}
		if d.wake != "" {
			if _, err := inst.SendCommand(ctx, d.wake, probeTimeout); err != nil {
				logf(fmt.Sprintf("%s did not answer the wake up: %v", d.item, err), types.SeverityDebug)
			}
		}
		if d.probe != "" {
			if _, err := instrument.Probe(ctx, inst, d.probe, d.want, probeTimeout); err != nil {
				_ = inst.Close()
				return types.ConnectionError(err, "%s on %s", d.item, port)
			}
		}
		if d.wrap != nil {
			inst = d.wrap(inst, it)
		}
		st.SetInstrument(d.item, inst)
		logf(fmt.Sprintf("%s opened on %s", d.item, port), types.SeverityInfo)
	}
	return nil
}
