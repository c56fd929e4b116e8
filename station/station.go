// Package station holds the explicit context shared by the steps of a run:
// launch arguments, persistence, configuration, open instruments and the
// device under test record.
package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/devcapsys/capsys-easy-flow/instrument"
	"github.com/devcapsys/capsys-easy-flow/printer"
	"github.com/devcapsys/capsys-easy-flow/store"
	"github.com/devcapsys/capsys-easy-flow/types"
)

const (
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = time.Second

	ConfigNameTemplate = "config_template"
	ConfigNameDebug    = "config_debug"
	DebugHash          = "DEBUG"
	DebugProductInfo   = "debug"
)

// Station is the run context handed to every step. Steps run one at a time
// on the runner's worker; the instrument table is additionally guarded since
// a forced stop may tear instruments down from another goroutine.
type Station struct {
	Args    Args
	Store   store.Store
	Items   Items
	Product store.Record
	// DUTID is the device_under_test row of the current run, 0 until the
	// initialisation step has created it.
	DUTID   int64
	Printer printer.Printer
	Opener  instrument.Opener
	Log     log.Logger

	MaxRetries   int
	RetryBackoff time.Duration
	// ConfigName selects the parameters row holding the bench configuration.
	ConfigName string

	mu          sync.Mutex
	instruments map[string]instrument.Instrument
}

func New(args Args, st store.Store, lg log.Logger) *Station {
	if lg == nil {
		lg = log.New()
	}
	configName := ConfigNameTemplate
	if args.GitHash == DebugHash {
		configName = ConfigNameDebug
	}
	return &Station{
		Args:         args,
		Store:        st,
		Log:          lg,
		MaxRetries:   DefaultMaxRetries,
		RetryBackoff: DefaultRetryBackoff,
		ConfigName:   configName,
		instruments:  make(map[string]instrument.Instrument),
	}
}

// ProductInfo returns the info column of the product under test.
func (s *Station) ProductInfo() string {
	if s.Product == nil {
		return ""
	}
	return s.Product.String("info")
}

// DebugProduct reports whether the product under test is a debug entry.
func (s *Station) DebugProduct() bool {
	return s.ProductInfo() == DebugProductInfo
}

func (s *Station) requireStore() error {
	if s.Store == nil {
		return types.ConfigError("store is not initialised")
	}
	return nil
}

func (s *Station) dut() any {
	if s.DUTID == 0 {
		return nil
	}
	return s.DUTID
}

// RecordStep stores the step_name row every step writes first and returns
// its id.
func (s *Station) RecordStep(ctx context.Context, name string) (int64, error) {
	if err := s.requireStore(); err != nil {
		return 0, err
	}
	id, err := s.Store.Create(ctx, store.TableStepName, store.Record{
		"device_under_test_id": s.dut(),
		"step_name":            name,
	})
	if err != nil {
		return 0, types.PersistenceError(err, "step %s", name)
	}
	return id, nil
}

// Value is a numeric measurement bound to a step.
type Value struct {
	StepID int64
	Key    string
	Value  float64
	Unit   string
	Min    *float64
	Max    *float64
	Valid  bool
}

// SaveValue writes a skvp_float row.
func (s *Station) SaveValue(ctx context.Context, v Value) (int64, error) {
	if err := s.requireStore(); err != nil {
		return 0, err
	}
	if s.DUTID == 0 {
		return 0, types.ConfigError("device under test is not initialised")
	}
	valid := 0
	if v.Valid {
		valid = 1
	}
	fields := store.Record{
		"step_name_id":   v.StepID,
		"key":            v.Key,
		"val_float":      v.Value,
		"unit":           v.Unit,
		"min_configured": nil,
		"max_configured": nil,
		"valid":          valid,
	}
	if v.Min != nil {
		fields["min_configured"] = *v.Min
	}
	if v.Max != nil {
		fields["max_configured"] = *v.Max
	}
	id, err := s.Store.Create(ctx, store.TableSKVPFloat, fields)
	if err != nil {
		return 0, types.PersistenceError(err, "value %s", v.Key)
	}
	return id, nil
}

// SaveChar writes a skvp_char row.
func (s *Station) SaveChar(ctx context.Context, stepID int64, key, value string) (int64, error) {
	if err := s.requireStore(); err != nil {
		return 0, err
	}
	id, err := s.Store.Create(ctx, store.TableSKVPChar, store.Record{
		"step_name_id": stepID,
		"key":          key,
		"val_char":     value,
	})
	if err != nil {
		return 0, types.PersistenceError(err, "char %s", key)
	}
	return id, nil
}

// SaveJSON writes v as indented JSON into a skvp_json row.
func (s *Station) SaveJSON(ctx context.Context, stepID int64, key string, v any) (int64, error) {
	if err := s.requireStore(); err != nil {
		return 0, err
	}
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	id, err := s.Store.Create(ctx, store.TableSKVPJSON, store.Record{
		"step_name_id": stepID,
		"key":          key,
		"val_json":     string(b),
	})
	if err != nil {
		return 0, types.PersistenceError(err, "json %s", key)
	}
	return id, nil
}

// Instrument returns the open instrument registered under name.
func (s *Station) Instrument(name string) (instrument.Instrument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[name]
	return inst, ok
}

// SetInstrument registers an open instrument, closing any previous one
// under the same name.
func (s *Station) SetInstrument(name string, inst instrument.Instrument) {
	s.mu.Lock()
	prev := s.instruments[name]
	s.instruments[name] = inst
	s.mu.Unlock()
	if prev != nil && prev != inst {
		if err := prev.Close(); err != nil {
			s.Log.Warn("Failed to close replaced instrument", "name", name, "err", err)
		}
	}
}

// Release closes the named instrument and forgets it.
func (s *Station) Release(name string) error {
	s.mu.Lock()
	inst, ok := s.instruments[name]
	delete(s.instruments, name)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.Close()
}

// Instruments returns the names of the open instruments.
func (s *Station) Instruments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.instruments))
}

// supplyChannels are switched off before a supply is closed.
var supplyChannels = []int{1, 2}

// CloseAll switches supply outputs off and closes every instrument.
func (s *Station) CloseAll(ctx context.Context) error {
	s.mu.Lock()
	open := s.instruments
	s.instruments = make(map[string]instrument.Instrument)
	s.mu.Unlock()

	p := pool.New().WithErrors()
	for name, inst := range open {
		p.Go(func() error {
			var errs []error
			if sw, ok := inst.(instrument.OutputSwitch); ok {
				for _, ch := range supplyChannels {
					if err := sw.SetOutput(ctx, ch, false); err != nil {
						errs = append(errs, fmt.Errorf("%s: output %d off: %w", name, ch, err))
					}
				}
			}
			if err := inst.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: close: %w", name, err))
			}
			return errors.Join(errs...)
		})
	}
	return p.Wait()
}

// Close releases instruments and the store.
func (s *Station) Close(ctx context.Context) error {
	err := s.CloseAll(ctx)
	if s.Store != nil {
		err = errors.Join(err, s.Store.Close())
	}
	return err
}
