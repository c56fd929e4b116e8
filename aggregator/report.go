package aggregator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/devcapsys/capsys-easy-flow/store"
)

var _ Reporter = (*FileReporter)(nil)

// FileReporter renders the recorded measurements of a device into a text
// report named rapport_device_<id>.txt.
type FileReporter struct {
	Store store.Store
	Dir   string
	Log   log.Logger
}

func (r *FileReporter) Path(dutID int64) string {
	return filepath.Join(r.Dir, fmt.Sprintf("rapport_device_%d.txt", dutID))
}

func formatCell(rec store.Record, col string) string {
	switch v := rec[col].(type) {
	case nil:
		return "-"
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return rec.String(col)
	}
}

func (r *FileReporter) Generate(ctx context.Context, dutID int64) error {
	dut, err := r.Store.GetByID(ctx, store.TableDeviceUnderTest, dutID)
	if err != nil {
		return fmt.Errorf("failed to load device %d: %w", dutID, err)
	}
	if dut == nil {
		return fmt.Errorf("device %d not found", dutID)
	}
	steps, err := r.Store.GetByColumn(ctx, store.TableStepName, "device_under_test_id", dutID)
	if err != nil {
		return fmt.Errorf("failed to load steps of device %d: %w", dutID, err)
	}

	t := table.NewWriter()
	result := "NOK"
	if n, _ := dut.Int64("result"); n == 1 {
		result = "OK"
	}
	t.SetTitle(fmt.Sprintf("Device %d (%s) - %s", dutID, dut.String("sn"), result))
	t.AppendHeader(table.Row{"Step", "Key", "Value", "Unit", "Min", "Max", "Valid"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Step", AutoMerge: true},
		{Name: "Value", Align: text.AlignRight},
		{Name: "Min", Align: text.AlignRight},
		{Name: "Max", Align: text.AlignRight},
	})
	for _, step := range steps {
		stepID, _ := step.Int64("id")
		values, err := r.Store.GetByColumn(ctx, store.TableSKVPFloat, "step_name_id", stepID)
		if err != nil {
			return fmt.Errorf("failed to load values of step %d: %w", stepID, err)
		}
		if len(values) == 0 {
			t.AppendRow(table.Row{step.String("step_name"), "-", "-", "-", "-", "-", "-"})
			continue
		}
		for _, v := range values {
			valid := "NOK"
			if n, _ := v.Int64("valid"); n == 1 {
				valid = "OK"
			}
			t.AppendRow(table.Row{
				step.String("step_name"),
				v.String("key"),
				formatCell(v, "val_float"),
				v.String("unit"),
				formatCell(v, "min_configured"),
				formatCell(v, "max_configured"),
				valid,
			})
		}
	}
	if label := dut.String("failure_label"); label != "" {
		t.AppendFooter(table.Row{"Failure", label})
	}

	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	path := r.Path(dutID)
	if err := os.WriteFile(path, []byte(t.Render()+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if r.Log != nil {
		r.Log.Info("Report written", "dut", dutID, "path", path)
	}
	return nil
}
