// Package printer defines the failure slip collaborator. The receipt
// printer driver itself lives outside this repository.
package printer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/devcapsys/capsys-easy-flow/types"
)

// Slip is the content of a printed failure notice.
type Slip struct {
	Operator string
	Product  string
	DUTID    int64
	Label    string
	Infos    []string
}

// Printer prints failure slips for failed steps.
type Printer interface {
	PrintFailureSlip(ctx context.Context, slip Slip) error
	Connected() bool
}

// SlipFromMessage extracts the label and info lines of a step message. A
// structured message yields its step name and diagnostics, a plain one its
// text and no infos.
func SlipFromMessage(m types.Message) (label string, infos []string) {
	if !m.Structured() {
		return m.Text, nil
	}
	return m.StepName, append([]string{}, m.Infos...)
}

var _ Printer = (*LogPrinter)(nil)

// LogPrinter writes slips to a logger. It stands in for the receipt printer
// on benches that have none.
type LogPrinter struct {
	Log log.Logger
}

func (p *LogPrinter) Connected() bool {
	return p.Log != nil
}

func (p *LogPrinter) PrintFailureSlip(_ context.Context, slip Slip) error {
	if p.Log == nil {
		return fmt.Errorf("printer not connected")
	}
	p.Log.Warn("Failure slip",
		"operator", slip.Operator,
		"product", slip.Product,
		"dut", slip.DUTID,
		"label", slip.Label,
		"infos", slip.Infos)
	return nil
}
