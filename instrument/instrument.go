// Package instrument holds the bench device contracts and a generic line
// oriented link for instruments reached through a serial device server.
package instrument

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Instrument is a device that answers text commands.
type Instrument interface {
	SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	Close() error
}

// Meter is implemented by instruments that return a single reading.
type Meter interface {
	Measure(ctx context.Context) (float64, error)
}

// OutputSwitch is implemented by power supplies.
type OutputSwitch interface {
	SetOutput(ctx context.Context, channel int, on bool) error
}

// Sender is implemented by links that can write a command without waiting
// for a reply.
type Sender interface {
	Send(ctx context.Context, cmd string) error
}

// Opener opens the instrument registered under name on port.
type Opener interface {
	Open(ctx context.Context, name, port string) (Instrument, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, name, port string) (Instrument, error)

func (f OpenerFunc) Open(ctx context.Context, name, port string) (Instrument, error) {
	return f(ctx, name, port)
}

const defaultQueryTimeout = 2 * time.Second

// Probe sends cmd and checks that the reply starts with want.
func Probe(ctx context.Context, inst Instrument, cmd, want string, timeout time.Duration) (string, error) {
	resp, err := inst.SendCommand(ctx, cmd, timeout)
	if err != nil {
		return "", fmt.Errorf("identification failed: %w", err)
	}
	if !strings.HasPrefix(resp, want) {
		return resp, fmt.Errorf("invalid identification %q", resp)
	}
	return resp, nil
}

var _ Meter = (*CommandMeter)(nil)

// CommandMeter reads a value by sending a configured query and parsing the
// first field of the reply.
type CommandMeter struct {
	Instrument
	Query   string
	Timeout time.Duration
}

func NewCommandMeter(inst Instrument, query string) *CommandMeter {
	return &CommandMeter{Instrument: inst, Query: query, Timeout: defaultQueryTimeout}
}

func (m *CommandMeter) Measure(ctx context.Context) (float64, error) {
	if m.Query == "" {
		return 0, fmt.Errorf("no measurement query configured")
	}
	resp, err := m.SendCommand(ctx, m.Query, m.Timeout)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(resp)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty measurement reply")
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid measurement reply %q: %w", resp, err)
	}
	return v, nil
}

var _ OutputSwitch = (*CommandSwitch)(nil)

// CommandSwitch drives supply outputs with a command template taking the
// channel number and "ON" or "OFF", for example "OUTP CH%d,%s\n".
type CommandSwitch struct {
	Instrument
	Template string
	Timeout  time.Duration
}

func NewCommandSwitch(inst Instrument, template string) *CommandSwitch {
	return &CommandSwitch{Instrument: inst, Template: template, Timeout: defaultQueryTimeout}
}

func (s *CommandSwitch) SetOutput(ctx context.Context, channel int, on bool) error {
	if s.Template == "" {
		return fmt.Errorf("no output command configured")
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	cmd := fmt.Sprintf(s.Template, channel, state)
	if w, ok := s.Instrument.(Sender); ok {
		return w.Send(ctx, cmd)
	}
	_, err := s.SendCommand(ctx, cmd, s.Timeout)
	return err
}
