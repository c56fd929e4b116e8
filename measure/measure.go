// Package measure sends a command to an instrument, validates the numeric
// values of its reply against positional bounds and persists them.
package measure

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/devcapsys/capsys-easy-flow/metrics"
	"github.com/devcapsys/capsys-easy-flow/station"
	"github.com/devcapsys/capsys-easy-flow/types"
)

// SuccessMessage is returned when every bounded value is valid.
const SuccessMessage = "Measurement succeeded."

const defaultTimeout = 4 * time.Second

// Replacement is a literal substitution applied to a reply before it is
// split into tokens.
type Replacement struct {
	Old string
	New string
}

// Request describes one command/reply exchange.
type Request struct {
	StepID         int64
	Command        string
	ExpectedPrefix string
	Thresholds     types.ThresholdSpec
	// Replacements are applied in order.
	Replacements []Replacement
	// Transform, when set, rewrites the raw reply before the prefix check.
	Transform func(string) string
	Timeout   time.Duration
}

// Sample is one token of a reply.
type Sample struct {
	Index   int
	Raw     string
	Value   *float64
	Key     string
	Unit    string
	Min     float64
	Max     float64
	Bounded bool
	InRange bool
}

// Result is the outcome of a validation.
type Result struct {
	Status      types.StatusCode
	Message     string
	Diagnostics []string
	Samples     []Sample
	// Persisted holds the ids of the stored skvp_float rows.
	Persisted []int64
	Err       error
}

func (r Result) OK() bool {
	return r.Status == types.StatusSuccess
}

// Infos returns the diagnostics of a failed result, or the success message.
func (r Result) Infos() []string {
	if r.OK() {
		return []string{r.Message}
	}
	return append([]string(nil), r.Diagnostics...)
}

func failure(err error, diag ...string) Result {
	return Result{Status: types.StatusFailure, Diagnostics: diag, Err: err}
}

// Validator runs requests against one instrument of a station.
type Validator struct {
	st     *station.Station
	device string
}

func New(st *station.Station, device string) *Validator {
	return &Validator{st: st, device: device}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Validate performs the exchange described by req.
func (v *Validator) Validate(ctx context.Context, logf types.LogSink, req Request) Result {
	if logf == nil {
		logf = types.Discard
	}
	if err := req.Thresholds.Validate(); err != nil {
		return failure(err, err.Error())
	}
	inst, ok := v.st.Instrument(v.device)
	if !ok {
		msg := fmt.Sprintf("Error: %s is not initialised.", v.device)
		return failure(types.ConfigError("%s is not initialised", v.device), msg)
	}
	if v.st.Product == nil {
		msg := "Error: the production list is not initialised."
		return failure(types.ConfigError("product is not loaded"), msg)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	logf(fmt.Sprintf("Sending command: %q", req.Command), types.SeverityInfo)
	resp, err := inst.SendCommand(ctx, req.Command, timeout)
	if err == nil {
		logf(fmt.Sprintf("Reply from %s: %s", v.device, resp), types.SeverityInfo)
		if req.Transform != nil {
			resp = req.Transform(resp)
		}
	}
	if err != nil || !strings.HasPrefix(resp, req.ExpectedPrefix) {
		if cerr := v.st.Release(v.device); cerr != nil {
			logf(fmt.Sprintf("Failed to close %s: %v", v.device, cerr), types.SeverityWarning)
		}
		msg := fmt.Sprintf("Unexpected reply from %s to %q. The port is closed.", v.device, req.Command)
		return failure(types.ConnectionError(err, "%s: unexpected reply %q", v.device, resp), msg)
	}

	for _, r := range req.Replacements {
		resp = strings.ReplaceAll(resp, r.Old, r.New)
	}
	resp = strings.TrimSpace(resp)
	var tokens []string
	for _, tok := range strings.Split(resp, " ") {
		if tok = strings.TrimSpace(tok); tok != "" {
			tokens = append(tokens, tok)
		}
	}

	bounded := len(req.Thresholds.Min)
	keys := req.Thresholds.Keys.Keys(bounded)
	units := req.Thresholds.Units.Units(bounded)

	res := Result{}
	var errs []error
	if len(tokens) < bounded {
		// Missing values do not fail the step; only what was replied is checked.
		logf(fmt.Sprintf("%s replied %d of %d bounded values", v.device, len(tokens), bounded), types.SeverityWarning)
	}
	for i, tok := range tokens {
		pos := i + 1
		s := Sample{Index: i, Raw: tok}
		f, perr := strconv.ParseFloat(tok, 64)
		if perr != nil {
			diag := fmt.Sprintf("%d : non-numeric value '%s'", pos, tok)
			logf(diag, types.SeverityError)
			res.Diagnostics = append(res.Diagnostics, diag)
			res.Samples = append(res.Samples, s)
			errs = append(errs, types.ValidationError("%s", diag))
			break
		}
		s.Value = &f
		if i < bounded {
			s.Bounded = true
			s.Key, s.Unit = keys[i], units[i]
			s.Min, s.Max = req.Thresholds.Min[i], req.Thresholds.Max[i]
			s.InRange = s.Min <= f && f <= s.Max
			verdict := "OK"
			if !s.InRange {
				verdict = "NOK"
			}
			metrics.RecordMeasurement(s.Key, s.InRange)
			line := fmt.Sprintf("%d : %s (%s ; min=%s ; max=%s)", pos, formatFloat(f), verdict, formatFloat(s.Min), formatFloat(s.Max))
			if s.InRange {
				logf(line, types.SeverityInfo)
			} else {
				logf(line, types.SeverityError)
				res.Diagnostics = append(res.Diagnostics, line)
				errs = append(errs, types.RangeError("%s", line))
			}
		}
		res.Samples = append(res.Samples, s)
	}

	for _, s := range res.Samples {
		if !s.Bounded || s.Value == nil {
			continue
		}
		lo, hi := s.Min, s.Max
		id, err := v.st.SaveValue(ctx, station.Value{
			StepID: req.StepID,
			Key:    s.Key,
			Value:  *s.Value,
			Unit:   s.Unit,
			Min:    &lo,
			Max:    &hi,
			Valid:  s.InRange,
		})
		if err != nil {
			diag := fmt.Sprintf("%d : failed to save %s: %v", s.Index+1, s.Key, err)
			logf(diag, types.SeverityError)
			res.Diagnostics = append(res.Diagnostics, diag)
			errs = append(errs, err)
			continue
		}
		res.Persisted = append(res.Persisted, id)
	}

	if len(errs) > 0 {
		res.Status = types.StatusFailure
		res.Err = errors.Join(errs...)
		return res
	}
	res.Status = types.StatusSuccess
	res.Message = SuccessMessage
	return res
}
