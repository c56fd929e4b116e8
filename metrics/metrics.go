package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/devcapsys/capsys-easy-flow/types"
)

const (
	MetricsNamespace = "bench"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "steps_total",
		Help:      "Count of finished steps by final state",
	}, []string{
		"step",
		"state",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_total",
		Help:      "Count of finished test runs by verdict",
	}, []string{
		"result",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of test runs",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
	})

	measurementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "measurements_total",
		Help:      "Count of bounded measurements by key and validity",
	}, []string{
		"key",
		"valid",
	})
)

// Run results.
const (
	ResultPass        = "pass"
	ResultFail        = "fail"
	ResultInterrupted = "interrupted"
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordStep counts a step that reached a final state. Transitions to
// running are ignored.
func RecordStep(stepID string, state types.DisplayState) {
	if !state.Final() {
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "steps_total",
			"step", stepID,
			"state", state)
	}
	stepsTotal.WithLabelValues(stepID, string(state)).Inc()
}

// RunResult maps a finished run to its result label.
func RunResult(run *types.TestRun, v types.Verdict) string {
	switch {
	case v.Passed:
		return ResultPass
	case run != nil && run.Interrupted:
		return ResultInterrupted
	}
	return ResultFail
}

func RecordRun(result string, duration time.Duration) {
	runsTotal.WithLabelValues(result).Inc()
	runDuration.Observe(duration.Seconds())
}

func RecordMeasurement(key string, valid bool) {
	measurementsTotal.WithLabelValues(key, fmt.Sprint(valid)).Inc()
}
