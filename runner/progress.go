package runner

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/devcapsys/capsys-easy-flow/types"
)

// ProgressIndicator interface for UI updates
type ProgressIndicator interface {
	StartRun(runID string, totalSteps int)
	StartStep(stepID string)
	UpdateStep(stepID string, state types.DisplayState)
	CompleteRun(runID string)
}

// noOpProgressIndicator provides a no-op implementation of ProgressIndicator
type noOpProgressIndicator struct{}

// NewNoOpProgressIndicator creates a progress indicator that does nothing
func NewNoOpProgressIndicator() ProgressIndicator {
	return &noOpProgressIndicator{}
}

func (n *noOpProgressIndicator) StartRun(runID string, totalSteps int)              {}
func (n *noOpProgressIndicator) StartStep(stepID string)                            {}
func (n *noOpProgressIndicator) UpdateStep(stepID string, state types.DisplayState) {}
func (n *noOpProgressIndicator) CompleteRun(runID string)                           {}

// ConsoleProgressIndicator logs periodic progress of the current run
type ConsoleProgressIndicator struct {
	logger log.Logger
	ticker *time.Ticker
	stopCh chan struct{}
	mu     sync.RWMutex

	runID         string
	currentStep   string
	stepStartTime time.Time
	runStartTime  time.Time
	completed     int
	totalSteps    int
	states        map[types.DisplayState]int
}

// NewConsoleProgressIndicator creates a progress indicator that logs an
// update every updateInterval while a run is in flight.
func NewConsoleProgressIndicator(logger log.Logger, updateInterval time.Duration) *ConsoleProgressIndicator {
	if updateInterval == 0 {
		updateInterval = 10 * time.Second
	}
	c := &ConsoleProgressIndicator{
		logger: logger,
		ticker: time.NewTicker(updateInterval),
		stopCh: make(chan struct{}),
		states: make(map[types.DisplayState]int),
	}
	go c.progressReporter()
	return c
}

func (c *ConsoleProgressIndicator) StartRun(runID string, totalSteps int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runID = runID
	c.totalSteps = totalSteps
	c.completed = 0
	c.currentStep = ""
	c.runStartTime = time.Now()
	c.states = make(map[types.DisplayState]int)

	c.logger.Info("Starting run", "run_id", runID, "steps", totalSteps)
}

func (c *ConsoleProgressIndicator) StartStep(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.currentStep = stepID
	c.stepStartTime = time.Now()
	c.logger.Debug("Step started", "step", stepID)
}

func (c *ConsoleProgressIndicator) UpdateStep(stepID string, state types.DisplayState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !state.Final() {
		return
	}
	if c.currentStep == stepID {
		c.currentStep = ""
	}
	c.completed++
	c.states[state]++
	c.logger.Debug("Step completed", "step", stepID, "state", state, "completed", c.completed, "total", c.totalSteps)
}

func (c *ConsoleProgressIndicator) CompleteRun(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	duration := time.Since(c.runStartTime).Truncate(time.Millisecond)
	c.logger.Info("Completed run", "run_id", runID, "completed", c.completed, "total", c.totalSteps, "duration", duration)
	c.runID = ""
	c.currentStep = ""
}

func (c *ConsoleProgressIndicator) progressReporter() {
	for {
		select {
		case <-c.ticker.C:
			c.reportProgress()
		case <-c.stopCh:
			return
		}
	}
}

func (c *ConsoleProgressIndicator) reportProgress() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.runID == "" {
		return
	}
	var percentComplete float64
	if c.totalSteps > 0 {
		percentComplete = float64(c.completed) * 100.0 / float64(c.totalSteps)
	}
	var running string
	if c.currentStep != "" {
		running = fmt.Sprintf("%s (%s)", c.currentStep, time.Since(c.stepStartTime).Truncate(time.Second))
	}
	c.logger.Info("Progress update",
		"run_id", c.runID,
		"completed", c.completed,
		"total", c.totalSteps,
		"percent", fmt.Sprintf("%.1f%%", percentComplete),
		"failed", c.states[types.StateFailed],
		"running", running)
}

// Stop stops the progress indicator
func (c *ConsoleProgressIndicator) Stop() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	close(c.stopCh)
}
