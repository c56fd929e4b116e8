package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/devcapsys/capsys-easy-flow/types"
)

const (
	LogDirectoryName = "log_banc_de_test_capsys"
	dailyFileLayout  = "log_2006-01-02.txt"
)

// DailyPath returns the log file of the day t falls in.
func DailyPath(baseDir string, t time.Time) string {
	return filepath.Join(baseDir, LogDirectoryName, t.Format(dailyFileLayout))
}

// AsyncFile provides non-blocking file writing capabilities
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewAsyncFile opens path for appending, creating it and its directory when
// needed.
func NewAsyncFile(path string) (*AsyncFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100), // Buffer channel to reduce blocking
	}

	// Start the background writer
	af.wg.Add(1)
	go af.processQueue()

	return af, nil
}

// Write queues data to be written asynchronously
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return fmt.Errorf("async file is closed")
	}

	// Make a copy of the data to avoid race conditions
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	af.queue <- dataCopy
	return nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()

	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			// Log the error but continue processing
			fmt.Fprintf(os.Stderr, "Error writing to file: %v\n", err)
		}
	}
}

// Close stops the async writer and closes the file
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if !af.stopped {
		af.stopped = true
		close(af.queue)
	}
	af.mu.Unlock()

	// Wait for all writes to complete
	af.wg.Wait()
	return af.file.Close()
}

// RunLog collects the operator log of a run. Lines are appended to the
// daily log file and kept as a transcript that is stored with the device
// record once the run is over.
type RunLog struct {
	file    *AsyncFile
	showAll bool

	mu         sync.Mutex
	transcript strings.Builder
}

// NewRunLog opens the daily log file under baseDir. An empty baseDir keeps
// the transcript only. Debug lines are dropped unless showAll is set.
func NewRunLog(baseDir string, now time.Time, showAll bool) (*RunLog, error) {
	l := &RunLog{showAll: showAll}
	if baseDir == "" {
		return l, nil
	}
	f, err := NewAsyncFile(DailyPath(baseDir, now))
	if err != nil {
		return nil, err
	}
	l.file = f
	return l, nil
}

// FormatLine renders a log line without colour codes.
func FormatLine(t time.Time, stepID, msg string, sev types.Severity) string {
	msg = stripansi.Strip(msg)
	if stepID == "" {
		return fmt.Sprintf("[%s] [%s] %s", t.Format("15:04:05"), sev, msg)
	}
	return fmt.Sprintf("[%s] [%s] [%s] %s", t.Format("15:04:05"), sev, stepID, msg)
}

// Append records one line. It reports whether the line was kept.
func (l *RunLog) Append(t time.Time, stepID, msg string, sev types.Severity) bool {
	if sev == types.SeverityDebug && !l.showAll {
		return false
	}
	line := FormatLine(t, stepID, msg, sev) + "\n"

	l.mu.Lock()
	l.transcript.WriteString(line)
	l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Write([]byte(line)); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing log line: %v\n", err)
		}
	}
	return true
}

// Transcript returns every kept line so far.
func (l *RunLog) Transcript() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transcript.String()
}

// Close flushes the daily log file.
func (l *RunLog) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
