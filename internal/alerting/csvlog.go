package alerting

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"options-flow-scanner/internal/flow"
)

// CSVLog appends every alerted signal to a local CSV file.
type CSVLog struct {
	mu   sync.Mutex
	path string
}

// NewCSVLog creates the file with a header row if it does not exist.
func NewCSVLog(path string) (*CSVLog, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create csv dir: %w", err)
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := appendRows(path, [][]string{flow.CSVHeader()}); err != nil {
			return nil, err
		}
	}
	return &CSVLog{path: path}, nil
}

// SendSignals implements Sink.
func (c *CSVLog) SendSignals(_ context.Context, signals []flow.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(signals))
	for _, s := range signals {
		rows = append(rows, s.CSVRecord())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return appendRows(c.path, rows)
}

// SendDailyDigest is a no-op; the digest repeats already logged signals.
func (c *CSVLog) SendDailyDigest(context.Context, []flow.Signal, string) error { return nil }

func appendRows(path string, rows [][]string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open csv log: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv log: %w", err)
	}
	return nil
}

var _ Sink = (*CSVLog)(nil)
