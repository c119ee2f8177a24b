package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/tonylturner/scadasim/internal/poller"
)

var csvHeader = []string{"timestamp", "slave", "point", "value", "stale"}

// CSVSink appends samples to a CSV file, flushing after every batch.
type CSVSink struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// CreateCSV creates (or truncates) path and writes the header.
func CreateCSV(path string) (*CSVSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create CSV file: %w", err)
	}
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("write CSV header: %w", err)
	}
	w.Flush()
	return &CSVSink{file: file, w: w}, nil
}

// Publish writes one row per sample.
func (s *CSVSink) Publish(_ context.Context, samples []poller.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrClosed
	}
	for _, smp := range samples {
		record := []string{
			smp.Time.Format(time.RFC3339Nano),
			smp.Slave,
			smp.Point,
			strconv.FormatFloat(smp.Value, 'g', -1, 64),
			strconv.FormatBool(smp.Stale),
		}
		if err := s.w.Write(record); err != nil {
			return fmt.Errorf("write CSV record: %w", err)
		}
	}
	s.w.Flush()
	return s.w.Error()
}

// Close flushes and closes the file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	err := s.file.Close()
	s.file = nil
	return err
}
