package mlestimator

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

// Sink receives one row of converged parameter values per successful estimate.
type Sink interface {
	Append(values []float64) error
}

// RowWriter writes rows as space separated %.18e values, one line per row.
// Each row is a single Write call, so rows from concurrent estimates never
// interleave.
type RowWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewRowWriter(w io.Writer) *RowWriter {
	return &RowWriter{w: w}
}

func (rw *RowWriter) Append(values []float64) error {
	line := FormatRow(values)

	rw.mu.Lock()
	defer rw.mu.Unlock()
	if _, err := io.WriteString(rw.w, line); err != nil {
		return fmt.Errorf("writing result row: %w", err)
	}
	return nil
}

// FormatRow renders values the way RowWriter writes them, newline included.
func FormatRow(values []float64) string {
	b := make([]byte, 0, 26*len(values)+1)
	for i, v := range values {
		if i > 0 {
			b = append(b, ' ')
		}
		b = strconv.AppendFloat(b, v, 'e', 18, 64)
	}
	return string(append(b, '\n'))
}

// FileSink appends rows to a file, creating it if needed.
type FileSink struct {
	*RowWriter
	f *os.File
}

// OpenFileSink opens path for appending. Existing rows are kept.
func OpenFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening output %s: %w", path, err)
	}
	return &FileSink{RowWriter: NewRowWriter(f), f: f}, nil
}

func (s *FileSink) Close() error {
	return s.f.Close()
}
