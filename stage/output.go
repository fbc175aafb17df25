package stage

import (
	"errors"

	"github.com/apache/arrow-go/v18/arrow"
)

// Output receives the pages a Stage emits, in order.
type Output interface {
	// Add hands over one page. Implementations that keep rec must Retain it.
	Add(rec arrow.Record) error
	// Finish flushes buffered state at end of stream.
	Finish() error
	// Close releases resources. It is called once, after Finish or after a failure.
	Close() error
}

// ErrOutputClosed is returned when a page is added after Close.
var ErrOutputClosed = errors.New("output is closed")

// MemoryOutput keeps every page in memory.
type MemoryOutput struct {
	records  []arrow.Record
	finished bool
	closed   bool
}

// NewMemoryOutput returns an empty MemoryOutput.
func NewMemoryOutput() *MemoryOutput {
	return &MemoryOutput{records: make([]arrow.Record, 0)}
}

func (m *MemoryOutput) Add(rec arrow.Record) error {
	if m.closed {
		return ErrOutputClosed
	}
	rec.Retain()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryOutput) Finish() error {
	m.finished = true
	return nil
}

func (m *MemoryOutput) Close() error {
	m.closed = true
	return nil
}

// Records returns the collected pages. They stay valid until Release.
func (m *MemoryOutput) Records() []arrow.Record { return m.records }

// NumRows returns the total number of collected rows.
func (m *MemoryOutput) NumRows() int64 {
	var n int64
	for _, r := range m.records {
		n += r.NumRows()
	}
	return n
}

// Finished reports whether Finish was called.
func (m *MemoryOutput) Finished() bool { return m.finished }

// Closed reports whether Close was called.
func (m *MemoryOutput) Closed() bool { return m.closed }

// Release frees all collected pages.
func (m *MemoryOutput) Release() {
	for _, r := range m.records {
		r.Release()
	}
	m.records = nil
}
