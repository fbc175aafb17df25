// Package storage reads and writes pages as Arrow IPC files.
package storage

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/splitjson/stage"
)

// FileReader serves the record batches of an Arrow IPC file, in order.
type FileReader struct {
	file   *os.File
	reader *ipc.FileReader
	next   int
}

// OpenFile opens an Arrow IPC file for reading.
func OpenFile(path string) (*FileReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %q: %w", path, err)
	}

	reader, err := ipc.NewFileReader(file, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to create Arrow file reader: %w", err)
	}
	return &FileReader{file: file, reader: reader}, nil
}

// Schema returns the file schema.
func (r *FileReader) Schema() *arrow.Schema { return r.reader.Schema() }

// NumPages returns the number of record batches in the file.
func (r *FileReader) NumPages() int { return r.reader.NumRecords() }

// Next returns the next record batch, or io.EOF. The caller releases it.
func (r *FileReader) Next() (arrow.Record, error) {
	if r.next >= r.reader.NumRecords() {
		return nil, io.EOF
	}
	// RecordAt hands over ownership of the returned record.
	rec, err := r.reader.RecordAt(r.next)
	if err != nil {
		return nil, fmt.Errorf("failed to read record %d from file: %w", r.next, err)
	}
	r.next++
	return rec, nil
}

// Close closes the reader and the underlying file.
func (r *FileReader) Close() error {
	err := r.reader.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// FileOutput writes emitted pages to an Arrow IPC file. It implements
// stage.Output; the file footer is written by Finish.
type FileOutput struct {
	path     string
	file     *os.File
	writer   *ipc.FileWriter
	finished bool
	closed   bool
}

var _ stage.Output = (*FileOutput)(nil)

// CreateFile creates (or truncates) path and prepares to write pages of
// schema s.
func CreateFile(path string, s *arrow.Schema) (*FileOutput, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %q: %w", path, err)
	}

	writer, err := ipc.NewFileWriter(
		file,
		ipc.WithSchema(s),
		ipc.WithAllocator(memory.NewGoAllocator()),
	)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to create Arrow file writer: %w", err)
	}
	return &FileOutput{path: path, file: file, writer: writer}, nil
}

// Path returns the file path.
func (o *FileOutput) Path() string { return o.path }

func (o *FileOutput) Add(rec arrow.Record) error {
	if o.closed || o.finished {
		return stage.ErrOutputClosed
	}
	if err := o.writer.Write(rec); err != nil {
		return fmt.Errorf("failed to write record to Arrow file: %w", err)
	}
	return nil
}

func (o *FileOutput) Finish() error {
	if o.finished {
		return nil
	}
	o.finished = true
	if err := o.writer.Close(); err != nil {
		return fmt.Errorf("failed to finish Arrow file: %w", err)
	}
	return o.file.Sync()
}

// Close closes the file. A file closed without Finish has no footer and
// is not readable as an Arrow file.
func (o *FileOutput) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	return o.file.Close()
}
