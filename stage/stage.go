// Package stage implements the record expander: it reads pages of input
// records, splits the JSON array held in one column, and emits one output
// record per array element.
package stage

import (
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/TFMV/splitjson/coerce"
	"github.com/TFMV/splitjson/schema"
)

// ErrClosed is returned by a Stage used after Close.
var ErrClosed = errors.New("stage is closed")

// ---------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------

// Option configures a Stage.
type Option func(*Stage)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Stage) { s.logger = l }
}

// WithAllocator sets the Arrow allocator for output pages.
func WithAllocator(mem memory.Allocator) Option {
	return func(s *Stage) { s.mem = mem }
}

// Stats counts what a Stage has processed so far.
type Stats struct {
	InputRecords  uint64
	OutputRecords uint64
	NullArrays    uint64
	Skipped       uint64
}

// ---------------------------------------------------------------------
// Stage
// ---------------------------------------------------------------------

// columnPlan says how one output column is filled.
type columnPlan struct {
	binding Binding
	// derived columns come from the array element; the rest are copied
	// from input column source.
	derived bool
	source  int
}

// element is one parsed array entry.
type element struct {
	fields map[string]json.RawMessage
	value  json.RawMessage
}

// Stage expands pages of input records. It is not safe for concurrent use.
type Stage struct {
	cfg      schema.StageConfig
	input    schema.Schema
	output   schema.Schema
	arrayCol schema.Column

	inputBindings  []Binding
	outputBindings []Binding
	plan           []columnPlan
	coercer        coerce.Coercer

	mem     memory.Allocator
	logger  *zap.Logger
	pages   *pageBuilder
	out     Output
	ordinal uint64
	skipped *roaring64.Bitmap
	stats   Stats

	finished bool
	closed   bool
}

// New binds cfg to both schemas and prepares a Stage writing to out.
// output is normally the result of schema.BuildOutputSchema(input, cfg).
func New(input, output schema.Schema, cfg schema.StageConfig, out Output, opts ...Option) (*Stage, error) {
	if out == nil {
		return nil, errors.New("stage: nil output")
	}
	if err := schema.Validate(input, cfg); err != nil {
		return nil, err
	}

	s := &Stage{
		cfg:     cfg,
		input:   input,
		output:  output,
		coercer: coerce.Coercer{Boolean: cfg.Boolean},
		mem:     schema.Pool,
		logger:  zap.NewNop(),
		out:     out,
		skipped: roaring64.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.arrayCol, _ = input.Lookup(cfg.JSONArrayColumn)

	var err error
	if s.inputBindings, err = Bind(input, cfg); err != nil {
		return nil, err
	}
	if s.outputBindings, err = Bind(output, cfg); err != nil {
		return nil, err
	}
	if s.plan, err = s.compilePlan(); err != nil {
		return nil, err
	}

	s.pages = newPageBuilder(s.mem, output, cfg.EffectivePageSize(), out)
	return s, nil
}

// compilePlan classifies every output column once, so the per-record loop
// does no name lookups.
func (s *Stage) compilePlan() ([]columnPlan, error) {
	inputNames := make(map[string]int, len(s.inputBindings))
	for i, b := range s.inputBindings {
		inputNames[b.Column.Name] = i
	}

	plan := make([]columnPlan, len(s.outputBindings))
	for j, b := range s.outputBindings {
		plan[j] = columnPlan{binding: b}

		src, inInput := inputNames[b.Column.Name]
		if _, declared := s.cfg.ArrayColumn(b.Column.Name); declared && !inInput {
			plan[j].derived = true
			continue
		}
		if !inInput || b.Column.Name == s.cfg.JSONArrayColumn {
			return nil, fmt.Errorf("output column %q has no source", b.Column.Name)
		}
		if in := s.input[src]; in.Type != b.Column.Type {
			return nil, fmt.Errorf("output column %q is %s but input is %s", b.Column.Name, b.Column.Type, in.Type)
		}
		plan[j].source = src
	}
	return plan, nil
}

// InputSchema returns the schema pages must have.
func (s *Stage) InputSchema() schema.Schema { return s.input }

// OutputSchema returns the schema of emitted pages.
func (s *Stage) OutputSchema() schema.Schema { return s.output }

// Bindings returns the input and output column bindings.
func (s *Stage) Bindings() (input, output []Binding) {
	return s.inputBindings, s.outputBindings
}

// Stats returns the counters accumulated so far.
func (s *Stage) Stats() Stats { return s.stats }

// Skipped returns the ordinals (0-based, across all pages) of input records
// dropped under the skip policy. The bitmap must not be modified.
func (s *Stage) Skipped() *roaring64.Bitmap { return s.skipped }

// ProcessPage expands every record of page, in order. Under the abort
// policy the first data error is returned; rows already expanded from
// earlier records of the page stay buffered.
func (s *Stage) ProcessPage(page arrow.Record) error {
	if s.closed {
		return ErrClosed
	}
	if s.finished {
		return errors.New("stage: page after finish")
	}
	if int(page.NumCols()) != len(s.input) {
		return fmt.Errorf("page has %d columns, input schema has %d", page.NumCols(), len(s.input))
	}

	start := time.Now()
	defer func() { pageLatency.Observe(time.Since(start).Seconds()) }()

	for row := 0; row < int(page.NumRows()); row++ {
		ordinal := s.ordinal
		s.ordinal++
		s.stats.InputRecords++
		inputRecords.Inc()

		rows, err := s.expand(page, row)
		if err != nil {
			if s.cfg.OnError != schema.Skip {
				return fmt.Errorf("input record %d: %w", ordinal, err)
			}
			s.skip(ordinal, err)
			continue
		}
		for _, values := range rows {
			if err := s.pages.addRecord(values); err != nil {
				return err
			}
		}
		s.stats.OutputRecords += uint64(len(rows))
		outputRecords.Add(float64(len(rows)))
	}
	return nil
}

func (s *Stage) skip(ordinal uint64, err error) {
	s.skipped.Add(ordinal)
	s.stats.Skipped++
	skippedRecords.WithLabelValues(reason(err)).Inc()
	s.logger.Warn("skipping input record",
		zap.Uint64("ordinal", ordinal),
		zap.Error(err))
}

// expand builds every output row of one input record before any of them
// is emitted, so a failing element drops the whole record.
func (s *Stage) expand(page arrow.Record, row int) ([][]any, error) {
	arr := page.Column(s.arrayCol.Index)
	if arr.IsNull(row) {
		s.stats.NullArrays++
		nullArrayRecords.Inc()
		return nil, nil
	}
	// JSON columns already hold their canonical text.
	strs, ok := arr.(*array.String)
	if !ok {
		return nil, fmt.Errorf("array column %q: unexpected array %T", s.arrayCol.Name, arr)
	}
	text := strs.Value(row)

	elems, err := s.parseArray(text)
	if err != nil {
		return nil, err
	}

	rows := make([][]any, 0, len(elems))
	for _, e := range elems {
		values := make([]any, len(s.plan))
		for j := range s.plan {
			v, err := s.resolve(&s.plan[j], e, page, row)
			if err != nil {
				return nil, err
			}
			values[j] = v
		}
		rows = append(rows, values)
	}
	return rows, nil
}

func (s *Stage) parseArray(text string) ([]element, error) {
	if s.cfg.KeyValueArray {
		var objs []map[string]json.RawMessage
		if err := json.Unmarshal([]byte(text), &objs); err != nil {
			return nil, coerce.NewError(coerce.ErrMalformedArrayJSON, s.arrayCol, text, err)
		}
		elems := make([]element, len(objs))
		for i, o := range objs {
			elems[i] = element{fields: o}
		}
		return elems, nil
	}

	var vals []json.RawMessage
	if err := json.Unmarshal([]byte(text), &vals); err != nil {
		return nil, coerce.NewError(coerce.ErrMalformedArrayJSON, s.arrayCol, text, err)
	}
	elems := make([]element, len(vals))
	for i, v := range vals {
		elems[i] = element{value: v}
	}
	return elems, nil
}

// resolve computes one output cell.
func (s *Stage) resolve(p *columnPlan, e element, page arrow.Record, row int) (any, error) {
	col := p.binding.Column
	if !p.derived {
		v, err := nativeValue(page.Column(p.source), row, col.Type)
		if err != nil {
			return nil, err
		}
		if t, ok := v.(time.Time); ok {
			if err := coerce.CheckTimestampRange(t); err != nil {
				return nil, coerce.NewError(coerce.ErrInvalidTimestamp, col, t.Format(time.RFC3339Nano), err)
			}
		}
		return v, nil
	}

	raw := e.value
	if s.cfg.KeyValueArray {
		v, ok := e.fields[col.Name]
		if !ok {
			if s.cfg.MissingKey == schema.MissingKeyError {
				return nil, coerce.NewError(coerce.ErrMissingSourceColumn, col, "",
					fmt.Errorf("key %q is absent from the element and from the input record", col.Name))
			}
			return nil, nil
		}
		raw = v
	}

	text, ok, err := coerce.Text(raw)
	if err != nil {
		return nil, coerce.NewError(coerce.ErrInvalidJSON, col, string(raw), err)
	}
	if !ok {
		return nil, nil
	}
	return s.coercer.Coerce(col, p.binding.TimestampParser, text)
}

// Finish flushes buffered rows and finishes the output. Later calls are
// no-ops.
func (s *Stage) Finish() error {
	if s.closed {
		return ErrClosed
	}
	if s.finished {
		return nil
	}
	s.finished = true
	if err := s.pages.flush(); err != nil {
		return err
	}
	s.logger.Info("stage finished",
		zap.Uint64("input_records", s.stats.InputRecords),
		zap.Uint64("output_records", s.stats.OutputRecords),
		zap.Uint64("null_arrays", s.stats.NullArrays),
		zap.Uint64("skipped", s.stats.Skipped))
	return s.out.Finish()
}

// Close releases the page builder and closes the output. It is safe to
// call more than once and after a failed ProcessPage.
func (s *Stage) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pages.release()
	return s.out.Close()
}
