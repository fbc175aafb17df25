// Package splitjson expands records whose JSON array column holds many
// elements into one output record per element.
//
// A run is planned once against the input schema and then streams pages
// through a stage.Stage:
//
//	out, err := splitjson.Plan(input, cfg, logger)
//	stats, err := splitjson.Run(ctx, reader, newOutput, cfg, logger)
package splitjson

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/TFMV/splitjson/schema"
	"github.com/TFMV/splitjson/stage"
)

// ---------------------------------------------------------------------
// Input and output plumbing
// ---------------------------------------------------------------------

// Input yields pages of input records. Next returns io.EOF after the last
// page; the caller releases every page it receives.
type Input interface {
	Schema() *arrow.Schema
	Next() (arrow.Record, error)
}

// OutputFactory creates the output for a planned schema.
type OutputFactory func(*arrow.Schema) (stage.Output, error)

// RecordsInput serves a fixed list of pages.
type RecordsInput struct {
	schema  *arrow.Schema
	records []arrow.Record
	pos     int
}

// NewRecordsInput returns an Input over records. Each page is retained
// when handed out, so records stay owned by the caller.
func NewRecordsInput(s *arrow.Schema, records ...arrow.Record) *RecordsInput {
	return &RecordsInput{schema: s, records: records}
}

func (r *RecordsInput) Schema() *arrow.Schema { return r.schema }

func (r *RecordsInput) Next() (arrow.Record, error) {
	if r.pos >= len(r.records) {
		return nil, io.EOF
	}
	rec := r.records[r.pos]
	r.pos++
	rec.Retain()
	return rec, nil
}

// ---------------------------------------------------------------------
// Planning
// ---------------------------------------------------------------------

// Plan validates cfg against input and returns the output schema.
func Plan(input schema.Schema, cfg schema.StageConfig, logger *zap.Logger) (schema.Schema, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out, err := schema.BuildOutputSchema(input, cfg)
	if err != nil {
		logger.Error("plan rejected",
			zap.String("array_column", cfg.JSONArrayColumn),
			zap.Error(err))
		return nil, err
	}

	mode := "simple"
	if cfg.KeyValueArray {
		mode = "key_value"
	}
	for _, c := range out {
		kind := "base"
		if _, ok := input.Lookup(c.Name); !ok {
			kind = mode
		}
		logger.Info("output column",
			zap.Int("index", c.Index),
			zap.String("name", c.Name),
			zap.Stringer("type", c.Type),
			zap.String("kind", kind))
	}
	logger.Info("planned expansion",
		zap.String("array_column", cfg.JSONArrayColumn),
		zap.String("mode", mode),
		zap.Int("input_columns", len(input)),
		zap.Int("output_columns", len(out)),
		zap.Stringer("on_error", cfg.OnError))
	return out, nil
}

// ---------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------

// Run plans cfg against in, then expands every page of in into the output
// made by newOut. The output is finished on success and closed in all
// cases. A nil logger discards everything.
func Run(ctx context.Context, in Input, newOut OutputFactory, cfg schema.StageConfig, logger *zap.Logger, opts ...stage.Option) (stage.Stats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	input, err := schema.FromArrow(in.Schema())
	if err != nil {
		return stage.Stats{}, err
	}

	output, err := Plan(input, cfg, logger)
	if err != nil {
		return stage.Stats{}, err
	}
	out, err := newOut(output.Arrow())
	if err != nil {
		return stage.Stats{}, fmt.Errorf("create output: %w", err)
	}

	opts = append([]stage.Option{stage.WithLogger(logger)}, opts...)
	st, err := stage.New(input, output, cfg, out, opts...)
	if err != nil {
		_ = out.Close()
		return stage.Stats{}, err
	}
	defer st.Close()

	for {
		if err := ctx.Err(); err != nil {
			return st.Stats(), err
		}
		page, err := in.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st.Stats(), fmt.Errorf("read input: %w", err)
		}
		err = st.ProcessPage(page)
		page.Release()
		if err != nil {
			return st.Stats(), err
		}
	}

	if err := st.Finish(); err != nil {
		return st.Stats(), err
	}
	return st.Stats(), st.Close()
}
