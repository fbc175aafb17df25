package stage

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/splitjson/coerce"
	"github.com/TFMV/splitjson/schema"
)

// pageBuilder accumulates output rows and emits a page every size rows.
type pageBuilder struct {
	builder *array.RecordBuilder
	out     Output
	size    int
	rows    int
}

func newPageBuilder(mem memory.Allocator, s schema.Schema, size int, out Output) *pageBuilder {
	return &pageBuilder{
		builder: array.NewRecordBuilder(mem, s.Arrow()),
		out:     out,
		size:    size,
	}
}

// addRecord appends one row, one value per output column. The row is
// checked in full first so a bad value leaves every column untouched.
func (p *pageBuilder) addRecord(values []any) error {
	if len(values) != p.builder.Schema().NumFields() {
		return fmt.Errorf("row has %d values, page has %d columns", len(values), p.builder.Schema().NumFields())
	}
	for i, v := range values {
		if err := checkValue(p.builder.Field(i), v); err != nil {
			return fmt.Errorf("output column %d: %w", i, err)
		}
	}
	for i, v := range values {
		appendValue(p.builder.Field(i), v)
	}
	p.rows++
	if p.rows >= p.size {
		return p.flush()
	}
	return nil
}

// flush emits the buffered rows, if any.
func (p *pageBuilder) flush() error {
	if p.rows == 0 {
		return nil
	}
	rec := p.builder.NewRecord()
	defer rec.Release()
	p.rows = 0
	return p.out.Add(rec)
}

func (p *pageBuilder) release() {
	p.builder.Release()
}

// checkValue reports whether v can be appended to b.
func checkValue(b array.Builder, v any) error {
	if v == nil {
		return nil
	}
	ok := false
	switch b.(type) {
	case *array.StringBuilder:
		switch v.(type) {
		case string, coerce.JSON:
			ok = true
		}
	case *array.BooleanBuilder:
		_, ok = v.(bool)
	case *array.Float64Builder:
		_, ok = v.(float64)
	case *array.Int64Builder:
		_, ok = v.(int64)
	case *array.TimestampBuilder:
		var t time.Time
		if t, ok = v.(time.Time); ok {
			return coerce.CheckTimestampRange(t)
		}
	}
	if !ok {
		return fmt.Errorf("cannot append %T to %T", v, b)
	}
	return nil
}

// appendValue appends a value already accepted by checkValue.
func appendValue(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch b := b.(type) {
	case *array.StringBuilder:
		switch v := v.(type) {
		case string:
			b.Append(v)
		case coerce.JSON:
			b.Append(string(v))
		}
	case *array.BooleanBuilder:
		b.Append(v.(bool))
	case *array.Float64Builder:
		b.Append(v.(float64))
	case *array.Int64Builder:
		b.Append(v.(int64))
	case *array.TimestampBuilder:
		b.Append(arrow.Timestamp(v.(time.Time).UnixNano()))
	}
}

// nativeValue reads a cell in its stored type, without parsing.
func nativeValue(arr arrow.Array, row int, t schema.ColumnType) (any, error) {
	if arr.IsNull(row) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.String:
		if t == schema.JSON {
			return coerce.JSON(a.Value(row)), nil
		}
		return a.Value(row), nil
	case *array.Boolean:
		return a.Value(row), nil
	case *array.Float64:
		return a.Value(row), nil
	case *array.Int64:
		return a.Value(row), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(row).ToTime(unit), nil
	}
	return nil, fmt.Errorf("unsupported array %T", arr)
}
