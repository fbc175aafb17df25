package stage

import (
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/splitjson/schema"
)

// testInput is the input schema used across stage tests.
var testInput = schema.New(
	schema.Column{Name: "id", Type: schema.Long},
	schema.Column{Name: "items", Type: schema.JSON},
	schema.Column{Name: "note", Type: schema.String},
)

// inputRow is one row of testInput; a nil items means null.
type inputRow struct {
	id    int64
	items *string
	note  string
}

func str(s string) *string { return &s }

func buildInput(t testing.TB, mem memory.Allocator, rows ...inputRow) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(mem, testInput.Arrow())
	defer b.Release()

	ids := b.Field(0).(*array.Int64Builder)
	items := b.Field(1).(*array.StringBuilder)
	notes := b.Field(2).(*array.StringBuilder)
	for _, r := range rows {
		ids.Append(r.id)
		if r.items == nil {
			items.AppendNull()
		} else {
			items.Append(*r.items)
		}
		notes.Append(r.note)
	}
	return b.NewRecord()
}

// rowsOf flattens pages into name->value maps using the stage's own
// native reader.
func rowsOf(t testing.TB, out schema.Schema, recs []arrow.Record) []map[string]any {
	t.Helper()
	var rows []map[string]any
	for _, rec := range recs {
		require.Equal(t, int64(len(out)), rec.NumCols())
		for r := 0; r < int(rec.NumRows()); r++ {
			row := make(map[string]any, len(out))
			for i, c := range out {
				v, err := nativeValue(rec.Column(i), r, c.Type)
				require.NoError(t, err)
				row[c.Name] = v
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// newTestStage plans cfg against testInput and returns a stage writing to
// a fresh MemoryOutput.
func newTestStage(t testing.TB, cfg schema.StageConfig, opts ...Option) (*Stage, *MemoryOutput) {
	t.Helper()
	out, err := schema.BuildOutputSchema(testInput, cfg)
	require.NoError(t, err)

	mo := NewMemoryOutput()
	st, err := New(testInput, out, cfg, mo, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close()
		mo.Release()
	})
	return st, mo
}

func utc(year int, month time.Month, day, hour, min, sec int) time.Time {
	return time.Date(year, month, day, hour, min, sec, 0, time.UTC)
}
