package stage

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/TFMV/splitjson/coerce"
	"github.com/TFMV/splitjson/schema"
)

func simpleConfig(t schema.ColumnType) schema.StageConfig {
	return schema.StageConfig{
		JSONArrayColumn: "items",
		ArrayColumns:    []schema.ArrayColumn{{Name: "val", Type: t}},
	}
}

func keyValueConfig(cols ...schema.ArrayColumn) schema.StageConfig {
	return schema.StageConfig{
		JSONArrayColumn: "items",
		KeyValueArray:   true,
		ArrayColumns:    cols,
	}
}

func TestSimpleArrayExpansion(t *testing.T) {
	st, mo := newTestStage(t, simpleConfig(schema.String))

	rec := buildInput(t, memory.DefaultAllocator, inputRow{id: 7, items: str(`["a","b","c"]`), note: "n"})
	defer rec.Release()

	require.NoError(t, st.ProcessPage(rec))
	require.NoError(t, st.Finish())

	rows := rowsOf(t, st.OutputSchema(), mo.Records())
	require.Len(t, rows, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, rows[i]["val"])
		assert.Equal(t, int64(7), rows[i]["id"])
		assert.Equal(t, "n", rows[i]["note"])
	}
	assert.True(t, mo.Finished())
}

func TestKeyValueExpansion(t *testing.T) {
	st, mo := newTestStage(t, keyValueConfig(
		schema.ArrayColumn{Name: "x", Type: schema.Long},
		schema.ArrayColumn{Name: "y", Type: schema.String},
	))

	rec := buildInput(t, memory.DefaultAllocator,
		inputRow{id: 1, items: str(`[{"x":"1"},{"x":"2","y":"extra"}]`), note: "kv"})
	defer rec.Release()

	require.NoError(t, st.ProcessPage(rec))
	require.NoError(t, st.Finish())

	rows := rowsOf(t, st.OutputSchema(), mo.Records())
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["x"])
	assert.Nil(t, rows[0]["y"])
	assert.Equal(t, int64(2), rows[1]["x"])
	assert.Equal(t, "extra", rows[1]["y"])
	assert.Equal(t, []string{"id", "note", "x", "y"}, st.OutputSchema().Names())
}

func TestKeyValueNestedValues(t *testing.T) {
	st, mo := newTestStage(t, keyValueConfig(
		schema.ArrayColumn{Name: "obj", Type: schema.JSON},
		schema.ArrayColumn{Name: "n", Type: schema.Long},
		schema.ArrayColumn{Name: "ok", Type: schema.Boolean},
		schema.ArrayColumn{Name: "f", Type: schema.Double},
	))

	rec := buildInput(t, memory.DefaultAllocator, inputRow{
		id:    1,
		items: str(`[{"obj":{"a": [1, 2]},"n":1.5E3,"ok":true,"f":0.5}, {"obj":null,"n":null}]`),
	})
	defer rec.Release()

	require.NoError(t, st.ProcessPage(rec))
	require.NoError(t, st.Finish())

	rows := rowsOf(t, st.OutputSchema(), mo.Records())
	require.Len(t, rows, 2)
	assert.Equal(t, coerce.JSON(`{"a":[1,2]}`), rows[0]["obj"])
	assert.Equal(t, int64(1500), rows[0]["n"])
	assert.Equal(t, true, rows[0]["ok"])
	assert.Equal(t, 0.5, rows[0]["f"])
	assert.Nil(t, rows[1]["obj"])
	assert.Nil(t, rows[1]["n"])
}

func TestNullAndEmptyArrays(t *testing.T) {
	st, mo := newTestStage(t, simpleConfig(schema.String))

	rec := buildInput(t, memory.DefaultAllocator,
		inputRow{id: 1, items: nil},
		inputRow{id: 2, items: str(`[]`)},
		inputRow{id: 3, items: str(`null`)},
		inputRow{id: 4, items: str(`["only"]`)},
	)
	defer rec.Release()

	require.NoError(t, st.ProcessPage(rec))
	require.NoError(t, st.Finish())

	rows := rowsOf(t, st.OutputSchema(), mo.Records())
	require.Len(t, rows, 1)
	assert.Equal(t, int64(4), rows[0]["id"])
	assert.Equal(t, Stats{InputRecords: 4, OutputRecords: 1, NullArrays: 1}, st.Stats())
}

func TestSimpleNullElement(t *testing.T) {
	st, mo := newTestStage(t, simpleConfig(schema.Long))

	rec := buildInput(t, memory.DefaultAllocator, inputRow{id: 1, items: str(`[1, null, "3"]`)})
	defer rec.Release()

	require.NoError(t, st.ProcessPage(rec))
	require.NoError(t, st.Finish())

	rows := rowsOf(t, st.OutputSchema(), mo.Records())
	require.Len(t, rows, 3)
	assert.Equal(t, int64(1), rows[0]["val"])
	assert.Nil(t, rows[1]["val"])
	assert.Equal(t, int64(3), rows[2]["val"])
}

func TestAbortPolicy(t *testing.T) {
	t.Run("malformed array", func(t *testing.T) {
		st, _ := newTestStage(t, simpleConfig(schema.String))
		rec := buildInput(t, memory.DefaultAllocator,
			inputRow{id: 1, items: str(`["ok"]`)},
			inputRow{id: 2, items: str(`{"not":"an array"}`)},
		)
		defer rec.Release()

		err := st.ProcessPage(rec)
		require.Error(t, err)
		assert.ErrorIs(t, err, coerce.ErrMalformedArrayJSON)
		assert.Contains(t, err.Error(), "input record 1")
		assert.Contains(t, err.Error(), `"items"`)
	})

	t.Run("coercion failure", func(t *testing.T) {
		st, _ := newTestStage(t, simpleConfig(schema.Double))
		rec := buildInput(t, memory.DefaultAllocator, inputRow{id: 1, items: str(`["1.0","abc"]`)})
		defer rec.Release()

		err := st.ProcessPage(rec)
		assert.ErrorIs(t, err, coerce.ErrInvalidNumber)
		assert.Contains(t, err.Error(), "abc")
	})

	t.Run("key value shape mismatch", func(t *testing.T) {
		st, _ := newTestStage(t, keyValueConfig(schema.ArrayColumn{Name: "x", Type: schema.String}))
		rec := buildInput(t, memory.DefaultAllocator, inputRow{id: 1, items: str(`[1,2]`)})
		defer rec.Release()

		assert.ErrorIs(t, st.ProcessPage(rec), coerce.ErrMalformedArrayJSON)
	})
}

func TestSkipPolicy(t *testing.T) {
	cfg := simpleConfig(schema.Long)
	cfg.OnError = schema.Skip
	st, mo := newTestStage(t, cfg)

	rec := buildInput(t, memory.DefaultAllocator,
		inputRow{id: 1, items: str(`[1,2]`)},
		inputRow{id: 2, items: str(`[3,"four",5]`)},
		inputRow{id: 3, items: str(`not json`)},
		inputRow{id: 4, items: str(`[6]`)},
	)
	defer rec.Release()

	require.NoError(t, st.ProcessPage(rec))
	require.NoError(t, st.Finish())

	rows := rowsOf(t, st.OutputSchema(), mo.Records())
	var got []int64
	for _, r := range rows {
		got = append(got, r["val"].(int64))
	}
	// record 2 fails on its second element, so none of its rows survive.
	assert.Equal(t, []int64{1, 2, 6}, got)
	assert.Equal(t, []uint64{1, 2}, st.Skipped().ToArray())
	assert.Equal(t, uint64(2), st.Stats().Skipped)
}

func TestSkipOrdinalsSpanPages(t *testing.T) {
	cfg := simpleConfig(schema.String)
	cfg.OnError = schema.Skip
	st, _ := newTestStage(t, cfg)

	for page := 0; page < 3; page++ {
		rec := buildInput(t, memory.DefaultAllocator,
			inputRow{id: 1, items: str(`["x"]`)},
			inputRow{id: 2, items: str(`[`)},
		)
		require.NoError(t, st.ProcessPage(rec))
		rec.Release()
	}
	assert.Equal(t, []uint64{1, 3, 5}, st.Skipped().ToArray())
}

func TestMissingKeyError(t *testing.T) {
	cfg := keyValueConfig(
		schema.ArrayColumn{Name: "x", Type: schema.Long},
		schema.ArrayColumn{Name: "y", Type: schema.String},
	)
	cfg.MissingKey = schema.MissingKeyError
	st, _ := newTestStage(t, cfg)

	rec := buildInput(t, memory.DefaultAllocator, inputRow{id: 1, items: str(`[{"x":1}]`)})
	defer rec.Release()

	err := st.ProcessPage(rec)
	assert.ErrorIs(t, err, coerce.ErrMissingSourceColumn)
	assert.Contains(t, err.Error(), `"y"`)
}

func TestTimestampArrayColumn(t *testing.T) {
	at, err := schema.NewArrayColumn("at", schema.Timestamp, map[string]string{
		"format":   "%Y-%m-%d %H:%M:%S",
		"timezone": "Asia/Tokyo",
	})
	require.NoError(t, err)
	plain := schema.ArrayColumn{Name: "plain", Type: schema.Timestamp}

	cfg := keyValueConfig(at, plain)
	cfg.DefaultTimestampFormat = time.RFC3339
	st, mo := newTestStage(t, cfg)

	rec := buildInput(t, memory.DefaultAllocator, inputRow{
		id:    1,
		items: str(`[{"at":"2024-03-01 09:00:00","plain":"2024-03-01T09:00:00Z"}]`),
	})
	defer rec.Release()

	require.NoError(t, st.ProcessPage(rec))
	require.NoError(t, st.Finish())

	rows := rowsOf(t, st.OutputSchema(), mo.Records())
	require.Len(t, rows, 1)
	assert.True(t, utc(2024, 3, 1, 0, 0, 0).Equal(rows[0]["at"].(time.Time)))
	assert.True(t, utc(2024, 3, 1, 9, 0, 0).Equal(rows[0]["plain"].(time.Time)))
}

func TestTimestampDefaultFormat(t *testing.T) {
	st, mo := newTestStage(t, simpleConfig(schema.Timestamp))

	rec := buildInput(t, memory.DefaultAllocator, inputRow{
		id:    1,
		items: str(`["2024-03-01 09:00:00.000000000 +0000","2024-03-01 09:00:00.500000000 -0100"]`),
	})
	defer rec.Release()

	require.NoError(t, st.ProcessPage(rec))
	require.NoError(t, st.Finish())

	rows := rowsOf(t, st.OutputSchema(), mo.Records())
	require.Len(t, rows, 2)
	assert.True(t, utc(2024, 3, 1, 9, 0, 0).Equal(rows[0]["val"].(time.Time)))
	assert.True(t, utc(2024, 3, 1, 10, 0, 0).Add(500*time.Millisecond).Equal(rows[1]["val"].(time.Time)))
}

func TestTimestampOutOfRange(t *testing.T) {
	at, err := schema.NewArrayColumn("at", schema.Timestamp, map[string]string{"format": "%Y-%m-%d %H:%M:%S"})
	require.NoError(t, err)

	page := func(t *testing.T) arrow.Record {
		return buildInput(t, memory.DefaultAllocator,
			inputRow{id: 1, items: str(`[{"at":"2300-01-01 00:00:00"}]`)},
			inputRow{id: 2, items: str(`[{"at":"2000-01-01 00:00:00"}]`)},
			inputRow{id: 3, items: str(`[{"at":"1500-06-01 00:00:00"}]`)},
		)
	}

	t.Run("abort", func(t *testing.T) {
		st, _ := newTestStage(t, keyValueConfig(at))
		rec := page(t)
		defer rec.Release()

		err := st.ProcessPage(rec)
		assert.ErrorIs(t, err, coerce.ErrInvalidTimestamp)
		assert.Contains(t, err.Error(), "2300-01-01 00:00:00")
	})

	t.Run("skip", func(t *testing.T) {
		cfg := keyValueConfig(at)
		cfg.OnError = schema.Skip
		st, mo := newTestStage(t, cfg)
		rec := page(t)
		defer rec.Release()

		require.NoError(t, st.ProcessPage(rec))
		require.NoError(t, st.Finish())
		assert.Equal(t, []uint64{0, 2}, st.Skipped().ToArray())

		rows := rowsOf(t, st.OutputSchema(), mo.Records())
		require.Len(t, rows, 1)
		assert.True(t, utc(2000, 1, 1, 0, 0, 0).Equal(rows[0]["at"].(time.Time)))
	})
}

func TestPassthroughTimestampOutOfRange(t *testing.T) {
	in := schema.New(
		schema.Column{Name: "t", Type: schema.Timestamp},
		schema.Column{Name: "arr", Type: schema.String},
	)
	fields := in.Arrow().Fields()
	fields[0].Type = arrow.FixedWidthTypes.Timestamp_s
	as := arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(memory.DefaultAllocator, as)
	defer b.Release()
	b.Field(0).(*array.TimestampBuilder).AppendValues([]arrow.Timestamp{
		arrow.Timestamp(utc(2300, 1, 1, 0, 0, 0).Unix()),
		arrow.Timestamp(utc(2000, 1, 1, 0, 0, 0).Unix()),
		arrow.Timestamp(utc(1500, 6, 1, 0, 0, 0).Unix()),
	}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{`["a"]`, `["b"]`, `["c"]`}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	run := func(t *testing.T, policy schema.ErrorPolicy) (*Stage, *MemoryOutput, error) {
		cfg := schema.StageConfig{
			JSONArrayColumn: "arr",
			ArrayColumns:    []schema.ArrayColumn{{Name: "v", Type: schema.String}},
			OnError:         policy,
		}
		out, err := schema.BuildOutputSchema(in, cfg)
		require.NoError(t, err)
		mo := NewMemoryOutput()
		st, err := New(in, out, cfg, mo)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = st.Close()
			mo.Release()
		})
		return st, mo, st.ProcessPage(rec)
	}

	t.Run("abort", func(t *testing.T) {
		_, _, err := run(t, schema.Abort)
		assert.ErrorIs(t, err, coerce.ErrInvalidTimestamp)
		assert.Contains(t, err.Error(), "input record 0")
		assert.Contains(t, err.Error(), "2300-01-01T00:00:00Z")
	})

	t.Run("skip", func(t *testing.T) {
		st, mo, err := run(t, schema.Skip)
		require.NoError(t, err)
		require.NoError(t, st.Finish())
		assert.Equal(t, []uint64{0, 2}, st.Skipped().ToArray())

		rows := rowsOf(t, st.OutputSchema(), mo.Records())
		require.Len(t, rows, 1)
		assert.True(t, utc(2000, 1, 1, 0, 0, 0).Equal(rows[0]["t"].(time.Time)))
		assert.Equal(t, "b", rows[0]["v"])
	})
}

func TestAddRecordLeavesColumnsAligned(t *testing.T) {
	out := schema.New(
		schema.Column{Name: "id", Type: schema.Long},
		schema.Column{Name: "name", Type: schema.String},
		schema.Column{Name: "at", Type: schema.Timestamp},
	)
	mo := NewMemoryOutput()
	defer mo.Release()
	pb := newPageBuilder(memory.DefaultAllocator, out, 10, mo)
	defer pb.release()

	lengths := func() []int {
		var n []int
		for i := 0; i < 3; i++ {
			n = append(n, pb.builder.Field(i).Len())
		}
		return n
	}

	err := pb.addRecord([]any{int64(1), int64(2), nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output column 1")
	assert.Equal(t, []int{0, 0, 0}, lengths())

	err = pb.addRecord([]any{int64(1), "x", utc(2300, 1, 1, 0, 0, 0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output column 2")
	assert.Equal(t, []int{0, 0, 0}, lengths())

	assert.Error(t, pb.addRecord([]any{int64(1), "x"}))

	require.NoError(t, pb.addRecord([]any{int64(2), "y", utc(2024, 1, 1, 0, 0, 0)}))
	assert.Equal(t, []int{1, 1, 1}, lengths())
	require.NoError(t, pb.flush())

	rows := rowsOf(t, out, mo.Records())
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0]["id"])
	assert.Equal(t, "y", rows[0]["name"])
}

func TestPassthroughOfEveryType(t *testing.T) {
	in := schema.New(
		schema.Column{Name: "s", Type: schema.String},
		schema.Column{Name: "b", Type: schema.Boolean},
		schema.Column{Name: "d", Type: schema.Double},
		schema.Column{Name: "l", Type: schema.Long},
		schema.Column{Name: "t", Type: schema.Timestamp},
		schema.Column{Name: "j", Type: schema.JSON},
		schema.Column{Name: "arr", Type: schema.String},
	)
	cfg := schema.StageConfig{
		JSONArrayColumn: "arr",
		ArrayColumns:    []schema.ArrayColumn{{Name: "v", Type: schema.String}},
	}
	outSchema, err := schema.BuildOutputSchema(in, cfg)
	require.NoError(t, err)

	// Input timestamps in seconds must come out as the same instant.
	as := in.Arrow()
	fields := as.Fields()
	fields[4].Type = arrow.FixedWidthTypes.Timestamp_s
	as = arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(memory.DefaultAllocator, as)
	defer b.Release()
	ts := utc(2023, 12, 31, 23, 59, 59)
	b.Field(0).(*array.StringBuilder).AppendValues([]string{"str", ""}, []bool{true, false})
	b.Field(1).(*array.BooleanBuilder).AppendValues([]bool{true, false}, []bool{true, false})
	b.Field(2).(*array.Float64Builder).AppendValues([]float64{1.25, 0}, []bool{true, false})
	b.Field(3).(*array.Int64Builder).AppendValues([]int64{-9, 0}, []bool{true, false})
	b.Field(4).(*array.TimestampBuilder).AppendValues([]arrow.Timestamp{arrow.Timestamp(ts.Unix()), 0}, []bool{true, false})
	b.Field(5).(*array.StringBuilder).AppendValues([]string{`{"k":1}`, ""}, []bool{true, false})
	b.Field(6).(*array.StringBuilder).AppendValues([]string{`["x"]`, `["y"]`}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	mo := NewMemoryOutput()
	defer mo.Release()
	st, err := New(in, outSchema, cfg, mo)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.ProcessPage(rec))
	require.NoError(t, st.Finish())

	rows := rowsOf(t, outSchema, mo.Records())
	require.Len(t, rows, 2)
	assert.Equal(t, "str", rows[0]["s"])
	assert.Equal(t, true, rows[0]["b"])
	assert.Equal(t, 1.25, rows[0]["d"])
	assert.Equal(t, int64(-9), rows[0]["l"])
	assert.True(t, ts.Equal(rows[0]["t"].(time.Time)))
	assert.Equal(t, coerce.JSON(`{"k":1}`), rows[0]["j"])
	assert.Equal(t, "x", rows[0]["v"])

	for _, name := range []string{"s", "b", "d", "l", "t", "j"} {
		assert.Nil(t, rows[1][name], name)
	}
	assert.Equal(t, "y", rows[1]["v"])
}

func TestPageSizeFlushing(t *testing.T) {
	cfg := simpleConfig(schema.Long)
	cfg.PageSize = 2
	st, mo := newTestStage(t, cfg)

	rec := buildInput(t, memory.DefaultAllocator,
		inputRow{id: 1, items: str(`[1,2,3]`)},
		inputRow{id: 2, items: str(`[4,5]`)},
	)
	defer rec.Release()

	require.NoError(t, st.ProcessPage(rec))
	assert.Len(t, mo.Records(), 2, "full pages are emitted eagerly")
	require.NoError(t, st.Finish())

	var sizes []int64
	for _, r := range mo.Records() {
		sizes = append(sizes, r.NumRows())
	}
	assert.Equal(t, []int64{2, 2, 1}, sizes)
	assert.Equal(t, int64(5), mo.NumRows())
}

func TestLifecycle(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	cfg := simpleConfig(schema.String)
	out, err := schema.BuildOutputSchema(testInput, cfg)
	require.NoError(t, err)
	mo := NewMemoryOutput()
	st, err := New(testInput, out, cfg, mo, WithAllocator(mem))
	require.NoError(t, err)

	rec := buildInput(t, mem, inputRow{id: 1, items: str(`["a"]`)})
	require.NoError(t, st.ProcessPage(rec))
	rec.Release()

	require.NoError(t, st.Finish())
	require.NoError(t, st.Finish())
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	assert.True(t, mo.Closed())

	rec = buildInput(t, mem, inputRow{id: 2, items: str(`["b"]`)})
	assert.ErrorIs(t, st.ProcessPage(rec), ErrClosed)
	rec.Release()

	assert.Equal(t, int64(1), mo.NumRows())
	mo.Release()
}

func TestCloseAfterFailure(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	cfg := simpleConfig(schema.Long)
	out, err := schema.BuildOutputSchema(testInput, cfg)
	require.NoError(t, err)
	mo := NewMemoryOutput()
	st, err := New(testInput, out, cfg, mo, WithAllocator(mem))
	require.NoError(t, err)

	rec := buildInput(t, mem, inputRow{id: 1, items: str(`[1]`)}, inputRow{id: 2, items: str(`["x"]`)})
	require.Error(t, st.ProcessPage(rec))
	rec.Release()

	require.NoError(t, st.Close())
	assert.True(t, mo.Closed())
	assert.Zero(t, mo.NumRows())
}

func TestNewRejects(t *testing.T) {
	cfg := simpleConfig(schema.String)
	out, err := schema.BuildOutputSchema(testInput, cfg)
	require.NoError(t, err)

	_, err = New(testInput, out, cfg, nil)
	assert.Error(t, err)

	bogus := append(schema.Schema{}, out...)
	bogus = append(bogus, schema.Column{Index: len(out), Name: "ghost", Type: schema.String})
	_, err = New(testInput, bogus, cfg, NewMemoryOutput())
	assert.ErrorContains(t, err, `"ghost"`)

	retyped := append(schema.Schema{}, out...)
	retyped[0].Type = schema.String
	_, err = New(testInput, retyped, cfg, NewMemoryOutput())
	assert.ErrorContains(t, err, `"id"`)

	badTZ := keyValueConfig(schema.ArrayColumn{
		Name: "at", Type: schema.Timestamp,
		Timestamp: &schema.TimestampOptions{Timezone: "Not/AZone"},
	})
	out, err = schema.BuildOutputSchema(testInput, badTZ)
	require.NoError(t, err)
	_, err = New(testInput, out, badTZ, NewMemoryOutput())
	assert.ErrorContains(t, err, "Not/AZone")
}

func TestProcessPageRejectsWrongWidth(t *testing.T) {
	st, _ := newTestStage(t, simpleConfig(schema.String))

	as := arrow.NewSchema([]arrow.Field{{Name: "items", Type: arrow.BinaryTypes.String}}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, as)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).Append(`["a"]`)
	rec := b.NewRecord()
	defer rec.Release()

	assert.ErrorContains(t, st.ProcessPage(rec), "columns")
}

func TestExpansionOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		pages := rapid.SliceOfN(rapid.SliceOf(rapid.SliceOf(rapid.StringMatching(`[a-z"\\ ]{0,5}`))), 1, 4).Draw(rt, "pages")

		cfg := simpleConfig(schema.String)
		cfg.PageSize = rapid.IntRange(1, 5).Draw(rt, "pageSize")
		outSchema, err := schema.BuildOutputSchema(testInput, cfg)
		if err != nil {
			rt.Fatalf("plan: %v", err)
		}
		mo := NewMemoryOutput()
		defer mo.Release()
		st, err := New(testInput, outSchema, cfg, mo)
		if err != nil {
			rt.Fatalf("new: %v", err)
		}
		defer st.Close()

		var want []string
		var wantIDs []int64
		id := int64(0)
		for _, page := range pages {
			rows := make([]inputRow, len(page))
			for i, arr := range page {
				text, _ := json.Marshal(arr)
				rows[i] = inputRow{id: id, items: str(string(text)), note: fmt.Sprint(id)}
				for _, v := range arr {
					want = append(want, v)
					wantIDs = append(wantIDs, id)
				}
				id++
			}
			rec := buildInput(t, memory.DefaultAllocator, rows...)
			err := st.ProcessPage(rec)
			rec.Release()
			if err != nil {
				rt.Fatalf("process: %v", err)
			}
		}
		if err := st.Finish(); err != nil {
			rt.Fatalf("finish: %v", err)
		}

		got := rowsOf(t, outSchema, mo.Records())
		if len(got) != len(want) {
			rt.Fatalf("got %d rows, want %d", len(got), len(want))
		}
		for i := range want {
			assert.Equal(rt, want[i], got[i]["val"])
			assert.Equal(rt, wantIDs[i], got[i]["id"])
			assert.Equal(rt, fmt.Sprint(wantIDs[i]), got[i]["note"])
		}
	})
}

func TestBind(t *testing.T) {
	cfg := keyValueConfig(
		schema.ArrayColumn{Name: "at", Type: schema.Timestamp},
		schema.ArrayColumn{Name: "n", Type: schema.Long},
	)
	out, err := schema.BuildOutputSchema(testInput, cfg)
	require.NoError(t, err)

	bindings, err := Bind(out, cfg)
	require.NoError(t, err)
	require.Len(t, bindings, len(out))
	for i, b := range bindings {
		assert.Equal(t, out[i], b.Column)
		if b.Column.Name == "at" {
			require.NotNil(t, b.TimestampParser)
			assert.Equal(t, schema.DefaultTimestampFormat, b.TimestampParser.Format())
		} else {
			assert.Nil(t, b.TimestampParser, b.Column.Name)
		}
	}

	inBindings, err := Bind(testInput, cfg)
	require.NoError(t, err)
	for _, b := range inBindings {
		assert.Nil(t, b.TimestampParser)
	}
}

func TestErrorMessagesCarryRawValue(t *testing.T) {
	st, _ := newTestStage(t, simpleConfig(schema.Boolean))
	rec := buildInput(t, memory.DefaultAllocator, inputRow{id: 1, items: str(`["maybe"]`)})
	defer rec.Release()

	err := st.ProcessPage(rec)
	require.ErrorIs(t, err, coerce.ErrInvalidBoolean)
	assert.True(t, strings.Contains(err.Error(), `"maybe"`), err.Error())
	assert.Contains(t, err.Error(), "boolean")
}
