package schema

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Pool is the Go memory allocator used by Arrow.
var Pool = memory.NewGoAllocator()

// TypeMetadataKey marks utf8 fields that carry JSON documents.
const TypeMetadataKey = "splitjson.type"

var jsonMetadata = arrow.NewMetadata([]string{TypeMetadataKey}, []string{"json"})

// ArrowType returns the Arrow type used to store a column of type t.
func ArrowType(t ColumnType) arrow.DataType {
	switch t {
	case Boolean:
		return arrow.FixedWidthTypes.Boolean
	case Double:
		return arrow.PrimitiveTypes.Float64
	case Long:
		return arrow.PrimitiveTypes.Int64
	case Timestamp:
		return arrow.FixedWidthTypes.Timestamp_ns
	default:
		return arrow.BinaryTypes.String
	}
}

// Field returns the nullable Arrow field for c.
func (c Column) Field() arrow.Field {
	f := arrow.Field{Name: c.Name, Type: ArrowType(c.Type), Nullable: true}
	if c.Type == JSON {
		f.Metadata = jsonMetadata
	}
	return f
}

// Arrow converts the schema to an Arrow schema.
func (s Schema) Arrow() *arrow.Schema {
	fields := make([]arrow.Field, len(s))
	for i, c := range s {
		fields[i] = c.Field()
	}
	return arrow.NewSchema(fields, nil)
}

// FromArrow maps an Arrow schema onto the column model. Timestamps of any
// unit or zone are accepted; utf8 fields tagged with TypeMetadataKey=json
// become JSON columns.
func FromArrow(as *arrow.Schema) (Schema, error) {
	out := make(Schema, 0, as.NumFields())
	for i, f := range as.Fields() {
		var t ColumnType
		switch f.Type.ID() {
		case arrow.STRING:
			t = String
			if idx := f.Metadata.FindKey(TypeMetadataKey); idx >= 0 && f.Metadata.Values()[idx] == "json" {
				t = JSON
			}
		case arrow.BOOL:
			t = Boolean
		case arrow.FLOAT64:
			t = Double
		case arrow.INT64:
			t = Long
		case arrow.TIMESTAMP:
			t = Timestamp
		default:
			return nil, fmt.Errorf("%w: field %q is %s", ErrUnsupportedType, f.Name, f.Type)
		}
		out = append(out, Column{Index: i, Name: f.Name, Type: t})
	}
	return out, nil
}
