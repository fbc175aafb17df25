// Package schema defines the column model shared by the planner and the
// expansion stage, and derives the output schema from the input schema
// and the stage configuration.
package schema

import (
	"fmt"
	"strings"
)

// ColumnType is one of the six column kinds a record can carry.
type ColumnType int

const (
	String ColumnType = iota
	Boolean
	Double
	Long
	Timestamp
	JSON
)

var typeNames = [...]string{
	String:    "string",
	Boolean:   "boolean",
	Double:    "double",
	Long:      "long",
	Timestamp: "timestamp",
	JSON:      "json",
}

func (t ColumnType) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("ColumnType(%d)", int(t))
	}
	return typeNames[t]
}

// ParseColumnType maps a configuration type name to a ColumnType.
func ParseColumnType(name string) (ColumnType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "string":
		return String, nil
	case "boolean", "bool":
		return Boolean, nil
	case "double", "float":
		return Double, nil
	case "long", "integer", "int":
		return Long, nil
	case "timestamp":
		return Timestamp, nil
	case "json":
		return JSON, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// Column is a named, typed position within a Schema.
type Column struct {
	Index int
	Name  string
	Type  ColumnType
}

func (c Column) String() string {
	return fmt.Sprintf("%d:%s:%s", c.Index, c.Name, c.Type)
}

// Schema is an ordered list of columns with dense indices and unique names.
type Schema []Column

// New builds a Schema from (name, type) pairs, assigning indices in order.
func New(cols ...Column) Schema {
	s := make(Schema, len(cols))
	for i, c := range cols {
		s[i] = Column{Index: i, Name: c.Name, Type: c.Type}
	}
	return s
}

// Lookup returns the column with the given name.
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Names returns the column names in schema order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Equal reports whether both schemas have the same columns in the same order.
func (s Schema) Equal(o Schema) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}
