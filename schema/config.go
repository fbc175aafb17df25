package schema

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorPolicy selects what happens when a record fails to expand.
type ErrorPolicy int

const (
	// Abort stops the stream at the first data error.
	Abort ErrorPolicy = iota
	// Skip drops the offending input record and continues.
	Skip
)

func (p ErrorPolicy) String() string {
	if p == Skip {
		return "skip"
	}
	return "abort"
}

// ParseErrorPolicy accepts "abort" or "skip"; empty means Abort.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return Abort, nil
	case "skip":
		return Skip, nil
	}
	return 0, fmt.Errorf("unknown error policy %q (want abort or skip)", s)
}

// MissingKeyPolicy decides how a key-value element lacking a declared key
// is filled.
type MissingKeyPolicy int

const (
	// MissingKeyNull writes a null cell.
	MissingKeyNull MissingKeyPolicy = iota
	// MissingKeyError fails the record with coerce.ErrMissingSourceColumn.
	MissingKeyError
)

func (p MissingKeyPolicy) String() string {
	if p == MissingKeyError {
		return "error"
	}
	return "null"
}

// ParseMissingKeyPolicy accepts "null" or "error"; empty means MissingKeyNull.
func ParseMissingKeyPolicy(s string) (MissingKeyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null":
		return MissingKeyNull, nil
	case "error":
		return MissingKeyError, nil
	}
	return 0, fmt.Errorf("unknown missing_key policy %q (want null or error)", s)
}

// BooleanMode selects the boolean parser.
type BooleanMode int

const (
	// StrictBoolean rejects text that is not a recognised boolean literal.
	StrictBoolean BooleanMode = iota
	// LenientBoolean treats anything but a case-insensitive "true" as false.
	LenientBoolean
)

func (m BooleanMode) String() string {
	if m == LenientBoolean {
		return "lenient"
	}
	return "strict"
}

// ParseBooleanMode accepts "strict" or "lenient"; empty means StrictBoolean.
func ParseBooleanMode(s string) (BooleanMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return StrictBoolean, nil
	case "lenient":
		return LenientBoolean, nil
	}
	return 0, fmt.Errorf("unknown boolean mode %q (want strict or lenient)", s)
}

// Defaults applied when the configuration leaves them empty.
const (
	DefaultTimezone        = "UTC"
	DefaultTimestampFormat = "%Y-%m-%d %H:%M:%S.%N %z"
	DefaultPageSize        = 1024
)

// TimestampOptions carries the parse settings of a timestamp column.
// Empty fields fall back to the stage defaults.
type TimestampOptions struct {
	Format   string
	Timezone string
}

// ArrayColumn declares one output column fed by the JSON array. Only the
// timestamp variant carries options.
type ArrayColumn struct {
	Name      string
	Type      ColumnType
	Timestamp *TimestampOptions
}

// NewArrayColumn resolves a loosely typed column declaration. Options are
// only accepted where the column type understands them.
func NewArrayColumn(name string, typ ColumnType, options map[string]string) (ArrayColumn, error) {
	if name == "" {
		return ArrayColumn{}, fmt.Errorf("array column: empty name")
	}
	col := ArrayColumn{Name: name, Type: typ}
	if typ == Timestamp {
		col.Timestamp = &TimestampOptions{}
	}

	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := options[k]
		switch {
		case typ == Timestamp && k == "format":
			col.Timestamp.Format = v
		case typ == Timestamp && k == "timezone":
			col.Timestamp.Timezone = v
		default:
			return ArrayColumn{}, fmt.Errorf("array column %q (%s): unknown option %q", name, typ, k)
		}
	}
	return col, nil
}

// Column returns the schema column for this declaration at the given index.
func (a ArrayColumn) Column(index int) Column {
	return Column{Index: index, Name: a.Name, Type: a.Type}
}

// StageConfig is the resolved configuration of one expansion stage.
type StageConfig struct {
	JSONArrayColumn string
	KeyValueArray   bool
	ArrayColumns    []ArrayColumn

	DefaultTimezone        string
	DefaultTimestampFormat string

	OnError    ErrorPolicy
	MissingKey MissingKeyPolicy
	Boolean    BooleanMode
	// PageSize is the number of output rows per emitted page; zero means
	// DefaultPageSize.
	PageSize int
}

// ArrayColumn returns the declaration with the given name.
func (c StageConfig) ArrayColumn(name string) (ArrayColumn, bool) {
	for _, a := range c.ArrayColumns {
		if a.Name == name {
			return a, true
		}
	}
	return ArrayColumn{}, false
}

// EffectivePageSize returns PageSize or its default.
func (c StageConfig) EffectivePageSize() int {
	if c.PageSize <= 0 {
		return DefaultPageSize
	}
	return c.PageSize
}

// TimestampSettings returns the format and timezone that apply to a
// timestamp array column.
func (c StageConfig) TimestampSettings(a ArrayColumn) (format, timezone string) {
	format, timezone = c.DefaultTimestampFormat, c.DefaultTimezone
	if a.Timestamp != nil {
		if a.Timestamp.Format != "" {
			format = a.Timestamp.Format
		}
		if a.Timestamp.Timezone != "" {
			timezone = a.Timestamp.Timezone
		}
	}
	if format == "" {
		format = DefaultTimestampFormat
	}
	if timezone == "" {
		timezone = DefaultTimezone
	}
	return format, timezone
}
