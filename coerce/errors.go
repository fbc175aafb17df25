package coerce

import (
	"errors"
	"fmt"

	"github.com/TFMV/splitjson/schema"
)

// Data error kinds. Match them with errors.Is.
var (
	ErrInvalidNumber      = errors.New("invalid number")
	ErrInvalidBoolean     = errors.New("invalid boolean")
	ErrInvalidTimestamp   = errors.New("invalid timestamp")
	ErrInvalidJSON        = errors.New("invalid json")
	ErrMalformedArrayJSON = errors.New("malformed json array")
	// ErrMissingSourceColumn is raised when a key-value element lacks a
	// declared key and the stage is configured to treat that as an error.
	ErrMissingSourceColumn = errors.New("missing source column")
)

// ErrMissingTimestampParser means a timestamp column reached coercion
// without a bound parser. It indicates a binding bug, not bad data.
var ErrMissingTimestampParser = errors.New("timestamp parser is absent")

const maxRawInMessage = 256

// Error is a data error raised while converting a raw value.
type Error struct {
	Kind   error
	Column string
	Type   schema.ColumnType
	Raw    string
	Err    error
}

// NewError builds a data error of the given kind for col.
func NewError(kind error, col schema.Column, raw string, err error) *Error {
	return &Error{Kind: kind, Column: col.Name, Type: col.Type, Raw: raw, Err: err}
}

func (e *Error) Error() string {
	raw := e.Raw
	if len(raw) > maxRawInMessage {
		raw = raw[:maxRawInMessage] + "..."
	}
	msg := fmt.Sprintf("column %q (%s): %v: %q", e.Column, e.Type, e.Kind, raw)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
