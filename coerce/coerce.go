// Package coerce converts the textual form of JSON scalars into typed
// column values.
//
// Coerced values use these Go types:
//
//	string    -> string
//	boolean   -> bool
//	double    -> float64
//	long      -> int64
//	timestamp -> time.Time
//	json      -> JSON
//
// A nil value is a null cell.
package coerce

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/TFMV/splitjson/schema"
)

// JSON is a compact, valid JSON document.
type JSON string

// Coercer converts raw text to column values.
type Coercer struct {
	Boolean schema.BooleanMode
}

// Coerce converts raw into the type of col. parser is required for
// timestamp columns and ignored otherwise.
func (c Coercer) Coerce(col schema.Column, parser *TimestampParser, raw string) (any, error) {
	switch col.Type {
	case schema.String:
		return raw, nil
	case schema.Boolean:
		return c.boolean(col, raw)
	case schema.Double:
		// Out-of-range literals saturate to ±Inf or round to zero.
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return nil, NewError(ErrInvalidNumber, col, raw, err)
		}
		return f, nil
	case schema.Long:
		return parseLong(col, raw)
	case schema.Timestamp:
		if parser == nil {
			return nil, NewError(ErrMissingTimestampParser, col, raw, nil)
		}
		t, err := parser.Parse(raw)
		if err != nil {
			return nil, NewError(ErrInvalidTimestamp, col, raw, err)
		}
		if err := CheckTimestampRange(t); err != nil {
			return nil, NewError(ErrInvalidTimestamp, col, raw, err)
		}
		return t, nil
	case schema.JSON:
		doc, err := CompactJSON(raw)
		if err != nil {
			return nil, NewError(ErrInvalidJSON, col, raw, err)
		}
		return doc, nil
	}
	return nil, fmt.Errorf("column %q: unsupported type %s", col.Name, col.Type)
}

func (c Coercer) boolean(col schema.Column, raw string) (any, error) {
	if c.Boolean == schema.LenientBoolean {
		return strings.EqualFold(raw, "true"), nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, NewError(ErrInvalidBoolean, col, raw, err)
	}
	return b, nil
}

// parseLong reads an integer literal, falling back to a float literal
// truncated toward zero so that exponent forms like "1.5E3" are accepted.
func parseLong(col schema.Column, raw string) (any, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err == nil {
		return n, nil
	}
	f, ferr := strconv.ParseFloat(raw, 64)
	if ferr != nil {
		return nil, NewError(ErrInvalidNumber, col, raw, err)
	}
	if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return nil, NewError(ErrInvalidNumber, col, raw, fmt.Errorf("%v is out of int64 range", f))
	}
	return int64(f), nil
}

// CompactJSON validates text as JSON and returns its compact form.
func CompactJSON(text string) (JSON, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(text)); err != nil {
		return "", err
	}
	return JSON(buf.String()), nil
}
