package coerce

import (
	"bytes"

	"github.com/goccy/go-json"
)

var nullLiteral = []byte("null")

// Text returns the textual form of one JSON value: strings are unquoted,
// numbers and booleans keep their literal spelling, objects and arrays
// are compacted. null reports ok=false.
func Text(raw json.RawMessage) (text string, ok bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, nullLiteral) {
		return "", false, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		return s, true, nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", false, err
		}
		return buf.String(), true, nil
	}
	return string(raw), true, nil
}
