package coerce

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
)

// Timestamp columns hold nanoseconds since the epoch in an int64.
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// CheckTimestampRange fails for instants a timestamp column cannot hold.
func CheckTimestampRange(t time.Time) error {
	if t.Before(MinTimestamp) || t.After(MaxTimestamp) {
		return fmt.Errorf("%s is outside %s .. %s",
			t.Format(time.RFC3339), MinTimestamp.Format(time.RFC3339), MaxTimestamp.Format(time.RFC3339))
	}
	return nil
}

// TimestampParser parses text into instants using one format and one
// default timezone. Formats containing '%' are strftime patterns; anything
// else is taken as a Go reference layout.
type TimestampParser struct {
	format string
	layout string
	loc    *time.Location
}

// NewTimestampParser compiles format and resolves timezone.
func NewTimestampParser(format, timezone string) (*TimestampParser, error) {
	layout := format
	if strings.Contains(format, "%") {
		l, err := strftime.Layout(format)
		if err != nil {
			return nil, fmt.Errorf("timestamp format %q: %w", format, err)
		}
		layout = l
	}
	if layout == "" {
		return nil, fmt.Errorf("timestamp format is empty")
	}
	loc, err := LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &TimestampParser{format: format, layout: layout, loc: loc}, nil
}

// Parse reads text in the parser's format. Text without an explicit
// offset is interpreted in the parser's timezone.
func (p *TimestampParser) Parse(text string) (time.Time, error) {
	t, err := time.ParseInLocation(p.layout, text, p.loc)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// Format returns the configured format.
func (p *TimestampParser) Format() string { return p.format }

// Location returns the default timezone.
func (p *TimestampParser) Location() *time.Location { return p.loc }
