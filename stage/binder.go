package stage

import (
	"fmt"

	"github.com/TFMV/splitjson/coerce"
	"github.com/TFMV/splitjson/schema"
)

// Binding pairs a schema column with the timestamp parser used to coerce
// values into it. Only timestamp array columns carry a parser.
type Binding struct {
	Column          schema.Column
	TimestampParser *coerce.TimestampParser
}

// Bind resolves the configured array columns against s, one binding per
// column of s in schema order. Columns not declared in cfg are bound
// without a parser.
func Bind(s schema.Schema, cfg schema.StageConfig) ([]Binding, error) {
	bindings := make([]Binding, len(s))
	for i, c := range s {
		bindings[i] = Binding{Column: c}

		a, ok := cfg.ArrayColumn(c.Name)
		if !ok || a.Type != schema.Timestamp {
			continue
		}
		format, tz := cfg.TimestampSettings(a)
		p, err := coerce.NewTimestampParser(format, tz)
		if err != nil {
			return nil, fmt.Errorf("bind column %q: %w", c.Name, err)
		}
		bindings[i].TimestampParser = p
	}
	return bindings, nil
}
