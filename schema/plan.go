package schema

import (
	"errors"
	"fmt"
)

// Configuration errors. They are raised at plan time, before any record
// is read.
var (
	ErrUnknownType                   = errors.New("unknown column type")
	ErrUnsupportedType               = errors.New("unsupported arrow type")
	ErrArrayColumnNotFound           = errors.New("json array column not found in input schema")
	ErrArrayColumnType               = errors.New("json array column must be string or json")
	ErrExpectedExactlyOneArrayColumn = errors.New("simple array mode expects exactly one array column")
	ErrNegativePageSize              = errors.New("page size must not be negative")
)

// DuplicateColumnError reports a configured column whose name is already
// taken, either by an input column or by an earlier array column.
type DuplicateColumnError struct {
	Name string
}

func (e *DuplicateColumnError) Error() string {
	return fmt.Sprintf("duplicate column %q", e.Name)
}

// Validate checks cfg against the input schema.
func Validate(input Schema, cfg StageConfig) error {
	seen := make(map[string]struct{}, len(input)+len(cfg.ArrayColumns))
	for _, c := range input {
		seen[c.Name] = struct{}{}
	}
	for _, a := range cfg.ArrayColumns {
		if _, dup := seen[a.Name]; dup {
			return &DuplicateColumnError{Name: a.Name}
		}
		seen[a.Name] = struct{}{}
	}

	src, ok := input.Lookup(cfg.JSONArrayColumn)
	if !ok {
		return fmt.Errorf("%w: %q", ErrArrayColumnNotFound, cfg.JSONArrayColumn)
	}
	if src.Type != String && src.Type != JSON {
		return fmt.Errorf("%w: %q is %s", ErrArrayColumnType, src.Name, src.Type)
	}
	if !cfg.KeyValueArray && len(cfg.ArrayColumns) != 1 {
		return fmt.Errorf("%w: got %d", ErrExpectedExactlyOneArrayColumn, len(cfg.ArrayColumns))
	}
	if cfg.PageSize < 0 {
		return fmt.Errorf("%w: %d", ErrNegativePageSize, cfg.PageSize)
	}
	return nil
}

// BuildOutputSchema derives the output schema: every input column except
// the JSON array column, in input order, followed by the array-derived
// columns. Indices are reassigned densely.
func BuildOutputSchema(input Schema, cfg StageConfig) (Schema, error) {
	if err := Validate(input, cfg); err != nil {
		return nil, err
	}

	out := make(Schema, 0, len(input)-1+len(cfg.ArrayColumns))
	for _, c := range input {
		if c.Name == cfg.JSONArrayColumn {
			continue
		}
		out = append(out, Column{Index: len(out), Name: c.Name, Type: c.Type})
	}

	if cfg.KeyValueArray {
		for _, a := range cfg.ArrayColumns {
			out = append(out, a.Column(len(out)))
		}
	} else if len(cfg.ArrayColumns) == 1 {
		out = append(out, cfg.ArrayColumns[0].Column(len(out)))
	}
	return out, nil
}
