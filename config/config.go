// Package config loads a stage configuration from a file.
package config

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/viper"

	"github.com/TFMV/splitjson/coerce"
	"github.com/TFMV/splitjson/schema"
)

// EnvPrefix prefixes environment variables that override file settings.
const EnvPrefix = "SPLITJSON"

// ErrMissingKey is returned when a required setting is absent.
var ErrMissingKey = errors.New("missing required setting")

type fileColumn struct {
	Name     string            `mapstructure:"name"`
	Type     string            `mapstructure:"type"`
	Format   string            `mapstructure:"format"`
	Timezone string            `mapstructure:"timezone"`
	Options  map[string]string `mapstructure:"options"`
}

type fileConfig struct {
	JSONArrayColumn        string       `mapstructure:"json_array_column"`
	KeyValueArray          bool         `mapstructure:"is_key_value_array"`
	ArrayColumns           []fileColumn `mapstructure:"array_columns"`
	DefaultTimezone        string       `mapstructure:"default_timezone"`
	DefaultTimestampFormat string       `mapstructure:"default_timestamp_format"`
	OnError                string       `mapstructure:"on_error"`
	MissingKey             string       `mapstructure:"missing_key"`
	Boolean                string       `mapstructure:"boolean"`
	PageSize               int          `mapstructure:"page_size"`
}

// Load reads the configuration file at path. The format follows the file
// extension.
func Load(path string) (schema.StageConfig, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return schema.StageConfig{}, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

// Parse reads a configuration in the given viper format ("yaml", "json",
// "toml", ...).
func Parse(r io.Reader, format string) (schema.StageConfig, error) {
	v := newViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return schema.StageConfig{}, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	_ = v.BindEnv("on_error")
	_ = v.BindEnv("page_size")
	return v
}

func decode(v *viper.Viper) (schema.StageConfig, error) {
	for _, key := range []string{"json_array_column", "is_key_value_array"} {
		if !v.IsSet(key) {
			return schema.StageConfig{}, fmt.Errorf("%w: %s", ErrMissingKey, key)
		}
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return schema.StageConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return fc.stageConfig()
}

func (fc fileConfig) stageConfig() (schema.StageConfig, error) {
	cfg := schema.StageConfig{
		JSONArrayColumn:        fc.JSONArrayColumn,
		KeyValueArray:          fc.KeyValueArray,
		DefaultTimezone:        fc.DefaultTimezone,
		DefaultTimestampFormat: fc.DefaultTimestampFormat,
		PageSize:               fc.PageSize,
	}
	if cfg.JSONArrayColumn == "" {
		return cfg, fmt.Errorf("%w: json_array_column", ErrMissingKey)
	}

	var err error
	if cfg.OnError, err = schema.ParseErrorPolicy(fc.OnError); err != nil {
		return cfg, err
	}
	if cfg.MissingKey, err = schema.ParseMissingKeyPolicy(fc.MissingKey); err != nil {
		return cfg, err
	}
	if cfg.Boolean, err = schema.ParseBooleanMode(fc.Boolean); err != nil {
		return cfg, err
	}
	if cfg.PageSize < 0 {
		return cfg, fmt.Errorf("%w: %d", schema.ErrNegativePageSize, cfg.PageSize)
	}

	seen := make(map[string]bool, len(fc.ArrayColumns))
	for i, c := range fc.ArrayColumns {
		typ, err := schema.ParseColumnType(c.Type)
		if err != nil {
			return cfg, fmt.Errorf("array_columns[%d]: %w", i, err)
		}
		opts := make(map[string]string, len(c.Options)+2)
		for k, v := range c.Options {
			opts[k] = v
		}
		if c.Format != "" {
			opts["format"] = c.Format
		}
		if c.Timezone != "" {
			opts["timezone"] = c.Timezone
		}
		col, err := schema.NewArrayColumn(c.Name, typ, opts)
		if err != nil {
			return cfg, fmt.Errorf("array_columns[%d]: %w", i, err)
		}
		if seen[col.Name] {
			return cfg, &schema.DuplicateColumnError{Name: col.Name}
		}
		seen[col.Name] = true
		cfg.ArrayColumns = append(cfg.ArrayColumns, col)
	}

	for _, a := range cfg.ArrayColumns {
		if a.Type != schema.Timestamp {
			continue
		}
		format, tz := cfg.TimestampSettings(a)
		if _, err := coerce.NewTimestampParser(format, tz); err != nil {
			return cfg, fmt.Errorf("array column %q: %w", a.Name, err)
		}
	}

	if !cfg.KeyValueArray && len(cfg.ArrayColumns) != 1 {
		return cfg, fmt.Errorf("%w: got %d", schema.ErrExpectedExactlyOneArrayColumn, len(cfg.ArrayColumns))
	}
	return cfg, nil
}
