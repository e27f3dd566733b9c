package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/duckmesh/biagent/internal/storage"
)

type LookupFunc func(string) (string, bool)

type Config struct {
	TableName   string
	Rows        int
	Files       int
	Days        int
	StartDate   time.Time
	Seed        int64
	SchemaKey   string
	ExamplesKey string
}

func DefaultConfig() Config {
	return Config{
		TableName:   "sales",
		Rows:        5000,
		Files:       4,
		Days:        180,
		StartDate:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Seed:        time.Now().UTC().UnixNano(),
		SchemaKey:   "reference/schema.csv",
		ExamplesKey: "reference/examples.csv",
	}
}

func LoadConfigFromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := DefaultConfig()
	if err := applyString(lookup, "BIAGENT_DEMO_TABLE", &cfg.TableName); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "BIAGENT_DEMO_ROWS", &cfg.Rows); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "BIAGENT_DEMO_FILES", &cfg.Files); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "BIAGENT_DEMO_DAYS", &cfg.Days); err != nil {
		return Config{}, err
	}
	if err := applyDate(lookup, "BIAGENT_DEMO_START_DATE", &cfg.StartDate); err != nil {
		return Config{}, err
	}
	if err := applyInt64(lookup, "BIAGENT_DEMO_SEED", &cfg.Seed); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "BIAGENT_DEMO_SCHEMA_KEY", &cfg.SchemaKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "BIAGENT_DEMO_EXAMPLES_KEY", &cfg.ExamplesKey); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := storage.ValidateTableName(c.TableName); err != nil {
		return fmt.Errorf("BIAGENT_DEMO_TABLE: %w", err)
	}
	if c.Rows <= 0 {
		return fmt.Errorf("BIAGENT_DEMO_ROWS must be > 0")
	}
	if c.Files <= 0 {
		return fmt.Errorf("BIAGENT_DEMO_FILES must be > 0")
	}
	if c.Files > c.Rows {
		return fmt.Errorf("BIAGENT_DEMO_FILES must not exceed BIAGENT_DEMO_ROWS")
	}
	if c.Days <= 0 {
		return fmt.Errorf("BIAGENT_DEMO_DAYS must be > 0")
	}
	if c.SchemaKey == "" {
		return fmt.Errorf("BIAGENT_DEMO_SCHEMA_KEY is required")
	}
	if c.ExamplesKey == "" {
		return fmt.Errorf("BIAGENT_DEMO_EXAMPLES_KEY is required")
	}
	return nil
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyDate(lookup LookupFunc, key string, dst *time.Time) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}
