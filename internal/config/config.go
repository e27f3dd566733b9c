package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type LookupFunc func(string) (string, bool)

// writeTimeoutMargin leaves room to encode and send an answer after the
// question timeout expires.
const writeTimeoutMargin = 15 * time.Second

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	AI            AIConfig
	Pipeline      PipelineConfig
	Chart         ChartConfig
	Warehouse     WarehouseConfig
	ObjectStore   ObjectStoreConfig
	Reference     ReferenceConfig
	Registry      RegistryConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// AIConfig selects the model backend. Provider is one of openai, gemini,
// anthropic or ollama.
type AIConfig struct {
	Provider       string
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float64
	MaxTokens      int
	Stream         bool
	Timeout        time.Duration
}

type PipelineConfig struct {
	Dialect    string
	Pseudocode bool
}

type ChartConfig struct {
	Enabled     bool
	PreviewRows int
	BrandColor  string
	Timeout     time.Duration
}

// WarehouseConfig selects the query executor. Driver is one of duckdb,
// postgres, mysql or sqlite. The duckdb driver reads parquet tables from the
// object store under TablePrefix.
type WarehouseConfig struct {
	Driver       string
	DSN          string
	TablePrefix  string
	RowLimit     int
	QueryTimeout time.Duration
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

// ReferenceConfig describes where schema and example rows come from. Source is
// one of file, objectstore or registry.
type ReferenceConfig struct {
	Source       string
	SchemaPath   string
	ExamplesPath string
	ActiveOnly   bool
	SchemaFilter string
	ExampleTopK  int
}

type RegistryConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

// LoadFromEnv reads an optional dotenv file (BIAGENT_ENV_FILE, default .env)
// into the process environment and then loads the configuration from it.
// Variables already present in the environment win over the file.
func LoadFromEnv(serviceName string) (Config, error) {
	envFile := ".env"
	if raw, ok := os.LookupEnv("BIAGENT_ENV_FILE"); ok {
		envFile = strings.TrimSpace(raw)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("BIAGENT_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid BIAGENT_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []error{
		applyString(lookup, "BIAGENT_SERVICE_NAME", &cfg.Service.Name),
		applyString(lookup, "BIAGENT_HTTP_ADDR", &cfg.HTTP.Address),
		applyDuration(lookup, "BIAGENT_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout),
		applyDuration(lookup, "BIAGENT_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout),
		applyDuration(lookup, "BIAGENT_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout),

		applyString(lookup, "BIAGENT_AI_PROVIDER", &cfg.AI.Provider),
		applyString(lookup, "BIAGENT_AI_BASE_URL", &cfg.AI.BaseURL),
		applyString(lookup, "BIAGENT_AI_API_KEY", &cfg.AI.APIKey),
		applyString(lookup, "BIAGENT_AI_MODEL", &cfg.AI.Model),
		applyString(lookup, "BIAGENT_AI_EMBEDDING_MODEL", &cfg.AI.EmbeddingModel),
		applyFloat(lookup, "BIAGENT_AI_TEMPERATURE", &cfg.AI.Temperature),
		applyInt(lookup, "BIAGENT_AI_MAX_TOKENS", &cfg.AI.MaxTokens),
		applyBool(lookup, "BIAGENT_AI_STREAM", &cfg.AI.Stream),
		applyDuration(lookup, "BIAGENT_AI_TIMEOUT", &cfg.AI.Timeout),

		applyString(lookup, "BIAGENT_PIPELINE_DIALECT", &cfg.Pipeline.Dialect),
		applyBool(lookup, "BIAGENT_PIPELINE_PSEUDOCODE", &cfg.Pipeline.Pseudocode),

		applyBool(lookup, "BIAGENT_CHART_ENABLED", &cfg.Chart.Enabled),
		applyInt(lookup, "BIAGENT_CHART_PREVIEW_ROWS", &cfg.Chart.PreviewRows),
		applyString(lookup, "BIAGENT_CHART_BRAND_COLOR", &cfg.Chart.BrandColor),
		applyDuration(lookup, "BIAGENT_CHART_TIMEOUT", &cfg.Chart.Timeout),

		applyString(lookup, "BIAGENT_WAREHOUSE_DRIVER", &cfg.Warehouse.Driver),
		applyString(lookup, "BIAGENT_WAREHOUSE_DSN", &cfg.Warehouse.DSN),
		applyString(lookup, "BIAGENT_WAREHOUSE_TABLE_PREFIX", &cfg.Warehouse.TablePrefix),
		applyInt(lookup, "BIAGENT_WAREHOUSE_ROW_LIMIT", &cfg.Warehouse.RowLimit),
		applyDuration(lookup, "BIAGENT_WAREHOUSE_QUERY_TIMEOUT", &cfg.Warehouse.QueryTimeout),

		applyString(lookup, "BIAGENT_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint),
		applyString(lookup, "BIAGENT_OBJECTSTORE_REGION", &cfg.ObjectStore.Region),
		applyString(lookup, "BIAGENT_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket),
		applyString(lookup, "BIAGENT_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID),
		applyString(lookup, "BIAGENT_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey),
		applyBool(lookup, "BIAGENT_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL),
		applyString(lookup, "BIAGENT_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix),
		applyBool(lookup, "BIAGENT_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket),

		applyString(lookup, "BIAGENT_REFERENCE_SOURCE", &cfg.Reference.Source),
		applyString(lookup, "BIAGENT_REFERENCE_SCHEMA_PATH", &cfg.Reference.SchemaPath),
		applyString(lookup, "BIAGENT_REFERENCE_EXAMPLES_PATH", &cfg.Reference.ExamplesPath),
		applyBool(lookup, "BIAGENT_REFERENCE_ACTIVE_ONLY", &cfg.Reference.ActiveOnly),
		applyString(lookup, "BIAGENT_REFERENCE_SCHEMA_FILTER", &cfg.Reference.SchemaFilter),
		applyInt(lookup, "BIAGENT_REFERENCE_EXAMPLE_TOP_K", &cfg.Reference.ExampleTopK),

		applyString(lookup, "BIAGENT_REGISTRY_DSN", &cfg.Registry.DSN),
		applyInt(lookup, "BIAGENT_REGISTRY_MAX_OPEN_CONNS", &cfg.Registry.MaxOpenConns),
		applyInt(lookup, "BIAGENT_REGISTRY_MAX_IDLE_CONNS", &cfg.Registry.MaxIdleConns),
		applyDuration(lookup, "BIAGENT_REGISTRY_CONN_MAX_IDLE_TIME", &cfg.Registry.ConnMaxIdleTime),
		applyDuration(lookup, "BIAGENT_REGISTRY_CONN_MAX_LIFETIME", &cfg.Registry.ConnMaxLifetime),

		applyBool(lookup, "BIAGENT_LOG_JSON", &cfg.Observability.LogJSON),
		applyLogLevel(lookup, "BIAGENT_LOG_LEVEL", &cfg.Observability.LogLevel),
		applyBool(lookup, "BIAGENT_AUTH_REQUIRED", &cfg.Auth.Required),
		applyString(lookup, "BIAGENT_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys),
	}
	if err := errors.Join(appliers...); err != nil {
		return Config{}, err
	}

	// Unless set, the write timeout follows the question timeout so answers
	// are never cut off mid-response.
	if _, ok := lookup("BIAGENT_HTTP_WRITE_TIMEOUT"); !ok {
		cfg.HTTP.WriteTimeout = cfg.QuestionTimeout() + writeTimeoutMargin
	}
	cfg.AI.Provider = strings.ToLower(cfg.AI.Provider)
	cfg.Warehouse.Driver = strings.ToLower(cfg.Warehouse.Driver)
	cfg.Reference.Source = strings.ToLower(cfg.Reference.Source)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// QuestionTimeout bounds one question end to end: every model call the
// pipeline may make plus two executions and the chart sandbox.
func (cfg Config) QuestionTimeout() time.Duration {
	modelCalls := 2
	if cfg.Pipeline.Pseudocode {
		modelCalls++
	}
	timeout := time.Duration(modelCalls)*cfg.AI.Timeout + 2*cfg.Warehouse.QueryTimeout
	if cfg.Chart.Enabled {
		timeout += cfg.AI.Timeout + cfg.Chart.Timeout
	}
	return timeout
}

func (cfg Config) validate() error {
	var errs []error
	if cfg.Service.Name == "" {
		errs = append(errs, fmt.Errorf("service name is required"))
	}
	if cfg.HTTP.Address == "" {
		errs = append(errs, fmt.Errorf("http address is required"))
	}
	if question := cfg.QuestionTimeout(); cfg.HTTP.WriteTimeout > 0 && cfg.HTTP.WriteTimeout <= question {
		errs = append(errs, fmt.Errorf("BIAGENT_HTTP_WRITE_TIMEOUT (%s) must exceed the question timeout (%s)", cfg.HTTP.WriteTimeout, question))
	}
	switch cfg.AI.Provider {
	case "openai", "gemini", "anthropic", "ollama":
	default:
		errs = append(errs, fmt.Errorf("invalid BIAGENT_AI_PROVIDER: %q", cfg.AI.Provider))
	}
	if cfg.AI.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("BIAGENT_AI_MAX_TOKENS must be > 0"))
	}
	switch cfg.Warehouse.Driver {
	case "duckdb", "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("invalid BIAGENT_WAREHOUSE_DRIVER: %q", cfg.Warehouse.Driver))
	}
	if cfg.Warehouse.Driver != "duckdb" && cfg.Warehouse.DSN == "" {
		errs = append(errs, fmt.Errorf("BIAGENT_WAREHOUSE_DSN is required for driver %s", cfg.Warehouse.Driver))
	}
	switch cfg.Reference.Source {
	case "file", "objectstore":
		if cfg.Reference.SchemaPath == "" {
			errs = append(errs, fmt.Errorf("BIAGENT_REFERENCE_SCHEMA_PATH is required for source %s", cfg.Reference.Source))
		}
	case "registry":
		if cfg.Registry.DSN == "" {
			errs = append(errs, fmt.Errorf("BIAGENT_REGISTRY_DSN is required for source registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid BIAGENT_REFERENCE_SOURCE: %q", cfg.Reference.Source))
	}
	if cfg.Reference.ExampleTopK < 0 {
		errs = append(errs, fmt.Errorf("BIAGENT_REFERENCE_EXAMPLE_TOP_K must be >= 0"))
	}
	if cfg.Chart.PreviewRows <= 0 {
		errs = append(errs, fmt.Errorf("BIAGENT_CHART_PREVIEW_ROWS must be > 0"))
	}
	return errors.Join(errs...)
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "biagent-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		AI: AIConfig{
			Provider:       "openai",
			BaseURL:        "https://api.openai.com",
			Model:          "gpt-4o",
			EmbeddingModel: "text-embedding-3-small",
			Temperature:    0.5,
			MaxTokens:      4000,
			Stream:         false,
			Timeout:        60 * time.Second,
		},
		Pipeline: PipelineConfig{
			Dialect:    "DuckDB",
			Pseudocode: false,
		},
		Chart: ChartConfig{
			Enabled:     true,
			PreviewRows: 20,
			BrandColor:  "#6A0DAD",
			Timeout:     10 * time.Second,
		},
		Warehouse: WarehouseConfig{
			Driver:       "duckdb",
			TablePrefix:  "warehouse",
			RowLimit:     10000,
			QueryTimeout: 60 * time.Second,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "biagent",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Reference: ReferenceConfig{
			Source:       "file",
			SchemaPath:   "reference/schema.csv",
			ExamplesPath: "reference/examples.csv",
			ActiveOnly:   false,
			ExampleTopK:  0,
		},
		Registry: RegistryConfig{
			MaxOpenConns:    5,
			MaxIdleConns:    5,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
