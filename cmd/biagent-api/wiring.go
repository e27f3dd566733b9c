package main

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/duckmesh/biagent/internal/config"
	"github.com/duckmesh/biagent/internal/llm"
	"github.com/duckmesh/biagent/internal/llm/gemini"
	"github.com/duckmesh/biagent/internal/llm/langchain"
	"github.com/duckmesh/biagent/internal/llm/openai"
	"github.com/duckmesh/biagent/internal/reference"
	registrypostgres "github.com/duckmesh/biagent/internal/registry/postgres"
	"github.com/duckmesh/biagent/internal/storage"
	s3store "github.com/duckmesh/biagent/internal/storage/s3"
	"github.com/duckmesh/biagent/internal/warehouse"
	"github.com/duckmesh/biagent/internal/warehouse/duckdb"
	"github.com/duckmesh/biagent/internal/warehouse/postgres"
	"github.com/duckmesh/biagent/internal/warehouse/sqldb"
)

// The AI defaults target OpenAI. Other providers fall back to their own
// defaults when these are left unchanged.
const (
	openAIBaseURL        = "https://api.openai.com"
	openAIModel          = "gpt-4o"
	openAIEmbeddingModel = "text-embedding-3-small"
)

// newObjectStore connects to the object store when the warehouse or the
// reference data lives there, and returns nil otherwise.
func newObjectStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	if cfg.Warehouse.Driver != "duckdb" && cfg.Reference.Source != "objectstore" {
		return nil, nil
	}
	store, err := s3store.New(ctx, s3store.ConfigFrom(cfg.ObjectStore))
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newExecutor(cfg config.Config, store storage.ObjectStore) (warehouse.Executor, error) {
	var executor warehouse.Executor
	switch cfg.Warehouse.Driver {
	case "duckdb":
		if store == nil {
			return nil, fmt.Errorf("duckdb warehouse requires an object store")
		}
		executor = duckdb.NewEngine(store, cfg.Warehouse.TablePrefix, cfg.Warehouse.RowLimit)
	case "postgres":
		pg, err := postgres.NewExecutor(cfg.Warehouse.DSN, cfg.Warehouse.RowLimit)
		if err != nil {
			return nil, err
		}
		executor = pg
	case sqldb.DriverMySQL, sqldb.DriverSQLite:
		db, err := sqldb.NewExecutor(cfg.Warehouse.Driver, cfg.Warehouse.DSN, cfg.Warehouse.RowLimit)
		if err != nil {
			return nil, err
		}
		executor = db
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q", cfg.Warehouse.Driver)
	}
	return timeoutExecutor{next: executor, timeout: cfg.Warehouse.QueryTimeout}, nil
}

func newReferenceLoader(cfg config.Config, store storage.ObjectStore, repo *registrypostgres.Repository) (reference.Loader, error) {
	switch cfg.Reference.Source {
	case "file":
		return reference.FileLoader{SchemaPath: cfg.Reference.SchemaPath, ExamplesPath: cfg.Reference.ExamplesPath}, nil
	case "objectstore":
		if store == nil {
			return nil, fmt.Errorf("objectstore reference source requires an object store")
		}
		return reference.ObjectStoreLoader{
			Store:       store,
			SchemaKey:   path.Clean(cfg.Reference.SchemaPath),
			ExamplesKey: cleanOptionalKey(cfg.Reference.ExamplesPath),
		}, nil
	case "registry":
		if repo == nil {
			return nil, fmt.Errorf("registry reference source requires BIAGENT_REGISTRY_DSN")
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported reference source %q", cfg.Reference.Source)
	}
}

func newGateway(ctx context.Context, cfg config.Config) (llm.Gateway, error) {
	switch cfg.AI.Provider {
	case "openai":
		return openai.NewGateway(openai.Config{
			BaseURL: cfg.AI.BaseURL,
			APIKey:  cfg.AI.APIKey,
			Model:   cfg.AI.Model,
			Timeout: cfg.AI.Timeout,
		})
	case "gemini":
		return gemini.NewGateway(ctx, gemini.Config{
			APIKey:  cfg.AI.APIKey,
			BaseURL: unlessOpenAIDefault(cfg.AI.BaseURL, openAIBaseURL),
			Model:   unlessOpenAIDefault(cfg.AI.Model, openAIModel),
		})
	case "anthropic":
		return langchain.NewAnthropic(langchain.Config{
			BaseURL: unlessOpenAIDefault(cfg.AI.BaseURL, openAIBaseURL),
			APIKey:  cfg.AI.APIKey,
			Model:   unlessOpenAIDefault(cfg.AI.Model, openAIModel),
		})
	case "ollama":
		return langchain.NewOllama(langchain.Config{
			BaseURL: unlessOpenAIDefault(cfg.AI.BaseURL, openAIBaseURL),
			Model:   cfg.AI.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.AI.Provider)
	}
}

// newExampleSource shows every example unless top-k retrieval is configured,
// in which case examples are ranked by embedding similarity to the question.
func newExampleSource(ctx context.Context, cfg config.Config, examples []reference.ExampleEntry, logger *slog.Logger) (reference.ExampleSource, error) {
	if cfg.Reference.ExampleTopK <= 0 || len(examples) == 0 {
		return reference.AllExamples(examples), nil
	}
	embed, err := newEmbeddingFunc(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if embed == nil {
		logger.Warn("provider has no embedding model; showing all examples", slog.String("provider", cfg.AI.Provider))
		return reference.AllExamples(examples), nil
	}
	return reference.NewExampleIndex(ctx, examples, cfg.Reference.ExampleTopK, embed)
}

func newEmbeddingFunc(ctx context.Context, cfg config.Config) (chromem.EmbeddingFunc, error) {
	switch cfg.AI.Provider {
	case "openai":
		baseURL := strings.TrimRight(cfg.AI.BaseURL, "/")
		if !strings.HasSuffix(baseURL, "/v1") {
			baseURL += "/v1"
		}
		return chromem.NewEmbeddingFuncOpenAICompat(baseURL, cfg.AI.APIKey, cfg.AI.EmbeddingModel, nil), nil
	case "gemini":
		embed, err := gemini.NewEmbeddingFunc(ctx, gemini.Config{
			APIKey:  cfg.AI.APIKey,
			BaseURL: unlessOpenAIDefault(cfg.AI.BaseURL, openAIBaseURL),
			Model:   unlessOpenAIDefault(cfg.AI.EmbeddingModel, openAIEmbeddingModel),
		})
		if err != nil {
			return nil, err
		}
		return embed, nil
	case "ollama":
		baseURL := unlessOpenAIDefault(cfg.AI.BaseURL, openAIBaseURL)
		if baseURL != "" {
			baseURL = strings.TrimRight(baseURL, "/") + "/api"
		}
		model := unlessOpenAIDefault(cfg.AI.EmbeddingModel, openAIEmbeddingModel)
		if model == "" {
			return nil, fmt.Errorf("BIAGENT_AI_EMBEDDING_MODEL is required for ollama example retrieval")
		}
		return chromem.NewEmbeddingFuncOllama(model, baseURL), nil
	default:
		return nil, nil
	}
}

func unlessOpenAIDefault(value, openAIDefault string) string {
	value = strings.TrimSpace(value)
	if strings.TrimRight(value, "/") == openAIDefault {
		return ""
	}
	return value
}

func cleanOptionalKey(key string) string {
	if strings.TrimSpace(key) == "" {
		return ""
	}
	return path.Clean(key)
}

// timeoutExecutor bounds every query with the configured warehouse timeout.
type timeoutExecutor struct {
	next    warehouse.Executor
	timeout time.Duration
}

func (e timeoutExecutor) Execute(ctx context.Context, sqlText string) (warehouse.Table, error) {
	if e.timeout <= 0 {
		return e.next.Execute(ctx, sqlText)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.next.Execute(ctx, sqlText)
}
