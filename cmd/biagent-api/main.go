package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duckmesh/biagent/internal/api"
	"github.com/duckmesh/biagent/internal/api/uistatic"
	"github.com/duckmesh/biagent/internal/auth"
	"github.com/duckmesh/biagent/internal/chart"
	"github.com/duckmesh/biagent/internal/config"
	"github.com/duckmesh/biagent/internal/llm"
	"github.com/duckmesh/biagent/internal/observability"
	"github.com/duckmesh/biagent/internal/pipeline"
	"github.com/duckmesh/biagent/internal/prompt"
	"github.com/duckmesh/biagent/internal/reference"
	registrypostgres "github.com/duckmesh/biagent/internal/registry/postgres"
	"github.com/duckmesh/biagent/internal/session"
)

func main() {
	cfg, err := config.LoadFromEnv("biagent-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelStartup()

	var registryRepo *registrypostgres.Repository
	if cfg.Registry.DSN != "" {
		registryDB, err := registrypostgres.Open(startupCtx, registrypostgres.DBConfig{
			DSN:             cfg.Registry.DSN,
			ApplicationName: cfg.Service.Name,
			MaxOpenConns:    cfg.Registry.MaxOpenConns,
			MaxIdleConns:    cfg.Registry.MaxIdleConns,
			ConnMaxIdleTime: cfg.Registry.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Registry.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open registry db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = registryDB.Close() }()
		registryRepo = registrypostgres.NewRepository(registryDB)
	}

	objectStore, err := newObjectStore(startupCtx, cfg)
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	executor, err := newExecutor(cfg, objectStore)
	if err != nil {
		logger.Error("failed to initialize warehouse executor", slog.Any("error", err))
		os.Exit(1)
	}

	loader, err := newReferenceLoader(cfg, objectStore, registryRepo)
	if err != nil {
		logger.Error("failed to configure reference loader", slog.Any("error", err))
		os.Exit(1)
	}
	catalog, err := loader.Load(startupCtx)
	if err != nil {
		logger.Error("failed to load reference data", slog.Any("error", err))
		os.Exit(1)
	}
	filter, err := reference.NewFilter(cfg.Reference.SchemaFilter)
	if err != nil {
		logger.Error("invalid schema filter", slog.Any("error", err))
		os.Exit(1)
	}
	formatOptions := reference.FormatOptions{ActiveOnly: cfg.Reference.ActiveOnly, Filter: filter}
	selected, err := reference.SelectSchema(catalog.Schema, formatOptions)
	if err != nil {
		logger.Error("failed to filter schema", slog.Any("error", err))
		os.Exit(1)
	}
	schemaText, err := reference.FormatSchema(selected, reference.FormatOptions{})
	if err != nil {
		logger.Error("failed to format schema", slog.Any("error", err))
		os.Exit(1)
	}
	if schemaText == "" {
		logger.Warn("no schema rows loaded; questions will be answered without a schema")
	}

	gateway, err := newGateway(startupCtx, cfg)
	if err != nil {
		logger.Error("failed to initialize model gateway", slog.Any("error", err))
		os.Exit(1)
	}
	examples, err := newExampleSource(startupCtx, cfg, catalog.Examples, logger)
	if err != nil {
		logger.Error("failed to index examples", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("reference data loaded",
		slog.String("source", cfg.Reference.Source),
		slog.Int("schema_rows", len(selected)),
		slog.Int("examples", len(catalog.Examples)),
	)

	prompts := prompt.NewBuilder(cfg.Pipeline.Dialect, cfg.Chart.BrandColor)
	generation := llm.Options{MaxTokens: cfg.AI.MaxTokens, Temperature: cfg.AI.Temperature, Stream: cfg.AI.Stream}
	controller := &pipeline.Controller{
		Gateway:  gateway,
		Executor: executor,
		Prompts:  prompts,
		Schema:   schemaText,
		Examples: examples,
		Config: pipeline.Config{
			Pseudocode: cfg.Pipeline.Pseudocode,
			Generation: generation,
		},
		Logger: logger,
	}
	if cfg.Chart.Enabled {
		controller.Charts = chart.NewSynthesizer(gateway, prompts, chart.NewSandbox(cfg.Chart.Timeout), chart.SynthesizerConfig{
			PreviewRows: cfg.Chart.PreviewRows,
			BrandColor:  cfg.Chart.BrandColor,
			Options:     generation,
		}, logger)
	}

	var readiness []api.ReadinessCheck
	if registryRepo != nil {
		controller.Auditor = registryRepo
		readiness = append(readiness, api.CheckPing("registry", registryRepo.HealthCheck))
	}
	if objectStore != nil {
		readiness = append(readiness, api.CheckPing("object store", func(ctx context.Context) error {
			_, err := objectStore.List(ctx, cfg.Warehouse.TablePrefix)
			return err
		}))
	}

	deps := api.Dependencies{
		Logger:            logger,
		Sessions:          session.NewRegistry(observability.SetActiveSessions),
		Assistant:         controller,
		QuestionTimeout:   cfg.QuestionTimeout(),
		Reference:         &api.ReferenceSchema{Entries: selected, Formatted: schemaText},
		UI:                uistatic.Handler(),
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("provider", cfg.AI.Provider),
			slog.String("warehouse", cfg.Warehouse.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
