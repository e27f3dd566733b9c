package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/duckmesh/biagent/internal/config"
	"github.com/duckmesh/biagent/internal/demo/loader"
	"github.com/duckmesh/biagent/internal/observability"
	s3store "github.com/duckmesh/biagent/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("biagent-demo-loader")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	demoCfg, err := loader.LoadConfigFromEnv(os.LookupEnv)
	if err != nil {
		logger.Error("failed to load demo loader config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := s3store.New(ctx, s3store.ConfigFrom(cfg.ObjectStore))
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	l, err := loader.New(demoCfg, store, cfg.Warehouse.TablePrefix, logger)
	if err != nil {
		logger.Error("failed to initialize demo loader", slog.Any("error", err))
		os.Exit(1)
	}
	summary, err := l.Run(ctx)
	if err != nil {
		logger.Error("demo load failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info(
		"demo data loaded",
		slog.String("table", summary.Table),
		slog.Int("rows", summary.Rows),
		slog.Int("files", len(summary.Files)),
		slog.String("schema_key", demoCfg.SchemaKey),
		slog.String("examples_key", demoCfg.ExamplesKey),
	)
}
