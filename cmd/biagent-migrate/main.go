package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/duckmesh/biagent/internal/config"
	"github.com/duckmesh/biagent/internal/migrations"
	"github.com/duckmesh/biagent/internal/reference"
	registrypostgres "github.com/duckmesh/biagent/internal/registry/postgres"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	seedSchema := flag.String("seed-schema", "", "schema CSV to load into the registry after migrating")
	seedExamples := flag.String("seed-examples", "", "examples CSV to load into the registry after migrating")
	flag.Parse()

	cfg, err := config.LoadFromEnv("biagent-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Registry.DSN == "" {
		fmt.Fprintln(os.Stderr, "BIAGENT_REGISTRY_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := registrypostgres.Open(ctx, registrypostgres.DBConfig{
		DSN:             cfg.Registry.DSN,
		ApplicationName: cfg.Service.Name,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "database error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	runner := migrations.NewRunner()
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration up failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		applied, err := runner.Down(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration down failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rolled back %d migration(s)\n", applied)
	case "status":
		status, err := runner.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration status failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("applied: %v\npending: %v\n", status.Applied, status.Pending)
		return
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}

	if *seedSchema == "" && *seedExamples == "" {
		return
	}
	catalog, err := readCatalog(*seedSchema, *seedExamples)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed read failed: %v\n", err)
		os.Exit(1)
	}
	if err := registrypostgres.NewRepository(db).ReplaceCatalog(ctx, catalog); err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded %d schema row(s) and %d example(s)\n", len(catalog.Schema), len(catalog.Examples))
}

// readCatalog loads whichever of the two CSV files is given. The seed
// replaces the whole catalog, so an omitted file leaves that half empty.
func readCatalog(schemaPath, examplesPath string) (reference.Catalog, error) {
	var catalog reference.Catalog
	if schemaPath != "" {
		f, err := os.Open(schemaPath)
		if err != nil {
			return reference.Catalog{}, err
		}
		defer func() { _ = f.Close() }()
		if catalog.Schema, err = reference.ReadSchemaCSV(f); err != nil {
			return reference.Catalog{}, err
		}
	}
	if examplesPath != "" {
		f, err := os.Open(examplesPath)
		if err != nil {
			return reference.Catalog{}, err
		}
		defer func() { _ = f.Close() }()
		if catalog.Examples, err = reference.ReadExamplesCSV(f); err != nil {
			return reference.Catalog{}, err
		}
	}
	return catalog, nil
}
