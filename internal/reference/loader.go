package reference

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/duckmesh/biagent/internal/storage"
)

// FileLoader reads the schema and example CSV exports from local files. An
// empty ExamplesPath yields no examples.
type FileLoader struct {
	SchemaPath   string
	ExamplesPath string
}

func (l FileLoader) Load(_ context.Context) (Catalog, error) {
	return loadCatalog(l.SchemaPath, l.ExamplesPath, func(path string) (io.ReadCloser, error) {
		return os.Open(path)
	})
}

// ObjectStoreLoader reads the same CSV exports from the object store.
type ObjectStoreLoader struct {
	Store       storage.ObjectStore
	SchemaKey   string
	ExamplesKey string
}

func (l ObjectStoreLoader) Load(ctx context.Context) (Catalog, error) {
	if l.Store == nil {
		return Catalog{}, fmt.Errorf("object store is required")
	}
	return loadCatalog(l.SchemaKey, l.ExamplesKey, func(key string) (io.ReadCloser, error) {
		return l.Store.Get(ctx, key)
	})
}

func loadCatalog(schemaPath, examplesPath string, open func(string) (io.ReadCloser, error)) (Catalog, error) {
	var catalog Catalog
	if schemaPath != "" {
		body, err := open(schemaPath)
		if err != nil {
			return Catalog{}, fmt.Errorf("open schema %s: %w", schemaPath, err)
		}
		defer func() { _ = body.Close() }()
		catalog.Schema, err = ReadSchemaCSV(body)
		if err != nil {
			return Catalog{}, fmt.Errorf("%s: %w", schemaPath, err)
		}
	}
	if examplesPath != "" {
		body, err := open(examplesPath)
		if err != nil {
			return Catalog{}, fmt.Errorf("open examples %s: %w", examplesPath, err)
		}
		defer func() { _ = body.Close() }()
		catalog.Examples, err = ReadExamplesCSV(body)
		if err != nil {
			return Catalog{}, fmt.Errorf("%s: %w", examplesPath, err)
		}
	}
	return catalog, nil
}
