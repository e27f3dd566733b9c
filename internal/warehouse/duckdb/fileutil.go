package duckdb

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/duckmesh/biagent/internal/storage"
)

// stageObject copies one object from the store to localPath so DuckDB can
// read it with read_parquet.
func stageObject(ctx context.Context, store storage.ObjectStore, key, localPath string) (err error) {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close object %q: %w", key, closeErr)
		}
	}()

	file, err := os.OpenFile(localPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create staged file %q: %w", localPath, err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return fmt.Errorf("stage object %q: %w", key, err)
	}
	return file.Close()
}
