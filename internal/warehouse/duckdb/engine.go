// Package duckdb executes warehouse queries with an in-memory DuckDB database
// over parquet tables kept in the object store. Every Execute opens a fresh
// database and discards it afterwards.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/biagent/internal/storage"
	"github.com/duckmesh/biagent/internal/warehouse"
)

type Engine struct {
	Store    storage.ObjectStore
	Root     string
	RowLimit int
}

func NewEngine(store storage.ObjectStore, root string, rowLimit int) *Engine {
	return &Engine{Store: store, Root: root, RowLimit: rowLimit}
}

// Tables lists the parquet objects of every table under the engine root.
func (e *Engine) Tables(ctx context.Context) (map[string][]storage.ObjectInfo, error) {
	if e.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	objects, err := e.Store.List(ctx, e.Root)
	if err != nil {
		return nil, fmt.Errorf("list warehouse tables: %w", err)
	}
	tables := map[string][]storage.ObjectInfo{}
	for _, object := range objects {
		table, ok := storage.TableFromKey(e.Root, object.Key)
		if !ok {
			continue
		}
		tables[table] = append(tables[table], object)
	}
	return tables, nil
}

func (e *Engine) Execute(ctx context.Context, sqlText string) (warehouse.Table, error) {
	sqlText = warehouse.StripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return warehouse.Table{}, warehouse.NewQueryError(sqlText, fmt.Errorf("sql is required"))
	}

	tables, err := e.Tables(ctx)
	if err != nil {
		return warehouse.Table{}, err
	}
	if len(tables) == 0 {
		return warehouse.Table{}, fmt.Errorf("no parquet tables found under %q", e.Root)
	}

	workDir, err := os.MkdirTemp("", "biagent-query-")
	if err != nil {
		return warehouse.Table{}, fmt.Errorf("create query temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	localPaths := map[string][]string{}
	for _, name := range names {
		for index, object := range tables[name] {
			localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", name, index))
			if err := stageObject(ctx, e.Store, object.Key, localPath); err != nil {
				return warehouse.Table{}, err
			}
			localPaths[name] = append(localPaths[name], localPath)
		}
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return warehouse.Table{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	for _, name := range names {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(name), quoteStringArray(localPaths[name]))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return warehouse.Table{}, fmt.Errorf("create view for table %q: %w", name, err)
		}
	}

	rows, err := db.QueryContext(ctx, warehouse.LimitSQL(sqlText, e.RowLimit))
	if err != nil {
		return warehouse.Table{}, warehouse.ExecutionError(ctx, sqlText, err)
	}
	defer func() { _ = rows.Close() }()

	return warehouse.ScanRows(ctx, sqlText, rows, e.RowLimit)
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
