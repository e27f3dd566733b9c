package sqldb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/duckmesh/biagent/internal/warehouse"
)

func TestExecuteAgainstSQLiteFile(t *testing.T) {
	dsn := seedSQLite(t)
	executor, err := NewExecutor("sqlite", dsn, 0)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}

	result, err := executor.Execute(context.Background(), "SELECT region, SUM(amount) AS total FROM sales GROUP BY region ORDER BY region;")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := warehouse.Table{
		Columns: []string{"region", "total"},
		Rows:    [][]any{{"north", int64(15)}, {"south", int64(7)}},
	}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Fatalf("Execute() mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteRowLimit(t *testing.T) {
	executor, err := NewExecutor("sqlite", seedSQLite(t), 1)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	result, err := executor.Execute(context.Background(), "SELECT * FROM sales")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Len() != 1 {
		t.Fatalf("rows = %d, want 1", result.Len())
	}
}

func TestExecuteRowLimitKeepsDuplicateColumnNames(t *testing.T) {
	executor, err := NewExecutor("sqlite", seedSQLite(t), 2)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	result, err := executor.Execute(context.Background(), "SELECT a.region, b.region FROM sales a JOIN sales b ON a.region = b.region ORDER BY a.region")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if diff := cmp.Diff([]string{"region", "region"}, result.Columns); diff != "" {
		t.Fatalf("Columns mismatch (-want +got):\n%s", diff)
	}
	if result.Len() != 2 {
		t.Fatalf("rows = %d, want 2", result.Len())
	}
}

func TestExecuteCanceledIsNotQueryError(t *testing.T) {
	executor, err := NewExecutor("sqlite", seedSQLite(t), 0)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = executor.Execute(ctx, "SELECT * FROM sales")
	if err == nil {
		t.Fatal("Execute() expected error")
	}
	if _, ok := warehouse.AsQueryError(err); ok {
		t.Fatalf("Execute() error = %v, should not be a query error", err)
	}
}

func TestExecuteInvalidSQLIsQueryError(t *testing.T) {
	executor, err := NewExecutor("sqlite", seedSQLite(t), 0)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	_, err = executor.Execute(context.Background(), "SELECT nope FROM sales")
	queryErr, ok := warehouse.AsQueryError(err)
	if !ok {
		t.Fatalf("Execute() error = %v, want query error", err)
	}
	if queryErr.SQL != "SELECT nope FROM sales" {
		t.Fatalf("QueryError.SQL = %q", queryErr.SQL)
	}
}

func TestNewExecutorRejectsUnknownDriver(t *testing.T) {
	if _, err := NewExecutor("oracle", "dsn", 0); err == nil {
		t.Fatal("NewExecutor() expected error")
	}
	if _, err := NewExecutor("mysql", "", 0); err == nil {
		t.Fatal("NewExecutor() expected error for empty dsn")
	}
}

func seedSQLite(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "warehouse.db")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()
	statements := []string{
		"CREATE TABLE sales (region TEXT, amount INTEGER)",
		"INSERT INTO sales VALUES ('north', 10), ('north', 5), ('south', 7)",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Exec(%q) error = %v", stmt, err)
		}
	}
	return dsn
}
