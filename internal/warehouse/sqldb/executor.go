// Package sqldb runs warehouse queries through database/sql drivers (MySQL
// and SQLite). A handle is opened for each Execute and closed afterwards.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/duckmesh/biagent/internal/warehouse"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

type Executor struct {
	Driver   string
	DSN      string
	RowLimit int
}

func NewExecutor(driver, dsn string, rowLimit int) (*Executor, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s dsn is required", driver)
	}
	return &Executor{Driver: driver, DSN: dsn, RowLimit: rowLimit}, nil
}

func (e *Executor) Execute(ctx context.Context, sqlText string) (warehouse.Table, error) {
	sqlText = warehouse.StripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return warehouse.Table{}, warehouse.NewQueryError(sqlText, fmt.Errorf("sql is required"))
	}

	db, err := sql.Open(e.Driver, e.DSN)
	if err != nil {
		return warehouse.Table{}, fmt.Errorf("open %s: %w", e.Driver, err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		return warehouse.Table{}, fmt.Errorf("connect %s: %w", e.Driver, err)
	}
	defer func() { _ = conn.Close() }()
	if err := conn.PingContext(ctx); err != nil {
		return warehouse.Table{}, fmt.Errorf("ping %s: %w", e.Driver, err)
	}

	// The statement runs unwrapped; RowLimit is applied while scanning.
	rows, err := conn.QueryContext(ctx, sqlText)
	if err != nil {
		return warehouse.Table{}, warehouse.ExecutionError(ctx, sqlText, err)
	}
	defer func() { _ = rows.Close() }()

	return warehouse.ScanRows(ctx, sqlText, rows, e.RowLimit)
}
