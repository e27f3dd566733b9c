// Package postgres runs warehouse queries over the Postgres wire protocol.
// Each Execute dials its own connection and closes it before returning.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/duckmesh/biagent/internal/warehouse"
)

type Executor struct {
	DSN      string
	RowLimit int
}

func NewExecutor(dsn string, rowLimit int) (*Executor, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if _, err := pgx.ParseConfig(dsn); err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	return &Executor{DSN: dsn, RowLimit: rowLimit}, nil
}

func (e *Executor) Execute(ctx context.Context, sqlText string) (warehouse.Table, error) {
	sqlText = warehouse.StripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return warehouse.Table{}, warehouse.NewQueryError(sqlText, fmt.Errorf("sql is required"))
	}

	conn, err := pgx.Connect(ctx, e.DSN)
	if err != nil {
		return warehouse.Table{}, fmt.Errorf("connect warehouse: %w", err)
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

	rows, err := conn.Query(ctx, warehouse.LimitSQL(sqlText, e.RowLimit))
	if err != nil {
		return warehouse.Table{}, classify(ctx, sqlText, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, field := range fields {
		columns[i] = field.Name
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return warehouse.Table{}, classify(ctx, sqlText, err)
		}
		resultRows = append(resultRows, warehouse.NormalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return warehouse.Table{}, classify(ctx, sqlText, err)
	}
	return warehouse.Table{Columns: columns, Rows: resultRows}, nil
}

// classify separates statements the server rejected from broken connections.
// After ctx is done, the server's cancellation error is not a rejection.
func classify(ctx context.Context, sqlText string, err error) error {
	if ctx.Err() != nil {
		return warehouse.ExecutionError(ctx, sqlText, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return warehouse.NewQueryError(sqlText, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("warehouse connection: %w", err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("warehouse connection: %w", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("warehouse connection: %w", err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("warehouse connection: %w", err)
	}
	// Decoding failures and similar client-side errors are tied to the
	// statement's result shape.
	return warehouse.NewQueryError(sqlText, err)
}
