// Package warehouse defines the query executor boundary: a SQL string goes
// in, a table or an error comes out. A *QueryError means the warehouse
// rejected the statement; any other error means the warehouse could not be
// reached or prepared.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type Executor interface {
	Execute(ctx context.Context, sqlText string) (Table, error)
}

// QueryError is the failure outcome of an execution. Message is the
// warehouse's own error text, kept verbatim.
type QueryError struct {
	SQL     string
	Message string
	Err     error
}

func (e *QueryError) Error() string {
	return e.Message
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

func NewQueryError(sqlText string, err error) *QueryError {
	message := "query failed"
	if err != nil {
		message = err.Error()
	}
	return &QueryError{SQL: sqlText, Message: message, Err: err}
}

// ExecutionError classifies an error raised while running sqlText. Once ctx
// is done the driver error is a consequence of the cancellation, so it is
// returned as a plain error rather than a *QueryError.
func ExecutionError(ctx context.Context, sqlText string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("query interrupted: %w: %v", ctxErr, err)
	}
	return NewQueryError(sqlText, err)
}

// AsQueryError reports whether err carries an execution failure.
func AsQueryError(err error) (*QueryError, bool) {
	var queryErr *QueryError
	if errors.As(err, &queryErr) {
		return queryErr, true
	}
	return nil, false
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// LimitSQL wraps sqlText so that at most limit rows come back. A limit of
// zero or less leaves the statement untouched. MySQL rejects derived tables
// with duplicate column names, so the sqldb executor limits while scanning
// instead.
func LimitSQL(sqlText string, limit int) string {
	sqlText = StripTrailingSemicolons(sqlText)
	if limit <= 0 {
		return sqlText
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, limit)
}

// ScanRows drains rows into a Table, keeping at most limit rows when limit is
// positive. Errors raised while iterating come from the warehouse evaluating
// the statement and are classified with ExecutionError.
func ScanRows(ctx context.Context, sqlText string, rows *sql.Rows, limit int) (Table, error) {
	columns, err := rows.Columns()
	if err != nil {
		return Table{}, ExecutionError(ctx, sqlText, fmt.Errorf("query columns: %w", err))
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		if limit > 0 && len(resultRows) == limit {
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Table{}, ExecutionError(ctx, sqlText, err)
		}
		resultRows = append(resultRows, NormalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Table{}, ExecutionError(ctx, sqlText, err)
	}
	return Table{Columns: columns, Rows: resultRows}, nil
}

func NormalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
