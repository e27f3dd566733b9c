package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/duckmesh/biagent/internal/reference"
	"github.com/duckmesh/biagent/internal/registry"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping registry db: %w", err)
	}
	return nil
}

// Load implements reference.Loader.
func (r *Repository) Load(ctx context.Context) (reference.Catalog, error) {
	schema, err := r.ListSchema(ctx)
	if err != nil {
		return reference.Catalog{}, err
	}
	examples, err := r.ListExamples(ctx)
	if err != nil {
		return reference.Catalog{}, err
	}
	return reference.Catalog{Schema: schema, Examples: examples}, nil
}

func (r *Repository) ListSchema(ctx context.Context) ([]reference.SchemaEntry, error) {
	query := `
SELECT schema_name, table_name, column_name, description, status
FROM reference_schema_column
ORDER BY position ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schema columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []reference.SchemaEntry
	for rows.Next() {
		var entry reference.SchemaEntry
		if err := rows.Scan(&entry.Schema, &entry.Table, &entry.Column, &entry.Description, &entry.Status); err != nil {
			return nil, fmt.Errorf("scan schema column: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema columns: %w", err)
	}
	return out, nil
}

func (r *Repository) ListExamples(ctx context.Context) ([]reference.ExampleEntry, error) {
	query := `
SELECT question, query_text
FROM reference_query_example
ORDER BY position ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list query examples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []reference.ExampleEntry
	for rows.Next() {
		var entry reference.ExampleEntry
		if err := rows.Scan(&entry.Question, &entry.Query); err != nil {
			return nil, fmt.Errorf("scan query example: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query examples: %w", err)
	}
	return out, nil
}

// ReplaceCatalog swaps the stored schema and examples for catalog in one
// transaction. Input order becomes the stored position.
func (r *Repository) ReplaceCatalog(ctx context.Context, catalog reference.Catalog) error {
	return r.WithTx(ctx, func(tx *TxRepository) error {
		if err := tx.replaceSchema(ctx, catalog.Schema); err != nil {
			return err
		}
		return tx.replaceExamples(ctx, catalog.Examples)
	})
}

func (r *Repository) RecordQuestion(ctx context.Context, record registry.QuestionAudit) error {
	query := `
INSERT INTO question_audit (session_id, owner_id, question, status, final_sql, attempts, error_message, row_count, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := r.db.ExecContext(ctx, query,
		record.SessionID,
		record.OwnerID,
		record.Question,
		record.Status,
		record.FinalSQL,
		record.Attempts,
		record.ErrorMessage,
		record.RowCount,
		record.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("record question audit: %w", err)
	}
	return nil
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx *TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	txRepo := &TxRepository{q: tx}
	if err := fn(txRepo); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type TxRepository struct {
	q dbTX
}

func (r *TxRepository) replaceSchema(ctx context.Context, entries []reference.SchemaEntry) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM reference_schema_column`); err != nil {
		return fmt.Errorf("clear schema columns: %w", err)
	}
	query := `
INSERT INTO reference_schema_column (position, schema_name, table_name, column_name, description, status)
VALUES ($1, $2, $3, $4, $5, $6)`
	for i, entry := range entries {
		status := entry.Status
		if status == "" {
			status = "active"
		}
		if _, err := r.q.ExecContext(ctx, query, i, entry.Schema, entry.Table, entry.Column, entry.Description, status); err != nil {
			return fmt.Errorf("insert schema column %s.%s: %w", entry.Table, entry.Column, err)
		}
	}
	return nil
}

func (r *TxRepository) replaceExamples(ctx context.Context, entries []reference.ExampleEntry) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM reference_query_example`); err != nil {
		return fmt.Errorf("clear query examples: %w", err)
	}
	query := `
INSERT INTO reference_query_example (position, question, query_text)
VALUES ($1, $2, $3)`
	for i, entry := range entries {
		if _, err := r.q.ExecContext(ctx, query, i, entry.Question, entry.Query); err != nil {
			return fmt.Errorf("insert query example %d: %w", i, err)
		}
	}
	return nil
}
