// Package loader seeds an object store with a small parquet sales table and
// the matching reference CSV pair, enough to ask questions against a fresh
// deployment.
package loader

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/biagent/internal/reference"
	"github.com/duckmesh/biagent/internal/storage"
)

type Loader struct {
	cfg       Config
	store     storage.ObjectStore
	root      string
	log       *slog.Logger
	generator *Generator
}

type Summary struct {
	Table      string
	Files      []string
	Rows       int
	SchemaRows int
	Examples   int
}

// New returns a loader writing table files below root, the warehouse table
// prefix the duckdb engine reads from.
func New(cfg Config, store storage.ObjectStore, root string, logger *slog.Logger) (*Loader, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loader{
		cfg:       cfg,
		store:     store,
		root:      root,
		log:       logger,
		generator: NewGenerator(cfg.Seed, cfg.StartDate, cfg.Days),
	}, nil
}

// Run writes the table files and then the reference CSVs. Existing objects
// under the same keys are overwritten.
func (l *Loader) Run(ctx context.Context) (Summary, error) {
	summary := Summary{Table: l.cfg.TableName}

	remaining := l.cfg.Rows
	for part := 0; part < l.cfg.Files; part++ {
		n := remaining / (l.cfg.Files - part)
		remaining -= n

		key, err := storage.TableFilePath(l.root, l.cfg.TableName, fmt.Sprintf("part-%04d", part))
		if err != nil {
			return Summary{}, err
		}
		data, err := EncodeSales(l.generator.Take(n))
		if err != nil {
			return Summary{}, err
		}
		if err := l.put(ctx, key, data, "application/vnd.apache.parquet"); err != nil {
			return Summary{}, err
		}
		l.log.Info("wrote demo table file", slog.String("key", key), slog.Int("rows", n))
		summary.Files = append(summary.Files, key)
		summary.Rows += n
	}

	schema := SchemaEntries(l.cfg.TableName)
	data, err := encodeSchemaCSV(schema)
	if err != nil {
		return Summary{}, err
	}
	if err := l.put(ctx, l.cfg.SchemaKey, data, "text/csv"); err != nil {
		return Summary{}, err
	}
	summary.SchemaRows = len(schema)

	examples := Examples(l.cfg.TableName)
	data, err = encodeExamplesCSV(examples)
	if err != nil {
		return Summary{}, err
	}
	if err := l.put(ctx, l.cfg.ExamplesKey, data, "text/csv"); err != nil {
		return Summary{}, err
	}
	summary.Examples = len(examples)
	return summary, nil
}

func (l *Loader) put(ctx context.Context, key string, data []byte, contentType string) error {
	if _, err := l.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func EncodeSales(rows []SaleRow) ([]byte, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("rows are required")
	}
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[SaleRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// SchemaEntries describes the demo table. Every row is active.
func SchemaEntries(table string) []reference.SchemaEntry {
	columns := []struct{ name, description string }{
		{"order_id", "unique order line identifier"},
		{"order_date", "order date as YYYY-MM-DD text"},
		{"region", "sales region: north, south, east or west"},
		{"product", "product name"},
		{"category", "product category: stationery, furniture or electronics"},
		{"quantity", "units sold on the order line"},
		{"unit_price", "price per unit in USD"},
		{"amount", "order line total in USD, quantity times unit_price"},
	}
	entries := make([]reference.SchemaEntry, 0, len(columns))
	for _, column := range columns {
		entries = append(entries, reference.SchemaEntry{
			Table:       table,
			Column:      column.name,
			Description: column.description,
			Status:      "active",
		})
	}
	return entries
}

func Examples(table string) []reference.ExampleEntry {
	return []reference.ExampleEntry{
		{
			Question: "What are total sales by region?",
			Query:    fmt.Sprintf("SELECT region, SUM(amount) AS total_sales FROM %s GROUP BY region ORDER BY total_sales DESC", table),
		},
		{
			Question: "Which five products sold the most units?",
			Query:    fmt.Sprintf("SELECT product, SUM(quantity) AS units FROM %s GROUP BY product ORDER BY units DESC LIMIT 5", table),
		},
		{
			Question: "How did monthly revenue develop?",
			Query:    fmt.Sprintf("SELECT substr(order_date, 1, 7) AS month, SUM(amount) AS revenue FROM %s GROUP BY month ORDER BY month", table),
		},
	}
}

func encodeSchemaCSV(entries []reference.SchemaEntry) ([]byte, error) {
	records := [][]string{{"table_name", "column_name", "description", "status"}}
	for _, entry := range entries {
		records = append(records, []string{entry.Table, entry.Column, entry.Description, entry.Status})
	}
	return encodeCSV(records)
}

func encodeExamplesCSV(entries []reference.ExampleEntry) ([]byte, error) {
	records := [][]string{{"question", "query"}}
	for _, entry := range entries {
		records = append(records, []string{entry.Question, entry.Query})
	}
	return encodeCSV(records)
}

func encodeCSV(records [][]string) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	w := csv.NewWriter(buf)
	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}
