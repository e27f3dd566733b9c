package reference

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	schemaColumns = map[string][]string{
		"schema":      {"schema name", "schema", "schema_name"},
		"table":       {"table name", "table", "table_name"},
		"column":      {"column name", "column", "column_name"},
		"description": {"column description", "description", "column_description"},
		"status":      {"status"},
	}
	exampleColumns = map[string][]string{
		"question": {"question"},
		"query":    {"query", "sql"},
	}
)

// ReadSchemaCSV parses schema rows from a CSV export with a header row.
// Table and column headers are required; schema, description and status are
// optional.
func ReadSchemaCSV(r io.Reader) ([]SchemaEntry, error) {
	records, index, err := readCSV(r, schemaColumns, "table", "column")
	if err != nil {
		return nil, fmt.Errorf("read schema csv: %w", err)
	}
	entries := make([]SchemaEntry, 0, len(records))
	for _, record := range records {
		entry := SchemaEntry{
			Schema:      field(record, index, "schema"),
			Table:       field(record, index, "table"),
			Column:      field(record, index, "column"),
			Description: field(record, index, "description"),
			Status:      field(record, index, "status"),
		}
		if entry.Table == "" && entry.Column == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func ReadExamplesCSV(r io.Reader) ([]ExampleEntry, error) {
	records, index, err := readCSV(r, exampleColumns, "question", "query")
	if err != nil {
		return nil, fmt.Errorf("read examples csv: %w", err)
	}
	entries := make([]ExampleEntry, 0, len(records))
	for _, record := range records {
		entry := ExampleEntry{
			Question: field(record, index, "question"),
			Query:    field(record, index, "query"),
		}
		if entry.Question == "" && entry.Query == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func readCSV(r io.Reader, aliases map[string][]string, required ...string) ([][]string, map[string]int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("missing header row")
		}
		return nil, nil, err
	}

	index := map[string]int{}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		for key, names := range aliases {
			for _, alias := range names {
				if name == alias {
					if _, seen := index[key]; !seen {
						index[key] = i
					}
				}
			}
		}
	}
	for _, key := range required {
		if _, ok := index[key]; !ok {
			return nil, nil, fmt.Errorf("missing %q column", key)
		}
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	return records, index, nil
}

func field(record []string, index map[string]int, key string) string {
	i, ok := index[key]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}
