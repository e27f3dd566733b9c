// Package reference holds the schema description and worked example rows
// that ground SQL generation, and renders them into the flat text blocks
// injected into prompts.
package reference

import (
	"context"
	"strings"
)

// SchemaEntry describes one column of one warehouse table. Schema and Status
// are optional.
type SchemaEntry struct {
	Schema      string `json:"schema,omitempty"`
	Table       string `json:"table"`
	Column      string `json:"column"`
	Description string `json:"description"`
	Status      string `json:"status,omitempty"`
}

// ExampleEntry is a worked question and the query answering it. Examples are
// few-shot guidance only and are never checked against the schema.
type ExampleEntry struct {
	Question string `json:"question"`
	Query    string `json:"query"`
}

// Catalog is the reference data loaded once at startup.
type Catalog struct {
	Schema   []SchemaEntry
	Examples []ExampleEntry
}

type Loader interface {
	Load(ctx context.Context) (Catalog, error)
}

type FormatOptions struct {
	// ActiveOnly drops rows whose status is not "active", case-insensitively.
	ActiveOnly bool
	// Filter, when set, keeps only rows it accepts.
	Filter *Filter
}

// IsActive reports whether the entry's status is "active".
func (e SchemaEntry) IsActive() bool {
	return strings.EqualFold(strings.TrimSpace(e.Status), "active")
}

// SelectSchema applies opts to entries, preserving order.
func SelectSchema(entries []SchemaEntry, opts FormatOptions) ([]SchemaEntry, error) {
	out := make([]SchemaEntry, 0, len(entries))
	for _, entry := range entries {
		if opts.ActiveOnly && !entry.IsActive() {
			continue
		}
		if opts.Filter != nil {
			keep, err := opts.Filter.Match(entry)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// FormatSchema renders one record per entry:
//
//	Table: SALES
//	Column: AMOUNT
//	Description: order total in USD
//
// A "Schema:" line leads the record when the entry carries a schema name.
func FormatSchema(entries []SchemaEntry, opts FormatOptions) (string, error) {
	selected, err := SelectSchema(entries, opts)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, entry := range selected {
		if entry.Schema != "" {
			b.WriteString("Schema: " + entry.Schema + "\n")
		}
		b.WriteString("Table: " + entry.Table + "\n")
		b.WriteString("Column: " + entry.Column + "\n")
		b.WriteString("Description: " + entry.Description + "\n\n")
	}
	return b.String(), nil
}

func FormatExamples(entries []ExampleEntry) string {
	var b strings.Builder
	for _, entry := range entries {
		b.WriteString("Question: " + entry.Question + "\n")
		b.WriteString("Query: " + entry.Query + "\n\n")
	}
	return b.String()
}
