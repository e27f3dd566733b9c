package warehouse

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

// Table is a query result: named columns and ordered rows.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func (t Table) Len() int {
	return len(t.Rows)
}

// Column returns the values of the named column, matched case-insensitively.
func (t Table) Column(name string) ([]any, bool) {
	index := -1
	for i, column := range t.Columns {
		if strings.EqualFold(column, name) {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, false
	}
	values := make([]any, len(t.Rows))
	for i, row := range t.Rows {
		if index < len(row) {
			values[i] = row[index]
		}
	}
	return values, true
}

// Render formats up to limit rows as an aligned text grid. A limit of zero or
// less renders every row.
func (t Table) Render(limit int) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(t.Columns, "\t"))
	rows := t.Rows
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = FormatValue(value)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()
	if hidden := len(t.Rows) - len(rows); hidden > 0 {
		fmt.Fprintf(&b, "... %d more rows\n", hidden)
	}
	fmt.Fprintf(&b, "[%d rows x %d columns]", len(t.Rows), len(t.Columns))
	return b.String()
}

func FormatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case string:
		return typed
	case time.Time:
		return typed.Format(time.RFC3339)
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}
