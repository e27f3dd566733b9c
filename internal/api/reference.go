package api

import (
	"net/http"

	"github.com/duckmesh/biagent/internal/reference"
)

type schemaResponse struct {
	Entries   []reference.SchemaEntry `json:"entries"`
	Formatted string                  `json:"formatted"`
	Tables    []string                `json:"tables"`
}

func handleReferenceSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRead(r); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	if deps.Reference == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "REFERENCE_NOT_CONFIGURED", "reference data is not configured", false, nil)
		return
	}

	entries := deps.Reference.Entries
	if entries == nil {
		entries = []reference.SchemaEntry{}
	}
	writeJSON(w, http.StatusOK, schemaResponse{
		Entries:   entries,
		Formatted: deps.Reference.Formatted,
		Tables:    tableNames(entries),
	})
}

// tableNames lists distinct qualified table names in first-seen order.
func tableNames(entries []reference.SchemaEntry) []string {
	seen := make(map[string]struct{}, len(entries))
	names := make([]string, 0)
	for _, entry := range entries {
		name := entry.Table
		if entry.Schema != "" {
			name = entry.Schema + "." + entry.Table
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}
