package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	tableNamePattern     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
)

// TableFilePath returns the object key of one parquet file of a warehouse
// table: <root>/<table>/<file>.parquet.
func TableFilePath(root, table, file string) (string, error) {
	if err := ValidateTableName(table); err != nil {
		return "", err
	}
	file = strings.TrimSuffix(file, ".parquet")
	if err := validatePathComponent(file, "file name"); err != nil {
		return "", err
	}
	return path.Join(cleanRoot(root), table, file+".parquet"), nil
}

// TableFromKey is the inverse of TableFilePath. Keys that are not parquet
// files directly below a table directory are rejected.
func TableFromKey(root, key string) (string, bool) {
	rel := strings.TrimPrefix(key, "/")
	if r := cleanRoot(root); r != "" {
		var ok bool
		rel, ok = strings.CutPrefix(rel, r+"/")
		if !ok {
			return "", false
		}
	}
	table, file, ok := strings.Cut(rel, "/")
	if !ok || strings.Contains(file, "/") || !strings.HasSuffix(file, ".parquet") {
		return "", false
	}
	if ValidateTableName(table) != nil {
		return "", false
	}
	return table, true
}

func ValidateTableName(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("invalid table name: %q", table)
	}
	return nil
}

func cleanRoot(root string) string {
	root = strings.Trim(strings.TrimSpace(root), "/")
	if root == "" {
		return ""
	}
	return path.Clean(root)
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
