package reference

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// Filter is a compiled CEL predicate over schema rows. The expression sees
// the string variables schema, table, column, description and status, plus
// the CEL strings extension, e.g. `table.startsWith("SALES") && status != "retired"`.
type Filter struct {
	expr    string
	program cel.Program
}

func NewFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("schema", cel.StringType),
		cel.Variable("table", cel.StringType),
		cel.Variable("column", cel.StringType),
		cel.Variable("description", cel.StringType),
		cel.Variable("status", cel.StringType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("create filter environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile schema filter %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("schema filter %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build schema filter %q: %w", expr, err)
	}
	return &Filter{expr: expr, program: program}, nil
}

func (f *Filter) String() string {
	return f.expr
}

func (f *Filter) Match(entry SchemaEntry) (bool, error) {
	out, _, err := f.program.Eval(map[string]any{
		"schema":      entry.Schema,
		"table":       entry.Table,
		"column":      entry.Column,
		"description": entry.Description,
		"status":      entry.Status,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate schema filter on %s.%s: %w", entry.Table, entry.Column, err)
	}
	keep, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("schema filter returned %T, want bool", out.Value())
	}
	return keep, nil
}
