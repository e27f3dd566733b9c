package chart

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/duckmesh/biagent/internal/warehouse"
)

func salesTable() warehouse.Table {
	return warehouse.Table{
		Columns: []string{"region", "total"},
		Rows:    [][]any{{"east", 10.0}, {"west", 12.5}},
	}
}

func TestSandboxRunsChartCode(t *testing.T) {
	code := `
import "strings"

fig := chart.NewFigure()
fig.Add(chart.Bar("Sales", df.Strings("region"), df.Floats("total")).SetColor("#6A0DAD"))
fig.SetTitle(strings.ToUpper("sales by region"))
fig.SetAxisTitles("Region", "Total")
`
	fig, err := NewSandbox(5*time.Second).Run(context.Background(), code, salesTable())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(fig.Traces) != 1 || fig.Traces[0].Type != "bar" {
		t.Fatalf("traces = %+v", fig.Traces)
	}
	if fig.Layout.Title.Text != "SALES BY REGION" {
		t.Fatalf("title = %q", fig.Layout.Title.Text)
	}
	if len(fig.Traces[0].X) != 2 || fig.Traces[0].X[1] != "west" {
		t.Fatalf("x = %v", fig.Traces[0].X)
	}
}

func TestSandboxSeesOnlyGivenTable(t *testing.T) {
	code := `
if df.Len() != 2 || !df.Has("total") {
	panic("unexpected table")
}
fig := chart.NewFigure()
`
	if _, err := NewSandbox(0).Run(context.Background(), code, salesTable()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestSandboxAcceptsAliasedAndBlockImports(t *testing.T) {
	code := `
import (
	s "strings"
	"math"
	"chart"
)

fig := chart.NewFigure().SetTitle(s.Repeat("a", int(math.Sqrt(9))))
`
	fig, err := NewSandbox(0).Run(context.Background(), code, salesTable())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fig.Layout.Title.Text != "aaa" {
		t.Fatalf("title = %q", fig.Layout.Title.Text)
	}
}

func TestSandboxFailures(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		check func(t *testing.T, err error)
	}{
		{
			name:  "empty code",
			code:  "  ",
			check: wantIs(ErrNoCode),
		},
		{
			name:  "no fig binding",
			code:  `x := chart.NewFigure()` + "\n" + `_ = x`,
			check: wantIs(ErrNoFigure),
		},
		{
			name:  "nil fig",
			code:  `var fig *chart.Figure`,
			check: wantIs(ErrNoFigure),
		},
		{
			name: "wrong fig type",
			code: `fig := 42`,
			check: func(t *testing.T, err error) {
				var typeErr *FigureTypeError
				if !errors.As(err, &typeErr) || typeErr.Type != "int" {
					t.Fatalf("error = %v, want *FigureTypeError(int)", err)
				}
			},
		},
		{
			name:  "forbidden import",
			code:  `import "os"` + "\n" + `fig := chart.NewFigure()` + "\n" + `_ = os.Getenv("HOME")`,
			check: wantSandboxStage("validate", "not allowed"),
		},
		{
			name:  "forbidden import in block",
			code:  "import (\n\t\"net/http\"\n)\nfig := chart.NewFigure()",
			check: wantSandboxStage("validate", "net/http"),
		},
		{
			name:  "package clause",
			code:  "package main\n\nfig := chart.NewFigure()",
			check: wantSandboxStage("validate", "package"),
		},
		{
			name:  "func main",
			code:  "func main() {\n\tfig := chart.NewFigure()\n\t_ = fig\n}",
			check: wantSandboxStage("validate", "func main"),
		},
		{
			name:  "host packages unreachable without import",
			code:  `fig := chart.NewFigure()` + "\n" + `_ = os.Getenv("HOME")`,
			check: wantSandboxStage("run", ""),
		},
		{
			name:  "go statement",
			code:  "go func() {\n\tfor {\n\t}\n}()\nfig := chart.NewFigure()",
			check: wantSandboxStage("validate", "go statements"),
		},
		{
			name:  "runtime panic",
			code:  "fig := chart.NewFigure()\nvar xs []int\nn := xs[3]\nfig.SetTitle(string(rune(n)))",
			check: wantSandboxStage("run", ""),
		},
		{
			name:  "syntax error",
			code:  "fig := chart.NewFigure(",
			check: wantSandboxStage("run", ""),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fig, err := NewSandbox(2*time.Second).Run(context.Background(), tc.code, salesTable())
			if fig != nil {
				t.Fatalf("Run() figure = %+v, want nil", fig)
			}
			tc.check(t, err)
		})
	}
}

func TestSandboxDiscardsPrintedOutput(t *testing.T) {
	code := "import \"fmt\"\nfmt.Println(\"hi\")\nfig := chart.NewFigure().SetTitle(fmt.Sprintf(\"%d rows\", df.Len()))"
	fig, err := NewSandbox(2*time.Second).Run(context.Background(), code, salesTable())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fig.Layout.Title.Text != "2 rows" {
		t.Fatalf("title = %q", fig.Layout.Title.Text)
	}
}

func TestRejectGoStatementsIgnoresStringsAndIdentifiers(t *testing.T) {
	body := "gopher := \"go home\"\n// go func() {}()\n_ = gopher"
	if err := rejectGoStatements(body); err != nil {
		t.Fatalf("rejectGoStatements() error = %v", err)
	}
	if err := rejectGoStatements("x := 1; go f(x)"); err == nil {
		t.Fatal("rejectGoStatements() expected error")
	}
}

func TestAllowedSymbolsKeepsOnlyAllowedPackages(t *testing.T) {
	exports := allowedSymbols()
	if _, ok := exports["fmt/fmt"]; !ok {
		t.Fatal("fmt/fmt missing from exports")
	}
	if _, ok := exports["os/os"]; ok {
		t.Fatal("os/os must not be exported")
	}
	for key := range exports {
		slash := strings.LastIndex(key, "/")
		if slash < 0 || !allowedPackages[key[:slash]] {
			t.Fatalf("unexpected export %q", key)
		}
	}
}

func TestSandboxTimeout(t *testing.T) {
	code := "n := 0\nfor {\n\tn++\n}\nfig := chart.NewFigure()"
	start := time.Now()
	_, err := NewSandbox(200*time.Millisecond).Run(context.Background(), code, salesTable())
	var sandboxErr *SandboxError
	if !errors.As(err, &sandboxErr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Run() took %s", elapsed)
	}
}

func TestSplitImports(t *testing.T) {
	specs, body, err := splitImports("import \"math\"\nimport c \"chart\"\nimport \"chart\"\nx := math.Pi")
	if err != nil {
		t.Fatalf("splitImports() error = %v", err)
	}
	if len(specs) != 2 || specs[0] != `"math"` || specs[1] != `c "chart"` {
		t.Fatalf("specs = %q", specs)
	}
	if strings.Contains(body, "import") || !strings.Contains(body, "x := math.Pi") {
		t.Fatalf("body = %q", body)
	}
}

func wantIs(target error) func(t *testing.T, err error) {
	return func(t *testing.T, err error) {
		t.Helper()
		if !errors.Is(err, target) {
			t.Fatalf("error = %v, want %v", err, target)
		}
	}
}

func wantSandboxStage(stage, contains string) func(t *testing.T, err error) {
	return func(t *testing.T, err error) {
		t.Helper()
		var sandboxErr *SandboxError
		if !errors.As(err, &sandboxErr) {
			t.Fatalf("error = %v, want *SandboxError", err)
		}
		if sandboxErr.Stage != stage {
			t.Fatalf("Stage = %q, want %q (error %v)", sandboxErr.Stage, stage, err)
		}
		if contains != "" && !strings.Contains(err.Error(), contains) {
			t.Fatalf("error = %v, want substring %q", err, contains)
		}
	}
}
