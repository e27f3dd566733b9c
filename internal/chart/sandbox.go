package chart

import (
	"context"
	"errors"
	"fmt"
	"go/scanner"
	"go/token"
	"io"
	"io/fs"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/duckmesh/biagent/internal/warehouse"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const figureName = "fig"

// allowedPackages are the only imports chart code may use besides chart.
var allowedPackages = map[string]bool{
	"math":    true,
	"strings": true,
	"sort":    true,
	"strconv": true,
	"fmt":     true,
}

var (
	packageClause = regexp.MustCompile(`(?m)^\s*package\s+\w+`)
	mainFunc      = regexp.MustCompile(`(?m)^\s*func\s+main\s*\(`)
	importBlock   = regexp.MustCompile(`(?ms)^\s*import\s*\((.*?)\)`)
	importLine    = regexp.MustCompile(`(?m)^\s*import\s+((?:[A-Za-z_][A-Za-z0-9_]*\s+)?"[^"]*")\s*$`)
	importSpec    = regexp.MustCompile(`^(?:([A-Za-z_][A-Za-z0-9_]*)\s+)?("[^"]*")$`)
)

// Sandbox evaluates chart code in a fresh interpreter per run. The code sees
// the chart package, a handful of pure stdlib packages and df; it has no
// filesystem, network, environment or process access.
type Sandbox struct {
	timeout time.Duration
}

func NewSandbox(timeout time.Duration) *Sandbox {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sandbox{timeout: timeout}
}

// Run executes code with df bound to table and returns the value left in fig.
func (s *Sandbox) Run(ctx context.Context, code string, table warehouse.Table) (fig *Figure, err error) {
	if strings.TrimSpace(code) == "" {
		return nil, ErrNoCode
	}
	specs, body, err := splitImports(code)
	if err != nil {
		return nil, &SandboxError{Stage: "validate", Err: err}
	}
	if packageClause.MatchString(body) {
		return nil, &SandboxError{Stage: "validate", Err: errors.New("package clauses are not allowed; write top-level statements")}
	}
	if mainFunc.MatchString(body) {
		return nil, &SandboxError{Stage: "validate", Err: errors.New("func main is not allowed; write top-level statements")}
	}
	if err := rejectGoStatements(body); err != nil {
		return nil, &SandboxError{Stage: "validate", Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			fig = nil
			err = &SandboxError{Stage: "run", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	i := interp.New(interp.Options{
		Stdout:               io.Discard,
		Stderr:               io.Discard,
		Args:                 []string{},
		Env:                  []string{},
		SourcecodeFilesystem: emptyFS{},
	})
	if err := i.Use(allowedSymbols()); err != nil {
		return nil, fmt.Errorf("load sandbox symbols: %w", err)
	}
	if err := i.Use(chartSymbols(NewFrame(table))); err != nil {
		return nil, fmt.Errorf("load chart symbols: %w", err)
	}
	if _, err := i.Eval(importSource(specs)); err != nil {
		return nil, &SandboxError{Stage: "import", Err: err}
	}
	if _, err := i.Eval("var df = chart.Input()"); err != nil {
		return nil, fmt.Errorf("bind df: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := i.EvalWithContext(runCtx, body); err != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return nil, &SandboxError{Stage: "run", Err: ctxErr}
		}
		return nil, &SandboxError{Stage: "run", Err: err}
	}

	value, err := i.Eval(figureName)
	if err != nil || !value.IsValid() {
		return nil, ErrNoFigure
	}
	if (value.Kind() == reflect.Pointer || value.Kind() == reflect.Interface) && value.IsNil() {
		return nil, ErrNoFigure
	}
	figure, ok := value.Interface().(*Figure)
	if !ok {
		return nil, &FigureTypeError{Type: value.Type().String()}
	}
	return figure, nil
}

// emptyFS keeps the interpreter from resolving imports against the host
// filesystem.
type emptyFS struct{}

func (emptyFS) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

// splitImports removes import declarations from code and returns their specs
// after checking each path against the allow-list.
func splitImports(code string) ([]string, string, error) {
	var specs []string
	var failure error
	collect := func(spec string) {
		spec = strings.TrimSpace(spec)
		if spec == "" || strings.HasPrefix(spec, "//") {
			return
		}
		match := importSpec.FindStringSubmatch(spec)
		if match == nil {
			failure = errors.Join(failure, fmt.Errorf("malformed import %q", spec))
			return
		}
		path, err := strconv.Unquote(match[2])
		if err != nil {
			failure = errors.Join(failure, fmt.Errorf("malformed import %q", spec))
			return
		}
		if path == "chart" && match[1] == "" {
			return
		}
		if path != "chart" && !allowedPackages[path] {
			failure = errors.Join(failure, fmt.Errorf("import %q is not allowed", path))
			return
		}
		specs = append(specs, spec)
	}

	body := importBlock.ReplaceAllStringFunc(code, func(block string) string {
		inner := importBlock.FindStringSubmatch(block)[1]
		for _, line := range strings.Split(inner, "\n") {
			for _, spec := range strings.Split(line, ";") {
				collect(spec)
			}
		}
		return ""
	})
	body = importLine.ReplaceAllStringFunc(body, func(line string) string {
		collect(importLine.FindStringSubmatch(line)[1])
		return ""
	})
	if failure != nil {
		return nil, "", failure
	}
	return specs, body, nil
}

func importSource(specs []string) string {
	var b strings.Builder
	b.WriteString("import (\n\t\"chart\"\n")
	for _, spec := range specs {
		b.WriteString("\t")
		b.WriteString(spec)
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String()
}

// allowedSymbols narrows the yaegi stdlib to the allowed packages. Keys
// without a package path, such as ".", are skipped. The interpreter binds
// fmt's print functions to its stdout, which Run discards.
func allowedSymbols() interp.Exports {
	exports := interp.Exports{}
	for key, symbols := range stdlib.Symbols {
		slash := strings.LastIndex(key, "/")
		if slash < 0 {
			continue
		}
		if allowedPackages[key[:slash]] {
			exports[key] = symbols
		}
	}
	return exports
}

// rejectGoStatements fails on any go keyword. Goroutines started by chart
// code would outlive the run timeout.
func rejectGoStatements(body string) error {
	file := token.NewFileSet().AddFile("chart.go", -1, len(body))
	var s scanner.Scanner
	s.Init(file, []byte(body), nil, 0)
	for {
		pos, tok, _ := s.Scan()
		switch tok {
		case token.EOF:
			return nil
		case token.GO:
			return fmt.Errorf("go statements are not allowed (offset %d)", file.Offset(pos))
		}
	}
}

func chartSymbols(frame *Frame) interp.Exports {
	return interp.Exports{
		"chart/chart": {
			"Figure": reflect.ValueOf((*Figure)(nil)),
			"Trace":  reflect.ValueOf((*Trace)(nil)),
			"Frame":  reflect.ValueOf((*Frame)(nil)),

			"NewFigure":     reflect.ValueOf(NewFigure),
			"Bar":           reflect.ValueOf(Bar),
			"HorizontalBar": reflect.ValueOf(HorizontalBar),
			"Line":          reflect.ValueOf(Line),
			"Area":          reflect.ValueOf(Area),
			"Scatter":       reflect.ValueOf(Scatter),
			"Pie":           reflect.ValueOf(Pie),
			"Histogram":     reflect.ValueOf(Histogram),
			"Shades":        reflect.ValueOf(Shades),
			"Input":         reflect.ValueOf(func() *Frame { return frame }),
		},
	}
}
