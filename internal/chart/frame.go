package chart

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/duckmesh/biagent/internal/warehouse"
)

// Frame is the read-only view of the query result handed to chart code as df.
type Frame struct {
	table warehouse.Table
}

func NewFrame(table warehouse.Table) *Frame {
	return &Frame{table: table}
}

func (f *Frame) Columns() []string {
	return append([]string(nil), f.table.Columns...)
}

func (f *Frame) Len() int {
	return f.table.Len()
}

func (f *Frame) Has(name string) bool {
	_, ok := f.table.Column(name)
	return ok
}

// Column returns the raw values of a column, or nil when it does not exist.
func (f *Frame) Column(name string) []any {
	values, _ := f.table.Column(name)
	return values
}

func (f *Frame) Strings(name string) []string {
	values := f.Column(name)
	out := make([]string, len(values))
	for i, value := range values {
		out[i] = warehouse.FormatValue(value)
	}
	return out
}

// Floats converts a column to numbers. Values that are not numeric become NaN.
func (f *Frame) Floats(name string) []float64 {
	values := f.Column(name)
	out := make([]float64, len(values))
	for i, value := range values {
		out[i] = toFloat(value)
	}
	return out
}

func (f *Frame) Row(i int) []any {
	if i < 0 || i >= len(f.table.Rows) {
		return nil
	}
	return append([]any(nil), f.table.Rows[i]...)
}

func toFloat(value any) float64 {
	switch typed := value.(type) {
	case float64:
		return typed
	case float32:
		return float64(typed)
	case int:
		return float64(typed)
	case int8:
		return float64(typed)
	case int16:
		return float64(typed)
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case uint:
		return float64(typed)
	case uint8:
		return float64(typed)
	case uint16:
		return float64(typed)
	case uint32:
		return float64(typed)
	case uint64:
		return float64(typed)
	case bool:
		if typed {
			return 1
		}
		return 0
	case time.Time:
		return float64(typed.Unix())
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return math.NaN()
		}
		return parsed
	case fmt.Stringer:
		parsed, err := strconv.ParseFloat(typed.String(), 64)
		if err != nil {
			return math.NaN()
		}
		return parsed
	default:
		return math.NaN()
	}
}
