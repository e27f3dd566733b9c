// Package chart runs model-written chart code in a restricted interpreter and
// captures the figure it produces. Figures serialize to Plotly JSON.
package chart

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// Figure is a set of traces plus layout, marshalled as {"data", "layout"}.
type Figure struct {
	Traces []*Trace `json:"data"`
	Layout Layout   `json:"layout"`
}

type Layout struct {
	Title        *Text    `json:"title,omitempty"`
	XAxis        *Axis    `json:"xaxis,omitempty"`
	YAxis        *Axis    `json:"yaxis,omitempty"`
	PaperBGColor string   `json:"paper_bgcolor,omitempty"`
	PlotBGColor  string   `json:"plot_bgcolor,omitempty"`
	Font         *Font    `json:"font,omitempty"`
	Colorway     []string `json:"colorway,omitempty"`
	ShowLegend   *bool    `json:"showlegend,omitempty"`
	BarMode      string   `json:"barmode,omitempty"`
}

type Text struct {
	Text string `json:"text"`
	Font *Font  `json:"font,omitempty"`
}

type Axis struct {
	Title     *Text  `json:"title,omitempty"`
	GridColor string `json:"gridcolor,omitempty"`
}

type Font struct {
	Color string  `json:"color,omitempty"`
	Size  float64 `json:"size,omitempty"`
}

type Trace struct {
	Type        string  `json:"type"`
	Name        string  `json:"name,omitempty"`
	Mode        string  `json:"mode,omitempty"`
	Orientation string  `json:"orientation,omitempty"`
	Fill        string  `json:"fill,omitempty"`
	X           []any   `json:"x,omitempty"`
	Y           []any   `json:"y,omitempty"`
	Labels      []any   `json:"labels,omitempty"`
	Values      []any   `json:"values,omitempty"`
	Marker      *Marker `json:"marker,omitempty"`
}

type Marker struct {
	Color  string   `json:"color,omitempty"`
	Colors []string `json:"colors,omitempty"`
}

func NewFigure() *Figure {
	return &Figure{}
}

func (f *Figure) Add(traces ...*Trace) *Figure {
	for _, trace := range traces {
		if trace != nil {
			f.Traces = append(f.Traces, trace)
		}
	}
	return f
}

func (f *Figure) SetTitle(title string) *Figure {
	f.Layout.Title = &Text{Text: title}
	return f
}

func (f *Figure) SetAxisTitles(x, y string) *Figure {
	f.Layout.XAxis = &Axis{Title: &Text{Text: x}}
	f.Layout.YAxis = &Axis{Title: &Text{Text: y}}
	return f
}

func (f *Figure) SetBarMode(mode string) *Figure {
	f.Layout.BarMode = mode
	return f
}

func (f *Figure) SetShowLegend(show bool) *Figure {
	f.Layout.ShowLegend = &show
	return f
}

// JSON returns the Plotly document for the figure.
func (f *Figure) JSON() (json.RawMessage, error) {
	if f.Traces == nil {
		f.Traces = []*Trace{}
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal figure: %w", err)
	}
	return raw, nil
}

func Bar(name string, x, y any) *Trace {
	return &Trace{Type: "bar", Name: name, X: values(x), Y: values(y)}
}

func HorizontalBar(name string, x, y any) *Trace {
	return &Trace{Type: "bar", Name: name, Orientation: "h", X: values(x), Y: values(y)}
}

func Line(name string, x, y any) *Trace {
	return &Trace{Type: "scatter", Mode: "lines+markers", Name: name, X: values(x), Y: values(y)}
}

func Area(name string, x, y any) *Trace {
	trace := Line(name, x, y)
	trace.Mode = "lines"
	trace.Fill = "tozeroy"
	return trace
}

func Scatter(name string, x, y any) *Trace {
	return &Trace{Type: "scatter", Mode: "markers", Name: name, X: values(x), Y: values(y)}
}

func Pie(name string, labels, vals any) *Trace {
	return &Trace{Type: "pie", Name: name, Labels: values(labels), Values: values(vals)}
}

func Histogram(name string, x any) *Trace {
	return &Trace{Type: "histogram", Name: name, X: values(x)}
}

func (t *Trace) SetColor(color string) *Trace {
	if t.Marker == nil {
		t.Marker = &Marker{}
	}
	t.Marker.Color = color
	return t
}

func (t *Trace) SetColors(colors ...string) *Trace {
	if t.Marker == nil {
		t.Marker = &Marker{}
	}
	t.Marker.Colors = colors
	return t
}

func (t *Trace) SetName(name string) *Trace {
	t.Name = name
	return t
}

func (t *Trace) SetMode(mode string) *Trace {
	t.Mode = mode
	return t
}

// values flattens any slice or array into JSON-safe values. NaN and
// infinities become null.
func values(v any) []any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{jsonSafe(v)}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = jsonSafe(rv.Index(i).Interface())
	}
	return out
}

func jsonSafe(v any) any {
	switch typed := v.(type) {
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(typed)) || math.IsInf(float64(typed), 0) {
			return nil
		}
	case time.Time:
		return typed.Format(time.RFC3339)
	case []byte:
		return string(typed)
	}
	return v
}

// ApplyHouseStyle fills in the brand look without overriding choices the
// chart code made explicitly.
func ApplyHouseStyle(f *Figure, brandColor string) {
	brandColor = strings.TrimSpace(brandColor)
	if brandColor == "" {
		brandColor = "#6A0DAD"
	}
	palette := Shades(brandColor, 6)
	layout := &f.Layout
	if layout.PaperBGColor == "" {
		layout.PaperBGColor = "#FFFFFF"
	}
	if layout.PlotBGColor == "" {
		layout.PlotBGColor = "#FFFFFF"
	}
	if layout.Font == nil {
		layout.Font = &Font{Color: "#1F1F1F", Size: 13}
	}
	if len(layout.Colorway) == 0 {
		layout.Colorway = palette
	}
	if layout.Title != nil && layout.Title.Font == nil {
		layout.Title.Font = &Font{Color: "#1F1F1F", Size: 18}
	}
	for _, axis := range []*Axis{layout.XAxis, layout.YAxis} {
		if axis != nil && axis.GridColor == "" {
			axis.GridColor = "#E6E0EE"
		}
	}
	for i, trace := range f.Traces {
		if trace.Type == "pie" {
			if trace.Marker == nil || len(trace.Marker.Colors) == 0 {
				trace.SetColors(palette...)
			}
			continue
		}
		if trace.Marker == nil || trace.Marker.Color == "" {
			trace.SetColor(palette[i%len(palette)])
		}
	}
}

// Shades returns n colours from base towards white. An unparseable base
// yields n copies of it.
func Shades(base string, n int) []string {
	if n <= 0 {
		return nil
	}
	r, g, b, ok := parseHex(base)
	out := make([]string, n)
	for i := range out {
		if !ok {
			out[i] = base
			continue
		}
		mix := float64(i) / float64(n+1)
		out[i] = fmt.Sprintf("#%02X%02X%02X", lighten(r, mix), lighten(g, mix), lighten(b, mix))
	}
	return out
}

func lighten(c uint8, mix float64) uint8 {
	return uint8(math.Round(float64(c) + (255-float64(c))*mix))
}

func parseHex(color string) (uint8, uint8, uint8, bool) {
	color = strings.TrimPrefix(strings.TrimSpace(color), "#")
	if len(color) != 6 {
		return 0, 0, 0, false
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(color, "%02x%02x%02x", &r, &g, &b); err != nil {
		return 0, 0, 0, false
	}
	return r, g, b, true
}
