package chart

import (
	"errors"
	"fmt"
)

var (
	ErrNoCode   = errors.New("chart: reply contained no go code block")
	ErrNoFigure = errors.New("chart: no figure produced")
)

// FigureTypeError reports that fig was bound to something other than a
// *chart.Figure.
type FigureTypeError struct {
	Type string
}

func (e *FigureTypeError) Error() string {
	return fmt.Sprintf("chart: fig has type %s, want *chart.Figure", e.Type)
}

// SandboxError wraps a failure of the generated code itself.
type SandboxError struct {
	Stage string
	Err   error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("chart code failed during %s: %v", e.Stage, e.Err)
}

func (e *SandboxError) Unwrap() error {
	return e.Err
}
