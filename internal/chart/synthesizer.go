package chart

import (
	"context"
	"errors"
	"log/slog"

	"github.com/duckmesh/biagent/internal/extract"
	"github.com/duckmesh/biagent/internal/llm"
	"github.com/duckmesh/biagent/internal/prompt"
	"github.com/duckmesh/biagent/internal/warehouse"
)

// Runner executes extracted chart code against a table.
type Runner interface {
	Run(ctx context.Context, code string, table warehouse.Table) (*Figure, error)
}

type SynthesizerConfig struct {
	PreviewRows int
	BrandColor  string
	Options     llm.Options
}

type Synthesizer struct {
	gateway llm.Gateway
	prompts *prompt.Builder
	runner  Runner
	cfg     SynthesizerConfig
	logger  *slog.Logger
}

// Artifact is the outcome of one chart request. Err is set when no figure
// could be produced; Code and Reply are kept for display either way.
type Artifact struct {
	Reply  string
	Code   string
	Figure *Figure
	Err    error
}

func (a Artifact) Status() string {
	switch {
	case a.Err == nil:
		return "ok"
	case errors.Is(a.Err, ErrNoCode):
		return "no_code"
	case errors.Is(a.Err, ErrNoFigure):
		return "no_figure"
	default:
		var typeErr *FigureTypeError
		if errors.As(a.Err, &typeErr) {
			return "wrong_type"
		}
		if _, ok := llm.AsGatewayError(a.Err); ok {
			return "model_error"
		}
		return "error"
	}
}

func NewSynthesizer(gateway llm.Gateway, prompts *prompt.Builder, runner Runner, cfg SynthesizerConfig, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = 20
	}
	return &Synthesizer{gateway: gateway, prompts: prompts, runner: runner, cfg: cfg, logger: logger}
}

// Synthesize asks the model for chart code for table and runs it. Failures
// are reported in the artifact and never returned as errors.
func (s *Synthesizer) Synthesize(ctx context.Context, table warehouse.Table) Artifact {
	messages := s.prompts.GenerateChart(table, s.cfg.PreviewRows)
	reply, err := llm.Complete(ctx, s.gateway, messages, s.cfg.Options)
	if err != nil {
		s.logger.WarnContext(ctx, "chart code request failed", "error", err)
		return Artifact{Reply: reply, Err: err}
	}

	artifact := Artifact{Reply: reply, Code: extract.ChartCode(reply)}
	if artifact.Code == "" {
		artifact.Err = ErrNoCode
		return artifact
	}

	figure, err := s.runner.Run(ctx, artifact.Code, table)
	if err != nil {
		s.logger.WarnContext(ctx, "chart code failed", "error", err)
		artifact.Err = err
		return artifact
	}
	ApplyHouseStyle(figure, s.cfg.BrandColor)
	artifact.Figure = figure
	return artifact
}
