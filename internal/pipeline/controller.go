// Package pipeline turns one user question into a verified query result:
// generate SQL, execute it, repair it at most once, then chart the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duckmesh/biagent/internal/auth"
	"github.com/duckmesh/biagent/internal/chart"
	"github.com/duckmesh/biagent/internal/conversation"
	"github.com/duckmesh/biagent/internal/llm"
	"github.com/duckmesh/biagent/internal/observability"
	"github.com/duckmesh/biagent/internal/prompt"
	"github.com/duckmesh/biagent/internal/reference"
	"github.com/duckmesh/biagent/internal/registry"
	"github.com/duckmesh/biagent/internal/warehouse"
)

// maxExecutions bounds the executions per question: the first attempt and
// one repair.
const maxExecutions = 2

type Status string

const (
	StatusSucceeded            Status = "succeeded"
	StatusQueryFailed          Status = "query_failed"
	StatusNoSchema             Status = "no_schema"
	StatusModelUnavailable     Status = "model_unavailable"
	StatusWarehouseUnavailable Status = "warehouse_unavailable"
)

var ErrEmptyQuestion = errors.New("question is required")

type ChartSynthesizer interface {
	Synthesize(ctx context.Context, table warehouse.Table) chart.Artifact
}

type Config struct {
	// Pseudocode asks the model for a step-by-step plan before the SQL.
	Pseudocode  bool
	Generation  llm.Options
	PlanOptions llm.Options
}

type Controller struct {
	Gateway  llm.Gateway
	Executor warehouse.Executor
	Prompts  *prompt.Builder
	// Schema is the formatted schema text. Empty means no schema is known.
	Schema   string
	Examples reference.ExampleSource
	Charts   ChartSynthesizer
	Auditor  registry.Auditor
	Config   Config
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Result is the final outcome of one question.
type Result struct {
	Status   Status
	SQL      string
	Plan     string
	Attempts int
	Repaired bool
	Table    *warehouse.Table
	Chart    *chart.Artifact
	Failure  string
	Duration time.Duration
}

// Ask runs the pipeline for question and records every step in log. The
// returned error is only set for invalid input; pipeline failures are
// reported through Result.Status.
// Ask never modifies c, so one Controller serves all sessions concurrently.
func (c *Controller) Ask(ctx context.Context, log *conversation.Log, question string) (Result, error) {
	return c.withDefaults().ask(ctx, log, question)
}

func (c *Controller) ask(ctx context.Context, log *conversation.Log, question string) (Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Result{}, ErrEmptyQuestion
	}
	if log == nil {
		return Result{}, fmt.Errorf("conversation log is required")
	}
	if c.Gateway == nil || c.Executor == nil {
		return Result{}, fmt.Errorf("pipeline is not configured")
	}

	start := c.Clock()
	run := &run{controller: c, log: log, question: question, transcript: log.Transcript()}
	if err := run.append(conversation.Turn{Role: conversation.RoleUser, Kind: conversation.KindQuestion, Text: question}); err != nil {
		return Result{}, err
	}

	result := run.execute(ctx)
	result.Duration = c.Clock().Sub(start)

	observability.ObserveQuestion(string(result.Status))
	c.Logger.InfoContext(ctx, "question answered", append(observability.RequestAttrs(ctx),
		slog.String("status", string(result.Status)),
		slog.Int("attempts", result.Attempts),
		slog.Bool("repaired", result.Repaired),
		slog.Duration("duration", result.Duration),
	)...)
	c.audit(ctx, question, result)
	return result, nil
}

// withDefaults returns a copy of c with unset collaborators filled in.
func (c *Controller) withDefaults() *Controller {
	d := *c
	c = &d
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Prompts == nil {
		c.Prompts = prompt.NewBuilder("", "")
	}
	if c.Examples == nil {
		c.Examples = reference.AllExamples(nil)
	}
	if c.Config.Generation.MaxTokens <= 0 {
		c.Config.Generation.MaxTokens = 4000
	}
	if c.Config.PlanOptions.MaxTokens <= 0 {
		c.Config.PlanOptions = llm.Options{MaxTokens: 2000, Temperature: 0.1, Stream: c.Config.Generation.Stream}
	}
	return c
}

func (c *Controller) audit(ctx context.Context, question string, result Result) {
	if c.Auditor == nil {
		return
	}
	record := registry.QuestionAudit{
		SessionID:    observability.SessionIDFromContext(ctx),
		Question:     question,
		Status:       string(result.Status),
		FinalSQL:     result.SQL,
		Attempts:     result.Attempts,
		ErrorMessage: result.Failure,
		Duration:     result.Duration,
		CreatedAt:    c.Clock().UTC(),
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		record.OwnerID = identity.OwnerID
	}
	if result.Table != nil {
		record.RowCount = result.Table.Len()
	}
	// Audit failures never change the answer.
	if err := c.Auditor.RecordQuestion(context.WithoutCancel(ctx), record); err != nil {
		c.Logger.WarnContext(ctx, "question audit failed", append(observability.RequestAttrs(ctx), slog.Any("error", err))...)
	}
}
