package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/duckmesh/biagent/internal/chart"
	"github.com/duckmesh/biagent/internal/conversation"
	"github.com/duckmesh/biagent/internal/extract"
	"github.com/duckmesh/biagent/internal/llm"
	"github.com/duckmesh/biagent/internal/observability"
	"github.com/duckmesh/biagent/internal/prompt"
	"github.com/duckmesh/biagent/internal/reference"
	"github.com/duckmesh/biagent/internal/warehouse"
)

// run is the state of one Ask call.
type run struct {
	controller *Controller
	log        *conversation.Log
	question   string
	transcript string
	result     Result
}

func (r *run) execute(ctx context.Context) Result {
	c := r.controller

	if c.Config.Pseudocode && c.Schema != "" {
		plan, ok := r.plan(ctx)
		if !ok {
			return r.result
		}
		r.result.Plan = plan
	}

	examples := r.examples(ctx)
	messages := c.Prompts.GenerateSQL(prompt.Input{
		Schema:     c.Schema,
		Examples:   examples,
		Transcript: r.transcript,
		Question:   r.question,
		Plan:       r.result.Plan,
	})
	reply, err := r.complete(ctx, prompt.KindGenerateSQL, messages, c.Config.Generation)
	if err != nil {
		return r.modelUnavailable(ctx, err)
	}
	sqlText := extract.Query(reply)
	r.result.SQL = sqlText
	r.appendAssistant(ctx, conversation.Turn{Kind: conversation.KindReply, Text: reply, SQL: sqlText})

	if c.Schema == "" {
		r.result.Status = StatusNoSchema
		r.result.Failure = prompt.NoSchemaMessage
		return r.result
	}

	for attempt := 1; attempt <= maxExecutions; attempt++ {
		table, err := r.executeSQL(ctx, attempt, sqlText)
		if err == nil {
			return r.succeed(ctx, sqlText, table)
		}
		queryErr, ok := warehouse.AsQueryError(err)
		if !ok {
			return r.fail(ctx, StatusWarehouseUnavailable, err.Error(), sqlText)
		}
		if attempt == maxExecutions {
			return r.fail(ctx, StatusQueryFailed, queryErr.Message, sqlText)
		}

		observability.IncrementRepairAttempts()
		messages := c.Prompts.RepairSQL(prompt.Input{
			Schema:     c.Schema,
			SQL:        sqlText,
			Error:      queryErr.Message,
			Transcript: r.log.Transcript(),
		})
		reply, err := r.complete(ctx, prompt.KindRepairSQL, messages, c.Config.Generation)
		if err != nil {
			return r.modelUnavailable(ctx, err)
		}
		sqlText = extract.Query(reply)
		r.result.SQL = sqlText
		r.result.Repaired = true
		r.appendAssistant(ctx, conversation.Turn{Kind: conversation.KindReply, Text: reply, SQL: sqlText})
	}
	return r.result
}

func (r *run) plan(ctx context.Context) (string, bool) {
	c := r.controller
	messages := c.Prompts.Pseudocode(prompt.Input{
		Schema:     c.Schema,
		Examples:   r.examples(ctx),
		Transcript: r.transcript,
		Question:   r.question,
	})
	reply, err := r.complete(ctx, prompt.KindPseudocode, messages, c.Config.PlanOptions)
	if err != nil {
		r.modelUnavailable(ctx, err)
		return "", false
	}
	r.appendAssistant(ctx, conversation.Turn{Kind: conversation.KindPlan, Text: reply})
	return reply, true
}

func (r *run) examples(ctx context.Context) string {
	c := r.controller
	examples, err := c.Examples.ExamplesFor(ctx, r.question)
	if err != nil {
		c.Logger.WarnContext(ctx, "example retrieval failed", append(observability.RequestAttrs(ctx), slog.Any("error", err))...)
		return ""
	}
	return reference.FormatExamples(examples)
}

func (r *run) complete(ctx context.Context, kind prompt.Kind, messages []llm.Message, opts llm.Options) (string, error) {
	c := r.controller
	c.Logger.DebugContext(ctx, "model call", append(observability.RequestAttrs(ctx),
		slog.String("task", string(kind)),
		slog.Int("estimated_tokens", llm.EstimateTokens(messages)),
		slog.Bool("stream", opts.Stream),
	)...)
	start := c.Clock()
	reply, err := llm.Complete(ctx, c.Gateway, messages, opts)
	observability.ObserveModelCall(string(kind), err, c.Clock().Sub(start))
	if err != nil {
		c.Logger.WarnContext(ctx, "model call failed", append(observability.RequestAttrs(ctx),
			slog.String("task", string(kind)),
			slog.Any("error", err),
		)...)
		return "", err
	}
	return reply, nil
}

func (r *run) executeSQL(ctx context.Context, attempt int, sqlText string) (warehouse.Table, error) {
	c := r.controller
	r.result.Attempts = attempt
	start := c.Clock()
	table, err := c.Executor.Execute(ctx, sqlText)
	elapsed := c.Clock().Sub(start)

	status := "ok"
	if err != nil {
		status = "unavailable"
		if _, ok := warehouse.AsQueryError(err); ok {
			status = "query_error"
		}
	}
	observability.ObserveQueryExecution(status, elapsed)
	c.Logger.InfoContext(ctx, "query executed", append(observability.RequestAttrs(ctx),
		slog.Int("attempt", attempt),
		slog.String("status", status),
		slog.Int("rows", table.Len()),
		slog.Duration("elapsed", elapsed),
	)...)
	return table, err
}

func (r *run) succeed(ctx context.Context, sqlText string, table warehouse.Table) Result {
	c := r.controller
	r.result.Status = StatusSucceeded
	r.result.SQL = sqlText
	r.result.Table = &table
	r.appendAssistant(ctx, conversation.Turn{Kind: conversation.KindTable, SQL: sqlText, Table: &table})

	if c.Charts == nil {
		return r.result
	}
	artifact := c.Charts.Synthesize(ctx, table)
	observability.ObserveChartRender(artifact.Status())
	r.result.Chart = &artifact
	r.appendAssistant(ctx, chartTurn(artifact))
	return r.result
}

func (r *run) fail(ctx context.Context, status Status, message, sqlText string) Result {
	r.result.Status = status
	r.result.Failure = message
	r.appendAssistant(ctx, conversation.Turn{Kind: conversation.KindError, Text: message, SQL: sqlText})
	return r.result
}

func (r *run) modelUnavailable(ctx context.Context, err error) Result {
	message := err.Error()
	if gatewayErr, ok := llm.AsGatewayError(err); ok {
		message = fmt.Sprintf("model unavailable (%s): %v", gatewayErr.Kind, gatewayErr.Err)
	}
	return r.fail(ctx, StatusModelUnavailable, message, r.result.SQL)
}

// appendAssistant records an assistant turn. A rejected turn is logged and
// the run continues, since the result is still returned to the caller.
func (r *run) appendAssistant(ctx context.Context, turn conversation.Turn) {
	turn.Role = conversation.RoleAssistant
	if err := r.append(turn); err != nil {
		r.controller.Logger.ErrorContext(ctx, "conversation append failed", append(observability.RequestAttrs(ctx),
			slog.String("kind", string(turn.Kind)),
			slog.Any("error", err),
		)...)
	}
}

func (r *run) append(turn conversation.Turn) error {
	if err := r.log.Append(turn); err != nil {
		return fmt.Errorf("append %s turn: %w", turn.Kind, err)
	}
	return nil
}

func chartTurn(artifact chart.Artifact) conversation.Turn {
	turn := conversation.Turn{Kind: conversation.KindChart, Code: artifact.Code}
	if artifact.Err != nil {
		turn.Text = artifact.Err.Error()
		return turn
	}
	raw, err := artifact.Figure.JSON()
	if err != nil {
		turn.Text = err.Error()
		return turn
	}
	turn.Figure = raw
	return turn
}
