package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

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

const salesSchema = "Table: SALES\nColumn: AMOUNT\nDescription: order total\n\n"

func TestAskSucceedsWithoutRepair(t *testing.T) {
	gateway := &scriptedGateway{replies: []string{"Generated SQL Query:\nSELECT SUM(AMOUNT) FROM SALES"}}
	executor := &scriptedExecutor{results: []execResult{{table: oneRow()}}}
	charts := &recordingCharts{}
	controller := newController(gateway, executor, charts)
	log := conversation.NewLog()

	result, err := controller.Ask(context.Background(), log, "total amount")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Status != StatusSucceeded || result.Attempts != 1 || result.Repaired {
		t.Fatalf("result = %+v", result)
	}
	if result.SQL != "SELECT SUM(AMOUNT) FROM SALES" {
		t.Fatalf("SQL = %q", result.SQL)
	}
	if len(gateway.calls) != 1 {
		t.Fatalf("gateway calls = %d, want 1 (no repair prompt)", len(gateway.calls))
	}
	if len(executor.calls) != 1 || executor.calls[0] != "SELECT SUM(AMOUNT) FROM SALES" {
		t.Fatalf("executor calls = %q", executor.calls)
	}
	if len(charts.tables) != 1 || charts.tables[0].Len() != 1 || charts.tables[0].Columns[0] != "total" {
		t.Fatalf("chart tables = %+v", charts.tables)
	}
	assertKinds(t, log, conversation.KindQuestion, conversation.KindReply, conversation.KindTable, conversation.KindChart)
	if result.Chart == nil || result.Chart.Figure == nil {
		t.Fatalf("chart = %+v", result.Chart)
	}
	if turn := log.Turns()[3]; turn.Code != chartCode || len(turn.Figure) == 0 {
		t.Fatalf("chart turn = %+v", turn)
	}
}

func TestAskRepairsOnceThenSucceeds(t *testing.T) {
	gateway := &scriptedGateway{replies: []string{
		"Generated SQL Query:\nSELECT AMT FROM SALES",
		"Generated SQL Query:\n```sql\nSELECT AMOUNT FROM SALES\n```",
	}}
	executor := &scriptedExecutor{results: []execResult{
		{err: warehouse.NewQueryError("SELECT AMT FROM SALES", errors.New(`Binder Error: Referenced column "AMT" not found`))},
		{table: oneRow()},
	}}
	controller := newController(gateway, executor, &recordingCharts{})
	log := conversation.NewLog()

	result, err := controller.Ask(context.Background(), log, "total amount")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Status != StatusSucceeded || result.Attempts != 2 || !result.Repaired {
		t.Fatalf("result = %+v", result)
	}
	if result.SQL != "SELECT AMOUNT FROM SALES" {
		t.Fatalf("SQL = %q", result.SQL)
	}

	repair := gateway.calls[1][1].Content
	if !strings.Contains(repair, "SELECT AMT FROM SALES") || !strings.Contains(repair, `Referenced column "AMT" not found`) {
		t.Fatalf("repair prompt missing SQL or error:\n%s", repair)
	}

	turns := log.Turns()
	assertKinds(t, log, conversation.KindQuestion, conversation.KindReply, conversation.KindReply, conversation.KindTable, conversation.KindChart)
	if turns[1].SQL != "SELECT AMT FROM SALES" || turns[2].SQL != "SELECT AMOUNT FROM SALES" || turns[3].SQL != "SELECT AMOUNT FROM SALES" {
		t.Fatalf("turn SQL = %q, %q, %q", turns[1].SQL, turns[2].SQL, turns[3].SQL)
	}
	if !strings.Contains(turns[2].Text, "```sql") {
		t.Fatalf("repair turn should keep the raw reply: %q", turns[2].Text)
	}
}

func TestAskStopsAfterSecondFailure(t *testing.T) {
	gateway := &scriptedGateway{replies: []string{
		"Generated SQL Query: SELECT bad1",
		"Generated SQL Query: SELECT bad2",
		"Generated SQL Query: SELECT bad3",
	}}
	executor := &scriptedExecutor{results: []execResult{
		{err: warehouse.NewQueryError("SELECT bad1", errors.New("error one"))},
		{err: warehouse.NewQueryError("SELECT bad2", errors.New("error two"))},
		{err: warehouse.NewQueryError("SELECT bad3", errors.New("error three"))},
	}}
	charts := &recordingCharts{}
	controller := newController(gateway, executor, charts)
	log := conversation.NewLog()

	result, err := controller.Ask(context.Background(), log, "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if len(executor.calls) != 2 {
		t.Fatalf("executions = %d, want 2", len(executor.calls))
	}
	if len(gateway.calls) != 2 {
		t.Fatalf("model calls = %d, want 2", len(gateway.calls))
	}
	if result.Status != StatusQueryFailed || result.Failure != "error two" || result.SQL != "SELECT bad2" {
		t.Fatalf("result = %+v", result)
	}
	if len(charts.tables) != 0 {
		t.Fatal("chart synthesized after failure")
	}
	assertKinds(t, log, conversation.KindQuestion, conversation.KindReply, conversation.KindReply, conversation.KindError)
	last := log.Turns()[3]
	if last.Text != "error two" || last.SQL != "SELECT bad2" {
		t.Fatalf("error turn = %+v", last)
	}
}

func TestAskWithoutSchemaDoesNotExecute(t *testing.T) {
	gateway := &scriptedGateway{replies: []string{prompt.NoSchemaMessage}}
	executor := &scriptedExecutor{}
	controller := newController(gateway, executor, &recordingCharts{})
	controller.Schema = ""
	log := conversation.NewLog()

	result, err := controller.Ask(context.Background(), log, "total amount")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Status != StatusNoSchema {
		t.Fatalf("Status = %q", result.Status)
	}
	if len(executor.calls) != 0 {
		t.Fatalf("executor called %d times", len(executor.calls))
	}
	if !strings.Contains(gateway.calls[0][0].Content, prompt.NoSchemaMessage) {
		t.Fatalf("generation instruction = %q", gateway.calls[0][0].Content)
	}
	assertKinds(t, log, conversation.KindQuestion, conversation.KindReply)
}

func TestAskGatewayFailureSkipsExecution(t *testing.T) {
	gateway := &scriptedGateway{err: llm.NewGatewayError("openai", llm.KindAuth, http.StatusUnauthorized, errors.New("bad key"))}
	executor := &scriptedExecutor{}
	controller := newController(gateway, executor, &recordingCharts{})
	log := conversation.NewLog()

	result, err := controller.Ask(context.Background(), log, "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Status != StatusModelUnavailable || !strings.Contains(result.Failure, "auth") {
		t.Fatalf("result = %+v", result)
	}
	if len(executor.calls) != 0 {
		t.Fatal("executor called after gateway failure")
	}
	assertKinds(t, log, conversation.KindQuestion, conversation.KindError)
}

func TestAskRepairGatewayFailure(t *testing.T) {
	gateway := &scriptedGateway{
		replies: []string{"Generated SQL Query: SELECT bad"},
		failAt:  2,
		err:     llm.NewGatewayError("openai", llm.KindRateLimit, http.StatusTooManyRequests, errors.New("slow down")),
	}
	executor := &scriptedExecutor{results: []execResult{{err: warehouse.NewQueryError("SELECT bad", errors.New("nope"))}}}
	controller := newController(gateway, executor, &recordingCharts{})

	result, err := controller.Ask(context.Background(), conversation.NewLog(), "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Status != StatusModelUnavailable || result.Attempts != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestAskWarehouseUnavailableIsNotRepaired(t *testing.T) {
	gateway := &scriptedGateway{replies: []string{"Generated SQL Query: SELECT 1"}}
	executor := &scriptedExecutor{results: []execResult{{err: errors.New("connect: connection refused")}}}
	controller := newController(gateway, executor, &recordingCharts{})
	log := conversation.NewLog()

	result, err := controller.Ask(context.Background(), log, "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Status != StatusWarehouseUnavailable || len(gateway.calls) != 1 || len(executor.calls) != 1 {
		t.Fatalf("result = %+v, model calls = %d, executions = %d", result, len(gateway.calls), len(executor.calls))
	}
	assertKinds(t, log, conversation.KindQuestion, conversation.KindReply, conversation.KindError)
}

func TestAskPseudocodeAddsPlanTurn(t *testing.T) {
	gateway := &scriptedGateway{replies: []string{
		"1. Sum AMOUNT from SALES.",
		"Generated SQL Query: SELECT SUM(AMOUNT) FROM SALES",
	}}
	executor := &scriptedExecutor{results: []execResult{{table: oneRow()}}}
	controller := newController(gateway, executor, nil)
	controller.Config.Pseudocode = true
	log := conversation.NewLog()

	result, err := controller.Ask(context.Background(), log, "total amount")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Plan != "1. Sum AMOUNT from SALES." {
		t.Fatalf("Plan = %q", result.Plan)
	}
	if gateway.options[0].Temperature != 0.1 || gateway.options[0].MaxTokens != 2000 {
		t.Fatalf("plan options = %+v", gateway.options[0])
	}
	if !strings.Contains(gateway.calls[1][1].Content, "Plan:\n1. Sum AMOUNT from SALES.") {
		t.Fatalf("generation prompt missing plan:\n%s", gateway.calls[1][1].Content)
	}
	assertKinds(t, log, conversation.KindQuestion, conversation.KindPlan, conversation.KindReply, conversation.KindTable)
}

func TestAskDrainsStreamingReplies(t *testing.T) {
	gateway := &scriptedGateway{replies: []string{"Generated SQL Query: SELECT 1"}, stream: true}
	executor := &scriptedExecutor{results: []execResult{{table: oneRow()}}}
	controller := newController(gateway, executor, nil)
	controller.Config.Generation.Stream = true

	result, err := controller.Ask(context.Background(), conversation.NewLog(), "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.SQL != "SELECT 1" || executor.calls[0] != "SELECT 1" {
		t.Fatalf("result = %+v", result)
	}
	if !gateway.options[0].Stream {
		t.Fatal("stream option not forwarded")
	}
}

func TestAskUsesTranscriptAndExamples(t *testing.T) {
	gateway := &scriptedGateway{replies: []string{"Generated SQL Query: SELECT 1", "Generated SQL Query: SELECT 2"}}
	executor := &scriptedExecutor{results: []execResult{{table: oneRow()}, {table: oneRow()}}}
	controller := newController(gateway, executor, nil)
	controller.Examples = reference.AllExamples{{Question: "revenue", Query: "SELECT SUM(AMOUNT) FROM SALES"}}
	log := conversation.NewLog()

	if _, err := controller.Ask(context.Background(), log, "first question"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if _, err := controller.Ask(context.Background(), log, "second question"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	second := gateway.calls[1][1].Content
	for _, want := range []string{
		"Question: revenue\nQuery: SELECT SUM(AMOUNT) FROM SALES",
		"User: first question",
		"Assistant: Generated SQL Query: SELECT 1",
		"User: second question",
	} {
		if !strings.Contains(second, want) {
			t.Fatalf("second prompt missing %q:\n%s", want, second)
		}
	}
	if strings.Count(second, "User: second question") != 1 {
		t.Fatalf("question repeated in prompt:\n%s", second)
	}
}

func TestAskContinuesWhenExampleRetrievalFails(t *testing.T) {
	gateway := &scriptedGateway{replies: []string{"Generated SQL Query: SELECT 1"}}
	controller := newController(gateway, &scriptedExecutor{results: []execResult{{table: oneRow()}}}, nil)
	controller.Examples = failingExamples{}

	result, err := controller.Ask(context.Background(), conversation.NewLog(), "q")
	if err != nil || result.Status != StatusSucceeded {
		t.Fatalf("Ask() = %+v, %v", result, err)
	}
}

func TestAskAppendsUserTurnFirst(t *testing.T) {
	for name, controller := range map[string]*Controller{
		"success":  newController(&scriptedGateway{replies: []string{"SELECT 1"}}, &scriptedExecutor{results: []execResult{{table: oneRow()}}}, nil),
		"gateway":  newController(&scriptedGateway{err: errors.New("down")}, &scriptedExecutor{}, nil),
		"no table": newController(&scriptedGateway{replies: []string{"SELECT 1"}}, &scriptedExecutor{results: []execResult{{err: errors.New("down")}}}, nil),
	} {
		t.Run(name, func(t *testing.T) {
			log := conversation.NewLog()
			mustAppend(t, log, conversation.Turn{Role: conversation.RoleUser, Kind: conversation.KindQuestion, Text: "earlier"})
			before := log.Len()
			if _, err := controller.Ask(context.Background(), log, "q"); err != nil {
				t.Fatalf("Ask() error = %v", err)
			}
			turns := log.Turns()[before:]
			if len(turns) < 2 {
				t.Fatalf("appended %d turns, want at least 2", len(turns))
			}
			if turns[0].Role != conversation.RoleUser || turns[0].Text != "q" {
				t.Fatalf("first appended turn = %+v", turns[0])
			}
			for _, turn := range turns[1:] {
				if turn.Role != conversation.RoleAssistant {
					t.Fatalf("later turn role = %q", turn.Role)
				}
			}
		})
	}
}

func TestAskRejectsInvalidInput(t *testing.T) {
	controller := newController(&scriptedGateway{}, &scriptedExecutor{}, nil)
	if _, err := controller.Ask(context.Background(), conversation.NewLog(), "   "); !errors.Is(err, ErrEmptyQuestion) {
		t.Fatalf("Ask(blank) error = %v", err)
	}
	if _, err := controller.Ask(context.Background(), nil, "q"); err == nil {
		t.Fatal("Ask(nil log) expected error")
	}
	if _, err := (&Controller{}).Ask(context.Background(), conversation.NewLog(), "q"); err == nil {
		t.Fatal("Ask() on unconfigured controller expected error")
	}
}

func TestAskRecordsAudit(t *testing.T) {
	auditor := &recordingAuditor{}
	controller := newController(&scriptedGateway{replies: []string{"SELECT 1"}}, &scriptedExecutor{results: []execResult{{table: oneRow()}}}, nil)
	controller.Auditor = auditor

	ctx := observability.ContextWithSessionID(context.Background(), "sess-1")
	ctx = auth.WithIdentity(ctx, auth.Identity{OwnerID: "alice", Roles: []string{auth.RoleAnalyst}})
	if _, err := controller.Ask(ctx, conversation.NewLog(), "q"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if len(auditor.records) != 1 {
		t.Fatalf("audit records = %d", len(auditor.records))
	}
	record := auditor.records[0]
	if record.SessionID != "sess-1" || record.OwnerID != "alice" || record.Status != string(StatusSucceeded) || record.RowCount != 1 || record.FinalSQL != "SELECT 1" {
		t.Fatalf("record = %+v", record)
	}
}

func TestAskIgnoresAuditFailure(t *testing.T) {
	controller := newController(&scriptedGateway{replies: []string{"SELECT 1"}}, &scriptedExecutor{results: []execResult{{table: oneRow()}}}, nil)
	controller.Auditor = &recordingAuditor{err: errors.New("registry down")}
	result, err := controller.Ask(context.Background(), conversation.NewLog(), "q")
	if err != nil || result.Status != StatusSucceeded {
		t.Fatalf("Ask() = %+v, %v", result, err)
	}
}

func TestChartFailureKeepsQueryResult(t *testing.T) {
	charts := &recordingCharts{err: &chart.SandboxError{Stage: "run", Err: errors.New("undefined: px")}}
	controller := newController(&scriptedGateway{replies: []string{"SELECT 1"}}, &scriptedExecutor{results: []execResult{{table: oneRow()}}}, charts)
	log := conversation.NewLog()

	result, err := controller.Ask(context.Background(), log, "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.Status != StatusSucceeded || result.Table == nil {
		t.Fatalf("result = %+v", result)
	}
	last := log.Turns()[log.Len()-1]
	if last.Kind != conversation.KindChart || !strings.Contains(last.Text, "undefined: px") || last.Figure != nil || last.Code != chartCode {
		t.Fatalf("chart turn = %+v", last)
	}
}

func TestAskConcurrentSessionsShareController(t *testing.T) {
	controller := &Controller{
		Gateway:  constantGateway("Generated SQL Query:\nSELECT SUM(AMOUNT) FROM SALES"),
		Executor: constantExecutor{table: oneRow()},
		Schema:   salesSchema,
		Config:   Config{Pseudocode: true},
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log := conversation.NewLog()
			result, err := controller.Ask(context.Background(), log, "total amount")
			if err != nil {
				errs <- err
				return
			}
			if result.Status != StatusSucceeded || log.Len() != 4 {
				errs <- fmt.Errorf("result = %+v, turns = %d", result, log.Len())
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if controller.Logger != nil || controller.Clock != nil || controller.Prompts != nil || controller.Examples != nil {
		t.Fatalf("Ask() modified the controller: %+v", controller)
	}
	if controller.Config.PlanOptions != (llm.Options{}) || controller.Config.Generation != (llm.Options{}) {
		t.Fatalf("Ask() modified the config: %+v", controller.Config)
	}
}

func TestRejectedAssistantTurnIsLogged(t *testing.T) {
	var out bytes.Buffer
	controller := newController(nil, nil, nil)
	controller.Logger = slog.New(slog.NewTextHandler(&out, nil))
	r := &run{controller: controller, log: conversation.NewLog()}

	r.appendAssistant(context.Background(), conversation.Turn{Text: "no kind"})
	if r.log.Len() != 0 {
		t.Fatalf("log length = %d, want 0", r.log.Len())
	}
	if !strings.Contains(out.String(), "conversation append failed") {
		t.Fatalf("log output = %q", out.String())
	}
}

func newController(gateway llm.Gateway, executor warehouse.Executor, charts ChartSynthesizer) *Controller {
	return &Controller{
		Gateway:  gateway,
		Executor: executor,
		Prompts:  prompt.NewBuilder("DuckDB", "#6A0DAD"),
		Schema:   salesSchema,
		Config:   Config{Generation: llm.Options{MaxTokens: 4000, Temperature: 0.5}},
		Charts:   charts,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func oneRow() warehouse.Table {
	return warehouse.Table{Columns: []string{"total"}, Rows: [][]any{{42.0}}}
}

func assertKinds(t *testing.T, log *conversation.Log, kinds ...conversation.Kind) {
	t.Helper()
	turns := log.Turns()
	if len(turns) != len(kinds) {
		got := make([]string, len(turns))
		for i, turn := range turns {
			got[i] = string(turn.Kind)
		}
		t.Fatalf("turn kinds = %v, want %v", got, kinds)
	}
	for i, kind := range kinds {
		if turns[i].Kind != kind {
			t.Fatalf("turn %d kind = %q, want %q", i, turns[i].Kind, kind)
		}
	}
}

func mustAppend(t *testing.T, log *conversation.Log, turn conversation.Turn) {
	t.Helper()
	if err := log.Append(turn); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
}

type scriptedGateway struct {
	replies []string
	stream  bool
	// failAt makes the n-th call (1-based) return err; zero fails every call
	// when err is set.
	failAt  int
	err     error
	calls   [][]llm.Message
	options []llm.Options
}

func (g *scriptedGateway) Send(_ context.Context, messages []llm.Message, opts llm.Options) (*llm.Reply, error) {
	g.calls = append(g.calls, messages)
	g.options = append(g.options, opts)
	n := len(g.calls)
	if g.err != nil && (g.failAt == 0 || g.failAt == n) {
		return nil, g.err
	}
	if n > len(g.replies) {
		return nil, errors.New("unexpected model call")
	}
	reply := g.replies[n-1]
	if g.stream {
		return llm.StreamReply(func(yield func(string, error) bool) {
			for _, field := range strings.SplitAfter(reply, " ") {
				if !yield(field, nil) {
					return
				}
			}
		}), nil
	}
	return llm.TextReply(reply), nil
}

// constantGateway and constantExecutor hold no mutable state and can be
// shared between goroutines.
type constantGateway string

func (g constantGateway) Send(context.Context, []llm.Message, llm.Options) (*llm.Reply, error) {
	return llm.TextReply(string(g)), nil
}

type constantExecutor struct {
	table warehouse.Table
}

func (e constantExecutor) Execute(context.Context, string) (warehouse.Table, error) {
	return e.table, nil
}

type execResult struct {
	table warehouse.Table
	err   error
}

type scriptedExecutor struct {
	results []execResult
	calls   []string
}

func (e *scriptedExecutor) Execute(_ context.Context, sqlText string) (warehouse.Table, error) {
	e.calls = append(e.calls, sqlText)
	if len(e.calls) > len(e.results) {
		return warehouse.Table{}, errors.New("unexpected execution")
	}
	result := e.results[len(e.calls)-1]
	return result.table, result.err
}

type recordingCharts struct {
	tables []warehouse.Table
	err    error
}

const chartCode = `fig := chart.NewFigure().Add(chart.Bar("total", df.Columns(), []int{1}))`

func (c *recordingCharts) Synthesize(_ context.Context, table warehouse.Table) chart.Artifact {
	c.tables = append(c.tables, table)
	if c.err != nil {
		return chart.Artifact{Code: chartCode, Err: c.err}
	}
	return chart.Artifact{Code: chartCode, Figure: chart.NewFigure().Add(chart.Bar("total", table.Columns, []int{1}))}
}

type recordingAuditor struct {
	records []registry.QuestionAudit
	err     error
}

func (a *recordingAuditor) RecordQuestion(_ context.Context, record registry.QuestionAudit) error {
	a.records = append(a.records, record)
	return a.err
}

type failingExamples struct{}

func (failingExamples) ExamplesFor(context.Context, string) ([]reference.ExampleEntry, error) {
	return nil, errors.New("embedding service down")
}
