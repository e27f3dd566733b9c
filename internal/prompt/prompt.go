// Package prompt assembles the role-tagged message sequences sent to the
// model for each pipeline task.
package prompt

import (
	"fmt"
	"strings"

	"github.com/duckmesh/biagent/internal/llm"
	"github.com/duckmesh/biagent/internal/warehouse"
)

// QueryMarker is the literal line the model must emit right before its SQL.
const QueryMarker = "Generated SQL Query:"

// NoSchemaMessage is the answer demanded from the model when no schema is
// available.
const NoSchemaMessage = "No schema is available for this question."

type Kind string

const (
	KindGenerateSQL   Kind = "generate_sql"
	KindRepairSQL     Kind = "repair_sql"
	KindGenerateChart Kind = "generate_chart"
	KindPseudocode    Kind = "pseudocode"
)

// Input carries the kind-specific values interpolated into a prompt. Fields a
// kind does not use are ignored.
type Input struct {
	Schema     string
	Examples   string
	Transcript string
	Question   string
	Plan       string

	SQL   string
	Error string

	Table       warehouse.Table
	PreviewRows int
}

type Builder struct {
	dialect    string
	brandColor string
}

func NewBuilder(dialect, brandColor string) *Builder {
	dialect = strings.TrimSpace(dialect)
	if dialect == "" {
		dialect = "DuckDB"
	}
	brandColor = strings.TrimSpace(brandColor)
	if brandColor == "" {
		brandColor = "#6A0DAD"
	}
	return &Builder{dialect: dialect, brandColor: brandColor}
}

func (b *Builder) Build(kind Kind, in Input) ([]llm.Message, error) {
	switch kind {
	case KindGenerateSQL:
		return b.GenerateSQL(in), nil
	case KindRepairSQL:
		if strings.TrimSpace(in.SQL) == "" {
			return nil, fmt.Errorf("repair prompt requires the failed SQL")
		}
		return b.RepairSQL(in), nil
	case KindGenerateChart:
		if len(in.Table.Columns) == 0 {
			return nil, fmt.Errorf("chart prompt requires a result table")
		}
		return b.GenerateChart(in.Table, in.PreviewRows), nil
	case KindPseudocode:
		return b.Pseudocode(in), nil
	default:
		return nil, fmt.Errorf("unknown prompt kind %q", kind)
	}
}

func (b *Builder) GenerateSQL(in Input) []llm.Message {
	if strings.TrimSpace(in.Schema) == "" {
		return messages(b.noSchemaInstruction(), conversationBlock(in.Transcript, in.Question))
	}
	var content strings.Builder
	content.WriteString("Given the following schema and examples, write one SQL query that answers the latest user question.\n")
	content.WriteString("Use only the table and column combinations listed in the schema. Use the examples as guidance for style and joins.\n\n")
	writeSection(&content, "Schema", in.Schema)
	writeSection(&content, "Examples", in.Examples)
	writeSection(&content, "Plan", in.Plan)
	content.WriteString(conversationBlock(in.Transcript, in.Question))
	return messages(b.generateInstruction(), content.String())
}

func (b *Builder) RepairSQL(in Input) []llm.Message {
	var content strings.Builder
	content.WriteString("The SQL below failed in the warehouse. Using the error and the conversation, return a corrected query.\n\n")
	writeSection(&content, "Error", in.Error)
	writeSection(&content, "Code", in.SQL)
	writeSection(&content, "Schema", in.Schema)
	content.WriteString(conversationBlock(in.Transcript, ""))
	return messages(b.repairInstruction(), content.String())
}

func (b *Builder) GenerateChart(table warehouse.Table, previewRows int) []llm.Message {
	var content strings.Builder
	fmt.Fprintf(&content, "The result table df has these columns: %s.\n", strings.Join(table.Columns, ", "))
	fmt.Fprintf(&content, "It holds %d rows. Write the chart that best explains it.\n\n", table.Len())
	writeSection(&content, "Data preview", table.Render(previewRows))
	return messages(b.chartInstruction(), strings.TrimRight(content.String(), "\n"))
}

func (b *Builder) Pseudocode(in Input) []llm.Message {
	var content strings.Builder
	content.WriteString("Given the following schema and examples, write numbered steps for answering the latest user question. ")
	content.WriteString("Each step names the columns to select, the tables involved, the filters and the joins.\n\n")
	writeSection(&content, "Schema", in.Schema)
	writeSection(&content, "Examples", in.Examples)
	content.WriteString(conversationBlock(in.Transcript, in.Question))
	return messages(
		"You are a query expert who writes step-wise instructions for SQL query generation. Keep them short and accurate. Do not give a SQL query in the response.",
		content.String(),
	)
}

func (b *Builder) generateInstruction() string {
	return fmt.Sprintf("You are a %s expert who writes SQL queries. Follow %s syntax and the format of the examples. "+
		"The query must not reference anything outside the supplied schema. This matters most for JOIN ... ON clauses and filters: do not assume columns or relationships. "+
		"Write the line '%s' immediately before the query. Do not add any other identifier and do not write anything after the query ends.",
		b.dialect, b.dialect, QueryMarker)
}

func (b *Builder) noSchemaInstruction() string {
	return fmt.Sprintf("You are a %s expert who writes SQL queries, but no schema was supplied for this conversation. "+
		"Do not guess table or column names and do not write SQL. Reply with exactly: %s", b.dialect, NoSchemaMessage)
}

func (b *Builder) repairInstruction() string {
	return fmt.Sprintf("You are a %s expert who fixes SQL queries. Follow %s syntax. "+
		"Write the line '%s' immediately before the corrected query. Do not add any other identifier and do not write anything after the query ends.",
		b.dialect, b.dialect, QueryMarker)
}

func (b *Builder) chartInstruction() string {
	return "You are a data visualization expert writing Go for a restricted chart interpreter. " +
		"The only packages available are chart, math, strings, sort, strconv and fmt. The result table is the variable df " +
		"with methods df.Columns() []string, df.Len() int, df.Column(name) []any, df.Strings(name) []string and df.Floats(name) []float64. " +
		"Build traces with chart.Bar(name, x, y), chart.Line(name, x, y), chart.Scatter(name, x, y), chart.Pie(name, labels, values) or chart.Histogram(name, x), " +
		"create the figure with chart.NewFigure(), add traces with fig.Add(trace), and label it with fig.SetTitle(title) and fig.SetAxisTitles(x, y). " +
		fmt.Sprintf("The brand colour is %s: use it and lighter shades of it on a white background, set colours with trace.SetColor(hex) using valid hex codes, ", b.brandColor) +
		"and keep the legend, title and axis labels dark and readable. " +
		"Assign the finished figure to a variable named fig. Write top-level statements only, without a package clause, imports or func main. " +
		"Start the code with '```go' and end it with '```'."
}

func messages(system, user string) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}
}

func writeSection(b *strings.Builder, title, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	fmt.Fprintf(b, "%s:\n%s\n\n", title, body)
}

func conversationBlock(transcript, question string) string {
	var b strings.Builder
	b.WriteString("Conversation:\n")
	if transcript = strings.TrimSpace(transcript); transcript != "" {
		b.WriteString(transcript)
		b.WriteString("\n")
	}
	if question = strings.TrimSpace(question); question != "" {
		fmt.Fprintf(&b, "User: %s\n", question)
	}
	return strings.TrimRight(b.String(), "\n")
}
