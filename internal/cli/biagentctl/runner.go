package biagentctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/duckmesh/biagent/internal/warehouse"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method string
	path   string
	body   any
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("biagentctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "biagent API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	// Questions can take a model round trip, a query and a repair.
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 90s)")
	output := fs.String("output", "json", "output format: json or text")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}
	if *output != "json" && *output != "text" {
		_, _ = fmt.Fprintf(stderr, "invalid -output %q\n", *output)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	req, err := buildRequest(command, rest)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req.method, endpoint, *apiKey, req.body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if *output == "text" {
		if text, ok := renderText(command, responseBody); ok {
			_, _ = fmt.Fprint(stdout, text)
			return 0
		}
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildRequest(command string, args []string) (request, error) {
	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "schema":
		return request{method: http.MethodGet, path: "/v1/reference/schema"}, nil
	case "sessions":
		return request{method: http.MethodGet, path: "/v1/sessions"}, nil
	case "session-create":
		return request{method: http.MethodPost, path: "/v1/sessions", body: map[string]string{"title": strings.Join(args, " ")}}, nil
	case "session-delete":
		if len(args) != 1 {
			return request{}, fmt.Errorf("session-delete requires a session id")
		}
		return request{method: http.MethodDelete, path: "/v1/sessions/" + url.PathEscape(args[0])}, nil
	case "ask":
		if len(args) < 2 {
			return request{}, fmt.Errorf("ask requires a session id and a question")
		}
		question := strings.TrimSpace(strings.Join(args[1:], " "))
		if question == "" {
			return request{}, fmt.Errorf("ask requires a question")
		}
		return request{
			method: http.MethodPost,
			path:   "/v1/sessions/" + url.PathEscape(args[0]) + "/questions",
			body:   map[string]string{"question": question},
		}, nil
	case "turns":
		if len(args) != 1 {
			return request{}, fmt.Errorf("turns requires a session id")
		}
		return request{method: http.MethodGet, path: "/v1/sessions/" + url.PathEscape(args[0]) + "/turns"}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func doRequest(ctx context.Context, client *http.Client, method, endpoint, apiKey string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

type textTurn struct {
	Role  string           `json:"role"`
	Kind  string           `json:"kind"`
	Text  string           `json:"text"`
	SQL   string           `json:"sql"`
	Table *warehouse.Table `json:"table"`
}

// renderText prints answers and scrollback the way an analyst reads them.
// Commands without a text form fall back to JSON.
func renderText(command string, raw []byte) (string, bool) {
	switch command {
	case "ask":
		var answer struct {
			Status   string           `json:"status"`
			SQL      string           `json:"sql"`
			Attempts int              `json:"attempts"`
			Table    *warehouse.Table `json:"table"`
			Failure  string           `json:"failure"`
			Chart    *struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			} `json:"chart"`
		}
		if err := json.Unmarshal(raw, &answer); err != nil {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "status: %s (attempts: %d)\n", answer.Status, answer.Attempts)
		if answer.SQL != "" {
			fmt.Fprintf(&b, "\n%s\n", answer.SQL)
		}
		if answer.Table != nil {
			fmt.Fprintf(&b, "\n%s", answer.Table.Render(50))
		}
		if answer.Failure != "" {
			fmt.Fprintf(&b, "\nerror: %s\n", answer.Failure)
		}
		if answer.Chart != nil && answer.Chart.Error != "" {
			fmt.Fprintf(&b, "\nchart %s: %s\n", answer.Chart.Status, answer.Chart.Error)
		}
		return b.String(), true
	case "turns":
		var scrollback struct {
			Turns []textTurn `json:"turns"`
		}
		if err := json.Unmarshal(raw, &scrollback); err != nil {
			return "", false
		}
		var b strings.Builder
		for _, turn := range scrollback.Turns {
			fmt.Fprintf(&b, "[%s/%s]\n", turn.Role, turn.Kind)
			switch {
			case turn.Table != nil:
				b.WriteString(turn.Table.Render(10))
			case turn.Kind == "chart" && turn.Text == "":
				b.WriteString("(chart)\n")
			default:
				b.WriteString(strings.TrimSpace(turn.Text) + "\n")
			}
			b.WriteString("\n")
		}
		return b.String(), true
	case "schema":
		var schema struct {
			Formatted string `json:"formatted"`
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			return "", false
		}
		return schema.Formatted, true
	default:
		return "", false
	}
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: biagentctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                        GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                         GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  schema                        GET /v1/reference/schema")
	_, _ = fmt.Fprintln(w, "  sessions                      GET /v1/sessions")
	_, _ = fmt.Fprintln(w, "  session-create [title]        POST /v1/sessions")
	_, _ = fmt.Fprintln(w, "  session-delete <id>           DELETE /v1/sessions/{id}")
	_, _ = fmt.Fprintln(w, "  ask <id> <question>           POST /v1/sessions/{id}/questions")
	_, _ = fmt.Fprintln(w, "  turns <id>                    GET /v1/sessions/{id}/turns")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
