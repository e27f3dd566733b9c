package biagentctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRunAskCommand(t *testing.T) {
	var gotMethod, gotPath, gotAPIKey string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"succeeded","sql":"SELECT 1","attempts":1}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"-api-key", "k1",
		"ask", "sess-1", "total", "sales", "by", "region",
	}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/sessions/sess-1/questions" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotAPIKey != "k1" {
		t.Fatalf("api key = %q", gotAPIKey)
	}
	if gotBody["question"] != "total sales by region" {
		t.Fatalf("body = %#v", gotBody)
	}
	if !strings.Contains(stdout.String(), `"status": "succeeded"`) {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunAskTextOutputRendersTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"succeeded","sql":"SELECT region, total FROM t","attempts":2,` +
			`"table":{"columns":["region","total"],"rows":[["north",15],["south",7]]},` +
			`"chart":{"status":"no_code","error":"chart: reply contains no code block"}}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-output", "text", "ask", "s", "q"}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	out := stdout.String()
	for _, want := range []string{"status: succeeded (attempts: 2)", "SELECT region, total FROM t", "north", "chart no_code"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunSessionCreateSendsTitle(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"abc"}`))
	}))
	defer srv.Close()

	code := Run(context.Background(), []string{"-base-url", srv.URL, "session-create", "Q3", "review"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/sessions" || gotBody["title"] != "Q3 review" {
		t.Fatalf("request = %s %s %#v", gotMethod, gotPath, gotBody)
	}
}

func TestRunReadOnlyCommands(t *testing.T) {
	tests := []struct {
		args   []string
		method string
		path   string
	}{
		{args: []string{"health"}, method: http.MethodGet, path: "/v1/health"},
		{args: []string{"ready"}, method: http.MethodGet, path: "/v1/ready"},
		{args: []string{"schema"}, method: http.MethodGet, path: "/v1/reference/schema"},
		{args: []string{"sessions"}, method: http.MethodGet, path: "/v1/sessions"},
		{args: []string{"turns", "abc"}, method: http.MethodGet, path: "/v1/sessions/abc/turns"},
		{args: []string{"session-delete", "abc"}, method: http.MethodDelete, path: "/v1/sessions/abc"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			var gotMethod, gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				gotPath = r.URL.Path
				_, _ = w.Write([]byte(`{"status":"ok"}`))
			}))
			defer srv.Close()

			code := Run(context.Background(), append([]string{"-base-url", srv.URL}, tt.args...), Options{})
			if code != 0 {
				t.Fatalf("exit code = %d", code)
			}
			if gotMethod != tt.method || gotPath != tt.path {
				t.Fatalf("request = %s %s, want %s %s", gotMethod, gotPath, tt.method, tt.path)
			}
		})
	}
}

func TestRunTurnsTextOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"turns":[` +
			`{"role":"assistant","kind":"table","table":{"columns":["n"],"rows":[[1]]}},` +
			`{"role":"user","kind":"question","text":"how many?"}]}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-output", "text", "turns", "abc"}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	out := stdout.String()
	if strings.Index(out, "[assistant/table]") > strings.Index(out, "[user/question]") {
		t.Fatalf("turn order not preserved:\n%s", out)
	}
	if !strings.Contains(out, "how many?") {
		t.Fatalf("output = %s", out)
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_code":"SESSION_BUSY"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "ask", "s", "q"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "SESSION_BUSY") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{"unknown"},
		{"ask", "only-session"},
		{"turns"},
		{"-output", "yaml", "health"},
		{},
	} {
		var stderr bytes.Buffer
		code := Run(context.Background(), args, Options{Stderr: &stderr})
		if code != 2 {
			t.Fatalf("Run(%v) exit code = %d", args, code)
		}
		if stderr.Len() == 0 {
			t.Fatalf("Run(%v) expected usage output", args)
		}
	}
}
