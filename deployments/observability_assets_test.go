package deployments

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/duckmesh/biagent/internal/observability"
)

var metricNamePattern = regexp.MustCompile(`\bbiagent_[a-z_]+`)

func TestGrafanaDashboardJSONIsValid(t *testing.T) {
	content := readAsset(t, "grafana", "biagent_dashboard.json")

	var decoded map[string]any
	if err := json.Unmarshal(content, &decoded); err != nil {
		t.Fatalf("dashboard JSON parse error: %v", err)
	}

	title, _ := decoded["title"].(string)
	if strings.TrimSpace(title) == "" {
		t.Fatal("dashboard title is required")
	}
	panels, ok := decoded["panels"].([]any)
	if !ok || len(panels) == 0 {
		t.Fatal("dashboard must include at least one panel")
	}
}

func TestPrometheusRulesContainExpectedAlerts(t *testing.T) {
	text := string(readAsset(t, "prometheus", "biagent_rules.yaml"))

	requiredAlerts := []string{
		"BIAgentQuestionSuccessRatioLow",
		"BIAgentModelErrorRateHigh",
		"BIAgentModelLatencyP95High",
		"BIAgentQueryLatencyP95High",
		"BIAgentHTTPErrorRateHigh",
	}
	for _, alertName := range requiredAlerts {
		if !strings.Contains(text, "alert: "+alertName) {
			t.Fatalf("rules missing alert %q", alertName)
		}
	}

	recordings := string(readAsset(t, "prometheus", "biagent_recording_rules.yaml"))
	for _, record := range regexp.MustCompile(`biagent:[a-z0-9_]+`).FindAllString(text, -1) {
		if !strings.Contains(recordings, "record: "+record) {
			t.Fatalf("alert references unknown recording rule %q", record)
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	text := string(readAsset(t, "prometheus", "prometheus-scrape.example.yaml"))

	for _, token := range []string{
		"metrics_path: /v1/metrics",
		"biagent_rules.yaml",
		"biagent_recording_rules.yaml",
		"job_name: biagent-api",
	} {
		if !strings.Contains(text, token) {
			t.Fatalf("scrape example missing %q", token)
		}
	}
}

// The rules and dashboard must only reference series the service exports.
func TestAssetsReferenceExportedMetrics(t *testing.T) {
	observability.ObserveQuestion("succeeded")
	observability.IncrementRepairAttempts()
	observability.ObserveModelCall("generate", nil, time.Second)
	observability.ObserveQueryExecution("ok", 10*time.Millisecond)
	observability.ObserveChartRender("ok")
	observability.SetActiveSessions(1)
	observability.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	exported := map[string]bool{}
	for _, family := range families {
		exported[family.GetName()] = true
	}

	for _, asset := range [][2]string{
		{"prometheus", "biagent_recording_rules.yaml"},
		{"grafana", "biagent_dashboard.json"},
	} {
		text := string(readAsset(t, asset[0], asset[1]))
		for _, name := range metricNamePattern.FindAllString(text, -1) {
			base := name
			for _, suffix := range []string{"_bucket", "_sum", "_count"} {
				if trimmed, ok := strings.CutSuffix(name, suffix); ok && exported[trimmed] {
					base = trimmed
				}
			}
			if !exported[base] {
				t.Fatalf("%s references unexported metric %q", asset[1], name)
			}
		}
	}
}

func readAsset(t *testing.T, parts ...string) []byte {
	t.Helper()
	path := filepath.Join(append([]string{repoRoot(t), "deployments", "observability"}, parts...)...)
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
