package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	questionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biagent_questions_total",
			Help: "Total number of answered questions by final outcome.",
		},
		[]string{"outcome"},
	)
	repairAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "biagent_repair_attempts_total",
			Help: "Total number of repair prompts issued after a failed execution.",
		},
	)
	modelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biagent_model_calls_total",
			Help: "Total number of model gateway calls by task and status.",
		},
		[]string{"task", "status"},
	)
	modelLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "biagent_model_latency_seconds",
			Help:    "Model gateway latency by task, including stream drain.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"task"},
	)
	queryExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biagent_query_executions_total",
			Help: "Total number of warehouse executions by status.",
		},
		[]string{"status"},
	)
	queryLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "biagent_query_latency_ms",
			Help:    "Warehouse execution latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
	)
	chartRendersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biagent_chart_renders_total",
			Help: "Total number of chart synthesis runs by status.",
		},
		[]string{"status"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "biagent_active_sessions",
			Help: "Current number of open conversation sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		questionsTotal,
		repairAttemptsTotal,
		modelCallsTotal,
		modelLatencySeconds,
		queryExecutionsTotal,
		queryLatencyMs,
		chartRendersTotal,
		activeSessions,
	)
}

func ObserveQuestion(outcome string) {
	questionsTotal.WithLabelValues(outcome).Inc()
}

func IncrementRepairAttempts() {
	repairAttemptsTotal.Inc()
}

func ObserveModelCall(task string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	modelCallsTotal.WithLabelValues(task, status).Inc()
	modelLatencySeconds.WithLabelValues(task).Observe(elapsed.Seconds())
}

func ObserveQueryExecution(status string, elapsed time.Duration) {
	queryExecutionsTotal.WithLabelValues(status).Inc()
	queryLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveChartRender(status string) {
	chartRendersTotal.WithLabelValues(status).Inc()
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessions.Set(float64(count))
}
