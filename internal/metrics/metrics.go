// Package metrics holds the Prometheus collectors for the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchboard"

// Registry is the registry every switchboard collector is registered on.
var Registry = prometheus.NewRegistry()

var (
	stageOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_outcomes_total",
		Help:      "Pipeline stage runs by stage and outcome.",
	}, []string{"stage", "outcome"})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Pipeline stage handler duration.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"stage"})

	toolExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_executions_total",
		Help:      "Tool invocations by tool and outcome.",
	}, []string{"tool", "outcome"})

	safetyViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "safety_violations_total",
		Help:      "Safety rule violations by rule and action.",
	}, []string{"rule", "action"})

	jobsExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_exhausted_total",
		Help:      "Jobs that ran out of attempts or failed permanently.",
	}, []string{"queue"})

	escalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalations_total",
		Help:      "Tickets escalated to a human, by stage.",
	}, []string{"stage"})

	llmTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_tokens_total",
		Help:      "LLM tokens consumed by purpose.",
	}, []string{"purpose"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		stageOutcomes, stageDuration, toolExecutions, safetyViolations,
		jobsExhausted, escalations, llmTokens,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// StageFinished records one stage run.
func StageFinished(stage, outcome string, took time.Duration) {
	stageOutcomes.WithLabelValues(stage, outcome).Inc()
	stageDuration.WithLabelValues(stage).Observe(took.Seconds())
}

// ToolExecuted records one tool call. outcome is success, failure or
// incomplete.
func ToolExecuted(tool, outcome string) {
	toolExecutions.WithLabelValues(tool, outcome).Inc()
}

// SafetyViolation records one rule violation.
func SafetyViolation(rule, action string) {
	safetyViolations.WithLabelValues(rule, action).Inc()
}

// JobExhausted records a job that will not be retried.
func JobExhausted(queue string) {
	jobsExhausted.WithLabelValues(queue).Inc()
}

// Escalated records a ticket handed to a human.
func Escalated(stage string) {
	escalations.WithLabelValues(stage).Inc()
}

// TokensUsed adds LLM token usage.
func TokensUsed(purpose string, total int) {
	if total > 0 {
		llmTokens.WithLabelValues(purpose).Add(float64(total))
	}
}
