// Package metrics exposes orchestrator metrics in the Prometheus text format.
// Collectors live on a private registry so tests and embedded servers do not
// collide with the global default registry.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"MAHA-Orchestrator/internal/engine"
	"MAHA-Orchestrator/internal/workflow"
)

const namespace = "maha"

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   latencyBuckets,
	}, []string{"handler", "method"})

	agentInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_invocations_total",
		Help:      "Agent step invocations by agent and outcome.",
	}, []string{"agent", "status", "error_code"})

	agentLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_invocation_duration_seconds",
		Help:      "Agent step latency including retries.",
		Buckets:   latencyBuckets,
	}, []string{"agent"})

	plans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "plans_total",
		Help:      "Planning attempts by strategy and result code.",
	}, []string{"strategy", "code"})

	executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Finished executions by mode and status.",
	}, []string{"mode", "status"})

	executionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "Wall time of finished executions.",
		Buckets:   latencyBuckets,
	}, []string{"mode"})
)

func init() {
	registry.MustRegister(
		httpRequests, httpLatency,
		agentInvocations, agentLatency,
		plans,
		executions, executionLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveAgentInvocation records one finished step.
func ObserveAgentInvocation(agent string, status workflow.StepStatus, errorCode string, duration time.Duration) {
	agentInvocations.WithLabelValues(agent, string(status), errorCode).Inc()
	agentLatency.WithLabelValues(agent).Observe(duration.Seconds())
}

// ObservePlan records a planning attempt. code is empty on success.
func ObservePlan(strategy, code string) {
	if code == "" {
		code = "OK"
	}
	plans.WithLabelValues(strategy, code).Inc()
}

// ObserveExecution records a finished execution.
func ObserveExecution(mode workflow.Mode, status workflow.Status, duration time.Duration) {
	executions.WithLabelValues(string(mode), string(status)).Inc()
	executionLatency.WithLabelValues(string(mode)).Observe(duration.Seconds())
}

// StepHook feeds agent invocation metrics from the engine.
func StepHook() engine.StepHook {
	return func(_ context.Context, _ *workflow.Workflow, res workflow.StepResult) {
		name := res.AgentName
		if name == "" {
			name = res.AgentURL
		}
		ObserveAgentInvocation(name, res.Status, res.ErrorCode, time.Duration(res.Duration)*time.Millisecond)
	}
}

// ExecutionHook feeds execution metrics from the engine.
func ExecutionHook() engine.ExecutionHook {
	return func(_ context.Context, wf *workflow.Workflow, exec *workflow.Execution) {
		d := time.Duration(exec.CompletedAt-exec.StartedAt) * time.Millisecond
		ObserveExecution(wf.ExecutionMode, exec.Status, d)
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
