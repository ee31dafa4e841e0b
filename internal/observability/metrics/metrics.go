// Package metrics exposes orchestrator metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sfs_orchestrator"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	connectorInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_invocations_total",
		Help:      "Connector invocations by platform and outcome.",
	}, []string{"platform", "outcome"})

	connectorLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "connector_invocation_duration_seconds",
		Help:      "Connector invocation latency.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"platform"})

	workflowRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_runs_total",
		Help:      "Workflows that reached a terminal status.",
	}, []string{"status"})

	workflowDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_duration_seconds",
		Help:      "Wall-clock duration of workflow executions.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"status"})

	workflowSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_steps_total",
		Help:      "Executed workflow steps by kind and status.",
	}, []string{"kind", "status"})

	activeWorkflows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workflows_active",
		Help:      "Workflows currently running.",
	})

	queuedRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_run_queue_events_total",
		Help:      "Asynchronous workflow run queue events.",
	}, []string{"event"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpLatency,
		connectorInvocations, connectorLatency,
		workflowRuns, workflowDuration, workflowSteps, activeWorkflows,
		queuedRuns,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveConnectorInvocation records one connector call.
func ObserveConnectorInvocation(platform string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	connectorInvocations.WithLabelValues(platform, outcome).Inc()
	connectorLatency.WithLabelValues(platform).Observe(duration.Seconds())
}

// ObserveWorkflow records a workflow reaching a terminal status.
func ObserveWorkflow(status string, duration time.Duration) {
	workflowRuns.WithLabelValues(status).Inc()
	workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveStep records a single step result.
func ObserveStep(kind, status string) {
	workflowSteps.WithLabelValues(kind, status).Inc()
}

// WorkflowStarted and WorkflowFinished track the active workflow gauge.
func WorkflowStarted()  { activeWorkflows.Inc() }
func WorkflowFinished() { activeWorkflows.Dec() }

// ObserveQueueEvent counts queue lifecycle events such as published, processed or failed.
func ObserveQueueEvent(event string) {
	queuedRuns.WithLabelValues(event).Inc()
}

// Registry returns the registry backing Handler, mainly for tests.
func Registry() *prometheus.Registry { return registry }

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
