// Package metrics exports executor activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/conductor/pkg/api"
)

// Collector is an api.Observer backed by Prometheus collectors.
//
// Exposed series:
//
//	conductor_executions_started_total{namespace}
//	conductor_executions_ended_total{namespace,state}
//	conductor_execution_duration_seconds{namespace,state}
//	conductor_task_runs_dispatched_total{namespace}
//	conductor_task_runs_ended_total{namespace,state}
//	conductor_retries_total{namespace,behavior}
//	conductor_sla_violations_total{namespace,behavior}
//	conductor_resolution_duration_seconds
type Collector struct {
	api.NoopObserver

	executionsStarted  *prometheus.CounterVec
	executionsEnded    *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	taskRunsDispatched *prometheus.CounterVec
	taskRunsEnded      *prometheus.CounterVec
	retries            *prometheus.CounterVec
	slaViolations      *prometheus.CounterVec
	resolution         prometheus.Histogram

	gatherer prometheus.Gatherer
}

var _ api.Observer = (*Collector)(nil)

// NewCollector creates the collectors and registers them with reg. A nil
// reg uses a fresh registry, served by Handler.
func NewCollector(reg *prometheus.Registry) (*Collector, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		executionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "executions_started_total",
			Help:      "Executions that moved to RUNNING for the first time.",
		}, []string{"namespace"}),
		executionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "executions_ended_total",
			Help:      "Executions that reached a terminal state.",
		}, []string{"namespace", "state"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conductor",
			Name:      "execution_duration_seconds",
			Help:      "Wall time from creation to the terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"namespace", "state"}),
		taskRunsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "task_runs_dispatched_total",
			Help:      "Worker tasks emitted by the executor.",
		}, []string{"namespace"}),
		taskRunsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "task_runs_ended_total",
			Help:      "Task runs that reached a terminal state.",
		}, []string{"namespace", "state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "retries_total",
			Help:      "Failed attempts granted a retry.",
		}, []string{"namespace", "behavior"}),
		slaViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "sla_violations_total",
			Help:      "SLA violations applied to executions.",
		}, []string{"namespace", "behavior"}),
		resolution: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conductor",
			Name:      "resolution_duration_seconds",
			Help:      "Duration of one resolution pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		gatherer: reg,
	}

	for _, col := range []prometheus.Collector{
		c.executionsStarted,
		c.executionsEnded,
		c.executionDuration,
		c.taskRunsDispatched,
		c.taskRunsEnded,
		c.retries,
		c.slaViolations,
		c.resolution,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) OnExecutionStart(ctx context.Context, exec *api.Execution) {
	c.executionsStarted.WithLabelValues(exec.Namespace).Inc()
}

func (c *Collector) OnExecutionEnd(ctx context.Context, exec *api.Execution) {
	state := string(exec.State.Current())
	c.executionsEnded.WithLabelValues(exec.Namespace, state).Inc()
	if end, ok := exec.State.EndDate(); ok {
		c.executionDuration.WithLabelValues(exec.Namespace, state).Observe(end.Sub(exec.State.StartDate()).Seconds())
	}
}

func (c *Collector) OnTaskRunDispatched(ctx context.Context, exec *api.Execution, tr api.TaskRun) {
	c.taskRunsDispatched.WithLabelValues(exec.Namespace).Inc()
}

func (c *Collector) OnTaskRunEnd(ctx context.Context, exec *api.Execution, tr api.TaskRun) {
	c.taskRunsEnded.WithLabelValues(exec.Namespace, string(tr.State.Current())).Inc()
}

func (c *Collector) OnRetry(ctx context.Context, exec *api.Execution, tr api.TaskRun, d api.RetryDecision) {
	c.retries.WithLabelValues(exec.Namespace, string(d.Behavior)).Inc()
}

func (c *Collector) OnSLAViolation(ctx context.Context, exec *api.Execution, v api.Violation) {
	c.slaViolations.WithLabelValues(exec.Namespace, string(v.Behavior)).Inc()
}

func (c *Collector) OnResolution(ctx context.Context, exec *api.Execution, d time.Duration) {
	c.resolution.Observe(d.Seconds())
}
