package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("stageflow.engine")

var (
	// finishTotal counts finished stages by outcome.
	finishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stageflow_stage_finish_total",
		Help: "Finished stages by policy outcome",
	}, []string{"outcome"})

	// forcedTotal counts forced route corrections.
	forcedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stageflow_forced_route_total",
		Help: "Forced route corrections by operation",
	}, []string{"operation"})

	crashTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stageflow_stage_crash_total",
		Help: "Stages that produced output without a parsable result",
	})

	barrierTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stageflow_barrier_timeout_total",
		Help: "Barrier groups force-resolved by the timeout sweep",
	})

	terminationTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stageflow_workflow_terminated_total",
		Help: "Workflows terminated after exceeding the crash cap",
	})

	// operationDuration tracks engine operation latency.
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stageflow_operation_duration_seconds",
		Help:    "Engine operation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"operation"})
)

func observe(op string, res Resolution) {
	switch res.Outcome {
	case OutcomeCrashed:
		crashTotal.Inc()
	case OutcomeTerminated:
		crashTotal.Inc()
		terminationTotal.Inc()
	}
	if len(res.Forced) > 0 {
		forcedTotal.WithLabelValues(op).Add(float64(len(res.Forced)))
	}
	if len(res.Timeouts) > 0 {
		barrierTimeoutTotal.Add(float64(len(res.Timeouts)))
	}
}
