// Package metrics exports pulse activity as prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teranos/testpulse/errors"
)

var (
	// tasksDispatched counts accepted tasks by kind
	tasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testpulse_tasks_dispatched_total",
		Help: "Tasks accepted by the dispatcher by kind",
	}, []string{"kind"})

	// tasksFinished counts terminal transitions by kind and status
	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testpulse_tasks_finished_total",
		Help: "Tasks reaching a terminal state by kind and status",
	}, []string{"kind", "status"})

	// executionResults counts recorded execution outcomes
	executionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testpulse_execution_results_total",
		Help: "Recorded test case execution results by outcome",
	}, []string{"result"})

	// executionDuration tracks script wall-clock time
	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "testpulse_execution_duration_seconds",
		Help:    "Test case execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 13), // 100ms to ~7min
	}, []string{"result"})

	// executionTimeouts counts hard-killed executions
	executionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testpulse_execution_timeouts_total",
		Help: "Executions killed at their wall-clock limit",
	})

	// workersLost counts tasks rejected because their worker died
	workersLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testpulse_workers_lost_total",
		Help: "Tasks failed because their worker was lost",
	})

	// queueDepth is the number of queued tasks
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "testpulse_queue_depth",
		Help: "Tasks waiting for a worker",
	})

	// activeWorkers is the number of workers executing a task
	activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "testpulse_active_workers",
		Help: "Workers currently executing a task",
	})

	// scheduleFirings counts schedule firings by outcome (fired, suppressed, error)
	scheduleFirings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testpulse_schedule_firings_total",
		Help: "Schedule firings by outcome",
	}, []string{"outcome"})
)

// TaskDispatched records an accepted task.
func TaskDispatched(kind string) {
	tasksDispatched.WithLabelValues(kind).Inc()
}

// TaskFinished records a terminal transition.
func TaskFinished(kind, status string) {
	tasksFinished.WithLabelValues(kind, status).Inc()
}

// ExecutionFinished records one finished execution.
func ExecutionFinished(result string, d time.Duration) {
	executionResults.WithLabelValues(result).Inc()
	executionDuration.WithLabelValues(result).Observe(d.Seconds())
}

// ExecutionTimedOut records a hard kill.
func ExecutionTimedOut() {
	executionTimeouts.Inc()
}

// WorkerLost records a lost worker.
func WorkerLost() {
	workersLost.Inc()
}

// SetQueueDepth publishes the current queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetActiveWorkers publishes the number of busy workers.
func SetActiveWorkers(n int) {
	activeWorkers.Set(float64(n))
}

// ScheduleFired records a firing outcome.
func ScheduleFired(outcome string) {
	scheduleFirings.WithLabelValues(outcome).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Infow("Metrics endpoint listening", "address", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(shutdownCtx), "failed to stop metrics endpoint")
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "metrics endpoint failed")
	}
}
