// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	runsTotalCounter           *prometheus.CounterVec
	runAttemptsCounter         prometheus.Counter
	executorCallDurationMetric prometheus.Histogram
	failuresRecordedCounter    prometheus.Counter
	patchesAppliedCounter      *prometheus.CounterVec
	persistenceErrorsCounter   *prometheus.CounterVec
	httpRequestDurationMetric  *prometheus.HistogramVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		runsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runs_total",
				Help: "Total number of task status transitions by status.",
			},
			[]string{"status"},
		)

		runAttemptsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "run_attempts_total",
				Help: "Total number of executor attempts across all runs.",
			},
		)

		executorCallDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "executor_call_duration_seconds",
				Help:    "Duration of executor submissions in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		)

		failuresRecordedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "failures_recorded_total",
				Help: "Total number of failure records written to the failure bank.",
			},
		)

		patchesAppliedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patches_applied_total",
				Help: "Total number of repair patches applied by patch type.",
			},
			[]string{"type"},
		)

		persistenceErrorsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "persistence_errors_total",
				Help: "Total number of swallowed persistence errors by store.",
			},
			[]string{"store"},
		)

		httpRequestDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of API requests in seconds by route pattern.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "code"},
		)

		prometheus.MustRegister(
			runsTotalCounter,
			runAttemptsCounter,
			executorCallDurationMetric,
			failuresRecordedCounter,
			patchesAppliedCounter,
			persistenceErrorsCounter,
			httpRequestDurationMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []domain.TaskStatus{
			domain.TaskPending,
			domain.TaskRunning,
			domain.TaskCompleted,
			domain.TaskFailed,
		} {
			runsTotalCounter.WithLabelValues(string(status))
		}
		for _, store := range []string{"failures", "tasks", "artifacts"} {
			persistenceErrorsCounter.WithLabelValues(store)
		}
	})
}

func IncRunStatus(status string) {
	Init()
	runsTotalCounter.WithLabelValues(status).Inc()
}

func IncRunAttempts() {
	Init()
	runAttemptsCounter.Inc()
}

func ObserveExecutorCallDuration(d time.Duration) {
	Init()
	executorCallDurationMetric.Observe(d.Seconds())
}

func IncFailuresRecorded() {
	Init()
	failuresRecordedCounter.Inc()
}

func IncPatchApplied(patchType string) {
	Init()
	patchesAppliedCounter.WithLabelValues(patchType).Inc()
}

func IncPersistenceError(store string) {
	Init()
	persistenceErrorsCounter.WithLabelValues(store).Inc()
}

func ObserveHTTPRequest(route, method, code string, d time.Duration) {
	Init()
	httpRequestDurationMetric.WithLabelValues(route, method, code).Observe(d.Seconds())
}
