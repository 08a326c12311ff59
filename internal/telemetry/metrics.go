package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkersLive counts running worker executors.
	WorkersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offload_workers_live",
		Help: "Number of running worker executors.",
	})

	// TasksInFlight counts tasks between submission and terminal state.
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offload_tasks_in_flight",
		Help: "Tasks between submission and terminal state.",
	})

	// TasksTotal counts terminal states per operation.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offload_tasks_total",
		Help: "Terminal task states by operation.",
	}, []string{"op", "state"})

	// BytesProcessed counts payload bytes through the pipeline.
	BytesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offload_bytes_processed_total",
		Help: "Payload bytes processed by transform pipelines.",
	})

	borrowWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offload_pool_borrow_wait_seconds",
		Help:    "Time spent waiting for a worker handle.",
		Buckets: prometheus.DefBuckets,
	}, []string{"key"})
)

// BorrowWaitTimer times one pool borrow; call the returned func when
// the borrow resolves.
func BorrowWaitTimer(key string) func() {
	t := prometheus.NewTimer(borrowWait.WithLabelValues(key))
	return func() { t.ObserveDuration() }
}

func Expose(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
	}()
}
