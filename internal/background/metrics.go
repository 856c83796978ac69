package background

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// queueMetrics holds the Prometheus collectors for one IngestQueue.
// Grounded on the teacher's WorkerPoolMetrics (internal/background's
// original metrics.go), narrowed to the three C9 signals spec §4.12
// names: queue depth, task outcome counts, and task duration. Each
// IngestQueue gets its own prometheus.Registry instead of registering
// against the global default registerer, since multiple queues can
// exist in one process (tests construct several) and the default
// registerer panics on a second registration of the same metric name.
type queueMetrics struct {
	registry     *prometheus.Registry
	queueDepth   prometheus.Gauge
	tasksTotal   *prometheus.CounterVec
	taskDuration prometheus.Histogram
}

func newQueueMetrics() *queueMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &queueMetrics{
		registry: reg,
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "knowledgecore",
			Subsystem: "ingest_queue",
			Name:      "depth",
			Help:      "Ingestion tasks currently pending or running.",
		}),
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowledgecore",
			Subsystem: "ingest_queue",
			Name:      "tasks_total",
			Help:      "Total ingestion tasks by terminal outcome.",
		}, []string{"status"}),
		taskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "knowledgecore",
			Subsystem: "ingest_queue",
			Name:      "task_duration_seconds",
			Help:      "Ingestion task execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the queue's private registry so a caller (typically
// cmd/knowledgecore) can fold it into a process-wide Gatherer.
func (q *IngestQueue) Registry() *prometheus.Registry {
	return q.metrics.registry
}
