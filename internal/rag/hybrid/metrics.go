package hybrid

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// retrieverMetrics holds the Prometheus collectors for one Retriever,
// grounded on the teacher's per-subsystem metrics structs (e.g.
// internal/background's original metrics.go): a histogram of retrieval
// latency labeled by channel, per spec §4.12's "retrieval latency per
// channel" requirement. Each Retriever gets its own prometheus.Registry
// rather than the global default registerer, since tests construct many
// Retriever instances in one process.
type retrieverMetrics struct {
	registry       *prometheus.Registry
	channelLatency *prometheus.HistogramVec
}

func newRetrieverMetrics() *retrieverMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &retrieverMetrics{
		registry: reg,
		channelLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "knowledgecore",
			Subsystem: "hybrid_retriever",
			Name:      "channel_latency_seconds",
			Help:      "Per-variant search latency in seconds, by channel (dense, lexical).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
	}
}

// Registry exposes the retriever's private registry so a caller can
// fold it into a process-wide Gatherer.
func (r *Retriever) Registry() *prometheus.Registry {
	return r.metrics.registry
}
