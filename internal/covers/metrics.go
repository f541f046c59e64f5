package covers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type coverMetrics struct {
	processed  *prometheus.CounterVec
	duration   prometheus.Histogram
	bytesSaved prometheus.Counter
}

// newCoverMetrics registers the pipeline's metrics. A nil registerer keeps
// the metrics functional but unexported, which is what tests want.
func newCoverMetrics(reg prometheus.Registerer) *coverMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &coverMetrics{
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_processed_total",
			Help: "Cover pipeline outcomes.",
		}, []string{"outcome"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_process_duration_seconds",
			Help:    "End-to-end cover processing time.",
			Buckets: prometheus.DefBuckets,
		}),
		bytesSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "cover_bytes_saved_total",
			Help: "Bytes saved by resizing and WebP encoding.",
		}),
	}
}
