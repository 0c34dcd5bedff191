package flush

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Flushes  prometheus.Counter
	Errors   prometheus.Counter
	Records  prometheus.Counter
	Bytes    prometheus.Counter
	Duration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Flushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_flushes_total",
			Help: "Total number of batches flushed to staging",
		}),
		Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_flush_errors_total",
			Help: "Total number of failed flushes",
		}),
		Records: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_flushed_records_total",
			Help: "Total number of records flushed to staging",
		}),
		Bytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_flushed_bytes_total",
			Help: "Total number of buffered bytes flushed to staging",
		}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lakesink_flush_duration_seconds",
			Help:    "Time spent appending batches to staging",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
