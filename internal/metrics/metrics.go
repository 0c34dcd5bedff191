package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lakesink_build_info",
		Help: "Build information of lakesink",
	}, []string{"version", "commit", "date"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lakesink_jobs_total",
		Help: "Jobs run, by result and destination.",
	}, []string{"destination", "result"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lakesink_job_duration_seconds",
		Help:    "Wall time of a job from start to close.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"destination"})

	LinesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lakesink_source_lines_total",
		Help: "Protocol lines read from the source.",
	})
)
