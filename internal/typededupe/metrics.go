package typededupe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Promotions        *prometheus.CounterVec
	PromotionDuration prometheus.Histogram
	Running           prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Promotions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lakesink_promotions_total",
			Help: "Promotions run, by result",
		}, []string{"result"}),
		PromotionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lakesink_promotion_duration_seconds",
			Help:    "Time spent promoting staged records into final tables",
			Buckets: prometheus.DefBuckets,
		}),
		Running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lakesink_promotions_running",
			Help: "Promotions currently running",
		}),
	}
}
