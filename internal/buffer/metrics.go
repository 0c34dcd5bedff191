package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the buffer manager.
type Metrics struct {
	UsedBytes       prometheus.Gauge
	BufferedRecords prometheus.Gauge
	BudgetBytes     prometheus.Gauge
	FlushDecisions  *prometheus.CounterVec
}

// NewMetrics creates buffer metrics registered with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		UsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lakesink_buffer_used_bytes",
			Help: "Bytes currently held in stream buffers",
		}),
		BufferedRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lakesink_buffer_records",
			Help: "Records currently held in stream buffers",
		}),
		BudgetBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lakesink_buffer_budget_bytes",
			Help: "Global memory budget for stream buffers",
		}),
		FlushDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lakesink_buffer_flush_decisions_total",
			Help: "Streams selected for flushing, by reason",
		}, []string{"reason"}),
	}
}
