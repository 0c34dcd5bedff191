package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RecordsAccepted  prometheus.Counter
	StatesForwarded  prometheus.Counter
	StatesHeld       prometheus.Gauge
	UnconfiguredHits prometheus.Counter
	FlushFailures    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_records_accepted_total",
			Help: "Total number of records accepted into stream buffers",
		}),
		StatesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_states_forwarded_total",
			Help: "Total number of state messages forwarded to the collector",
		}),
		StatesHeld: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lakesink_states_held",
			Help: "State messages waiting for their records to be flushed",
		}),
		UnconfiguredHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_unconfigured_stream_records_total",
			Help: "Records rejected because their stream is not configured",
		}),
		FlushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_consumer_flush_failures_total",
			Help: "Flushes that failed the job",
		}),
	}
}
