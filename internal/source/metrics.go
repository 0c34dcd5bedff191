package source

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	MessagesConsumed prometheus.Counter
	FetchErrors      prometheus.Counter
	CommitErrors     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_source_messages_consumed_total",
			Help: "Total number of messages consumed from Kafka",
		}),
		FetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_source_fetch_errors_total",
			Help: "Total number of Kafka fetch errors",
		}),
		CommitErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_source_commit_errors_total",
			Help: "Total number of failed offset commits",
		}),
	}
}
