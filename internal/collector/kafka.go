package collector

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/malbeclabs/lakesink/pkg/kafka"
	"github.com/malbeclabs/lakesink/pkg/protocol"
)

// kafkaProducer is the subset of kgo.Client methods the collector uses.
type kafkaProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type Metrics struct {
	Produced      prometheus.Counter
	ProduceErrors prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Produced: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_collector_produced_total",
			Help: "Total number of state messages produced to Kafka",
		}),
		ProduceErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lakesink_collector_produce_errors_total",
			Help: "Total number of failed state message produces",
		}),
	}
}

// KafkaCollector produces forwarded state messages to a topic, keyed by
// stream so per-stream order is kept within a partition.
type KafkaCollector struct {
	conn     kafka.Config
	topic    string
	producer kafkaProducer
	logger   *slog.Logger
	metrics  *Metrics
}

type KafkaCollectorOption func(*KafkaCollector)

func WithKafkaConfig(cfg kafka.Config) KafkaCollectorOption {
	return func(c *KafkaCollector) {
		c.conn = cfg
	}
}

func WithKafkaTopic(topic string) KafkaCollectorOption {
	return func(c *KafkaCollector) {
		c.topic = topic
	}
}

func WithKafkaLogger(logger *slog.Logger) KafkaCollectorOption {
	return func(c *KafkaCollector) {
		c.logger = logger
	}
}

func WithMetrics(metrics *Metrics) KafkaCollectorOption {
	return func(c *KafkaCollector) {
		c.metrics = metrics
	}
}

// withKafkaProducer is used for testing to inject a mock producer.
func withKafkaProducer(p kafkaProducer) KafkaCollectorOption {
	return func(c *KafkaCollector) {
		c.producer = p
	}
}

func NewKafkaCollector(ctx context.Context, opts ...KafkaCollectorOption) (*KafkaCollector, error) {
	c := &KafkaCollector{
		metrics: NewMetrics(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.topic == "" {
		return nil, fmt.Errorf("kafka topic is required: use WithKafkaTopic")
	}
	if c.producer != nil {
		return c, nil
	}
	if err := c.conn.Validate(); err != nil {
		return nil, err
	}

	client, err := kgo.NewClient(append(c.conn.Opts(),
		kgo.DefaultProduceTopic(c.topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)...)
	if err != nil {
		return nil, fmt.Errorf("error creating kafka client: %w", err)
	}
	if err := kafka.EnsureTopic(ctx, client, c.topic, 1); err != nil {
		client.Close()
		return nil, err
	}
	c.producer = client
	return c, nil
}

func (c *KafkaCollector) Forward(ctx context.Context, msg *protocol.Message) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	rec := &kgo.Record{Topic: c.topic, Value: b}
	if msg.State != nil {
		if key, ok := msg.State.Key(); ok {
			rec.Key = []byte(key.String())
		}
	}
	if err := c.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		c.metrics.ProduceErrors.Inc()
		c.logger.Error("collector: failed to produce state", "topic", c.topic, "error", err)
		return fmt.Errorf("failed to produce state: %w", err)
	}
	c.metrics.Produced.Inc()
	return nil
}

func (c *KafkaCollector) Close() error {
	c.producer.Close()
	return nil
}
