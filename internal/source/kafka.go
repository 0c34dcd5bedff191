package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/malbeclabs/lakesink/pkg/kafka"
)

// kafkaClient is the subset of kgo.Client methods the source uses.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

// KafkaSource consumes protocol lines from a Kafka topic, one message per
// record value.
type KafkaSource struct {
	conn    kafka.Config
	topic   string
	group   string
	client  kafkaClient
	logger  *slog.Logger
	metrics *Metrics
}

type KafkaSourceOption func(*KafkaSource)

func WithKafkaConfig(cfg kafka.Config) KafkaSourceOption {
	return func(s *KafkaSource) {
		s.conn = cfg
	}
}

func WithKafkaTopic(topic string) KafkaSourceOption {
	return func(s *KafkaSource) {
		s.topic = topic
	}
}

func WithKafkaGroup(group string) KafkaSourceOption {
	return func(s *KafkaSource) {
		s.group = group
	}
}

func WithKafkaLogger(logger *slog.Logger) KafkaSourceOption {
	return func(s *KafkaSource) {
		s.logger = logger
	}
}

func WithMetrics(metrics *Metrics) KafkaSourceOption {
	return func(s *KafkaSource) {
		s.metrics = metrics
	}
}

// withKafkaClient is used for testing to inject a mock client.
func withKafkaClient(client kafkaClient) KafkaSourceOption {
	return func(s *KafkaSource) {
		s.client = client
	}
}

func NewKafkaSource(opts ...KafkaSourceOption) (*KafkaSource, error) {
	s := &KafkaSource{
		metrics: NewMetrics(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if s.client != nil {
		return s, nil
	}

	if err := s.conn.Validate(); err != nil {
		return nil, err
	}
	if s.topic == "" {
		return nil, fmt.Errorf("kafka topic is required: use WithKafkaTopic")
	}
	if s.group == "" {
		return nil, fmt.Errorf("kafka consumer group is required: use WithKafkaGroup")
	}

	kOpts := append(s.conn.Opts(),
		kgo.ConsumeTopics(s.topic),
		kgo.ConsumerGroup(s.group),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	client, err := kgo.NewClient(kOpts...)
	if err != nil {
		return nil, fmt.Errorf("error creating kafka client: %w", err)
	}
	s.client = client
	return s, nil
}

// Next polls for the next batch of messages. An empty poll returns no lines
// and no error.
func (s *KafkaSource) Next(ctx context.Context) ([][]byte, error) {
	fetches := s.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fetches.Empty() {
		return nil, nil
	}

	fetches.EachError(func(topic string, partition int32, err error) {
		s.logger.Error("error during fetching", "topic", topic, "partition", partition, "error", err)
		s.metrics.FetchErrors.Inc()
	})

	var lines [][]byte
	fetches.EachRecord(func(rec *kgo.Record) {
		if len(rec.Value) == 0 {
			return
		}
		lines = append(lines, rec.Value)
	})
	s.metrics.MessagesConsumed.Add(float64(len(lines)))
	return lines, nil
}

func (s *KafkaSource) Commit(ctx context.Context) error {
	if err := s.client.CommitUncommittedOffsets(ctx); err != nil {
		s.metrics.CommitErrors.Inc()
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	return nil
}

func (s *KafkaSource) Close() error {
	s.client.Close()
	return nil
}
