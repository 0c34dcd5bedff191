package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/lakesink/internal/collector"
	"github.com/malbeclabs/lakesink/internal/consumer"
	"github.com/malbeclabs/lakesink/internal/job"
	"github.com/malbeclabs/lakesink/internal/metrics"
	"github.com/malbeclabs/lakesink/internal/source"
	"github.com/malbeclabs/lakesink/pkg/kafka"
	"github.com/malbeclabs/lakesink/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	ioKafka = "kafka"
	ioStd   = "-"

	defaultConfigPath      = "lakesink.yaml"
	defaultKafkaGroup      = "lakesink"
	defaultKafkaStateTopic = "lakesink-state"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	configFlag := flag.String("config", defaultConfigPath, "Path to the job config file (or set LAKESINK_CONFIG env var)")
	inputFlag := flag.String("input", ioStd, "Where protocol lines are read from: - for stdin, kafka, or a file path")
	outputFlag := flag.String("output", ioStd, "Where checkpointed state messages are written: - for stdout, kafka, or a file path")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to listen on for prometheus metrics")
	bufferMaxBytesFlag := flag.Int64("buffer-max-bytes", 0, "Global buffer budget in bytes (default: half of available memory)")

	// Kafka configuration
	kafkaBrokersFlag := flag.String("kafka-brokers", "", "Comma separated kafka brokers (or set LAKESINK_KAFKA_BROKERS env var)")
	kafkaTopicFlag := flag.String("kafka-topic", "", "Kafka topic to read protocol lines from")
	kafkaGroupFlag := flag.String("kafka-group", defaultKafkaGroup, "Kafka consumer group")
	kafkaStateTopicFlag := flag.String("kafka-state-topic", defaultKafkaStateTopic, "Kafka topic to write state messages to")
	kafkaUserFlag := flag.String("kafka-user", "", "Kafka SCRAM username")
	kafkaPassFlag := flag.String("kafka-pass", "", "Kafka SCRAM password")
	kafkaAuthFlag := flag.String("kafka-auth", "", "Kafka auth type: none, scram, or aws-msk (default: scram when --kafka-user is set)")
	kafkaTLSDisabledFlag := flag.Bool("kafka-tls-disabled", false, "Disable TLS for kafka connections")

	flag.Parse()

	// Override flags with environment variables if set
	if envConfig := os.Getenv("LAKESINK_CONFIG"); envConfig != "" && !flag.CommandLine.Changed("config") {
		*configFlag = envConfig
	}
	if envBrokers := os.Getenv("LAKESINK_KAFKA_BROKERS"); envBrokers != "" && *kafkaBrokersFlag == "" {
		*kafkaBrokersFlag = envBrokers
	}

	log := logger.New(*verboseFlag)

	cfg, err := job.LoadConfig(*configFlag)
	if err != nil {
		return err
	}
	applyEnv(cfg)
	if *bufferMaxBytesFlag > 0 {
		cfg.Buffer.MaxBytes = *bufferMaxBytesFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid job config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	}

	var kafkaConfig kafka.Config
	if *inputFlag == ioKafka || *outputFlag == ioKafka {
		authType, err := kafka.ParseAuthType(*kafkaAuthFlag)
		if err != nil {
			return err
		}
		if *kafkaAuthFlag == "" && *kafkaUserFlag != "" {
			authType = kafka.AuthTypeSCRAM
		}
		kafkaConfig = kafka.Config{
			Brokers:     splitList(*kafkaBrokersFlag),
			User:        *kafkaUserFlag,
			Pass:        *kafkaPassFlag,
			AuthType:    authType,
			TLSDisabled: *kafkaTLSDisabledFlag,
		}
		if err := kafkaConfig.Validate(); err != nil {
			return err
		}
	}

	src, err := openSource(log, *inputFlag, kafkaConfig, *kafkaTopicFlag, *kafkaGroupFlag)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Error("failed to close source", "error", err)
		}
	}()

	coll, closeCollector, err := openCollector(ctx, log, *outputFlag, kafkaConfig, *kafkaStateTopicFlag)
	if err != nil {
		return err
	}
	defer closeCollector()

	clock := clockwork.NewRealClock()
	dest, err := job.OpenDestination(ctx, log, clock, cfg.Destination)
	if err != nil {
		return fmt.Errorf("failed to open destination: %w", err)
	}
	defer func() {
		if err := dest.Close(); err != nil {
			log.Error("failed to close destination", "error", err)
		}
	}()

	runner, err := job.NewRunner(job.RunnerConfig{
		Logger:      log,
		Clock:       clock,
		Registerer:  prometheus.DefaultRegisterer,
		Job:         cfg,
		Destination: dest,
		Source:      src,
		Collector:   coll,
		MetricsAddr: *metricsAddrFlag,
	})
	if err != nil {
		return err
	}

	log.Info("lakesink: starting job",
		"version", version,
		"destination", string(cfg.Destination.Type),
		"streams", len(cfg.Catalog.Streams),
		"input", *inputFlag,
		"output", *outputFlag)
	return runner.Run(ctx)
}

// applyEnv lets connection settings come from the environment instead of
// the job file.
func applyEnv(cfg *job.Config) {
	if v := os.Getenv("DUCKLAKE_CATALOG_URI"); v != "" {
		cfg.Destination.DuckLake.CatalogURI = v
	}
	if v := os.Getenv("DUCKLAKE_STORAGE_URI"); v != "" {
		cfg.Destination.DuckLake.StorageURI = v
	}
	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		cfg.Destination.ClickHouse.Addr = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Destination.Postgres.DSN = v
	}
}

func openSource(log *slog.Logger, input string, kcfg kafka.Config, topic, group string) (source.Source, error) {
	switch input {
	case ioStd:
		return source.NewLineSource(os.Stdin), nil
	case ioKafka:
		return source.NewKafkaSource(
			source.WithKafkaConfig(kcfg),
			source.WithKafkaTopic(topic),
			source.WithKafkaGroup(group),
			source.WithKafkaLogger(log),
			source.WithMetrics(source.NewMetrics(prometheus.DefaultRegisterer)),
		)
	default:
		f, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		return source.NewLineSource(f), nil
	}
}

func openCollector(ctx context.Context, log *slog.Logger, output string, kcfg kafka.Config, topic string) (consumer.Collector, func(), error) {
	switch output {
	case ioStd:
		return collector.NewWriterCollector(), func() {}, nil
	case ioKafka:
		c, err := collector.NewKafkaCollector(ctx,
			collector.WithKafkaConfig(kcfg),
			collector.WithKafkaTopic(topic),
			collector.WithKafkaLogger(log),
			collector.WithMetrics(collector.NewMetrics(prometheus.DefaultRegisterer)),
		)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {
			if err := c.Close(); err != nil {
				log.Error("failed to close collector", "error", err)
			}
		}, nil
	default:
		f, err := os.Create(output)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create output: %w", err)
		}
		return collector.NewWriterCollector(collector.WithWriter(f)), func() {
			if err := f.Close(); err != nil {
				log.Error("failed to close output", "error", err)
			}
		}, nil
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
