package job

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/lakesink/internal/buffer"
	"github.com/malbeclabs/lakesink/internal/consumer"
	"github.com/malbeclabs/lakesink/internal/writeplan"
)

type DestinationType string

const (
	DestinationDuckDB     DestinationType = "duckdb"
	DestinationDuckLake   DestinationType = "ducklake"
	DestinationClickHouse DestinationType = "clickhouse"
	DestinationPostgres   DestinationType = "postgres"
	DestinationS3         DestinationType = "s3"
)

type DuckDBConfig struct {
	// Path of the database file. Empty opens an in-memory database.
	Path   string `yaml:"path"`
	TmpDir string `yaml:"tmp_dir"`
}

type DuckLakeConfig struct {
	CatalogName string `yaml:"catalog_name"`
	CatalogURI  string `yaml:"catalog_uri"`
	StorageURI  string `yaml:"storage_uri"`
	TmpDir      string `yaml:"tmp_dir"`
}

type ClickHouseConfig struct {
	Addr         string        `yaml:"addr"`
	Database     string        `yaml:"database"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DisableTLS   bool          `yaml:"disable_tls"`
	WatermarkTTL time.Duration `yaml:"watermark_ttl"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type S3Config struct {
	// URI is s3://bucket/prefix. Credentials and endpoint come from S3_* env vars.
	URI string `yaml:"uri"`
}

type DestinationConfig struct {
	Type       DestinationType  `yaml:"type"`
	DuckDB     DuckDBConfig     `yaml:"duckdb"`
	DuckLake   DuckLakeConfig   `yaml:"ducklake"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	S3         S3Config         `yaml:"s3"`
}

func (c *DestinationConfig) Validate() error {
	switch c.Type {
	case "":
		c.Type = DestinationDuckDB
	case DestinationDuckDB:
	case DestinationDuckLake:
		if c.DuckLake.CatalogURI == "" || c.DuckLake.StorageURI == "" {
			return errors.New("ducklake destination requires catalog_uri and storage_uri")
		}
		if c.DuckLake.CatalogName == "" {
			c.DuckLake.CatalogName = "lakesink"
		}
	case DestinationClickHouse:
		if c.ClickHouse.Addr == "" {
			return errors.New("clickhouse destination requires addr")
		}
		if c.ClickHouse.Database == "" {
			c.ClickHouse.Database = "default"
		}
	case DestinationPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres destination requires dsn")
		}
	case DestinationS3:
		if !strings.HasPrefix(c.S3.URI, "s3://") {
			return fmt.Errorf("s3 destination requires an s3:// uri (got: %q)", c.S3.URI)
		}
	default:
		return fmt.Errorf("unknown destination type %q", c.Type)
	}
	return nil
}

type BufferConfig struct {
	MaxBytes         int64         `yaml:"max_bytes"`
	StreamMaxBytes   int64         `yaml:"stream_max_bytes"`
	StreamMaxRecords int           `yaml:"stream_max_records"`
	MaxAge           time.Duration `yaml:"max_age"`
	BudgetFraction   float64       `yaml:"budget_fraction"`
}

func (c BufferConfig) policy() buffer.Policy {
	return buffer.Policy{
		MaxBytes:         c.MaxBytes,
		StreamMaxBytes:   c.StreamMaxBytes,
		StreamMaxRecords: c.StreamMaxRecords,
		MaxAge:           c.MaxAge,
	}
}

type NamingConfig struct {
	DefaultNamespace    string `yaml:"default_namespace"`
	RawSchema           string `yaml:"raw_schema"`
	RawSuffix           string `yaml:"raw_suffix"`
	TempSuffix          string `yaml:"temp_suffix"`
	MaxIdentifierLength int    `yaml:"max_identifier_length"`
}

func (c NamingConfig) resolver() (*writeplan.DefaultNaming, error) {
	return writeplan.NewDefaultNaming(writeplan.NamingConfig{
		DefaultNamespace:    c.DefaultNamespace,
		RawSchema:           c.RawSchema,
		RawSuffix:           c.RawSuffix,
		TempSuffix:          c.TempSuffix,
		MaxIdentifierLength: c.MaxIdentifierLength,
	})
}

// Config is a job file.
type Config struct {
	Destination DestinationConfig `yaml:"destination"`
	Catalog     writeplan.Catalog `yaml:"catalog"`
	// CatalogPath loads the catalog from its own file instead of the inline
	// catalog.
	CatalogPath string `yaml:"catalog_path"`
	Buffer      BufferConfig      `yaml:"buffer"`
	Naming      NamingConfig      `yaml:"naming"`
	// Checkpoint is "accept" or "flush".
	Checkpoint string `yaml:"checkpoint"`
	// PurgeStaging removes promoted raw data when the job succeeds.
	PurgeStaging         bool `yaml:"purge_staging"`
	PromotionConcurrency int  `yaml:"promotion_concurrency"`
	DrainConcurrency     int  `yaml:"drain_concurrency"`
	// IdleTimeout ends a job on an unbounded source once no line has
	// arrived for this long. Zero runs until the source ends.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

func (c *Config) Validate() error {
	if err := c.Destination.Validate(); err != nil {
		return err
	}
	if c.CatalogPath != "" {
		if len(c.Catalog.Streams) > 0 {
			return errors.New("catalog and catalog_path are mutually exclusive")
		}
		catalog, err := writeplan.LoadCatalog(c.CatalogPath)
		if err != nil {
			return err
		}
		c.Catalog = catalog
		c.CatalogPath = ""
	}
	if err := c.Catalog.Validate(); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}
	if _, err := c.checkpointPolicy(); err != nil {
		return err
	}
	if c.PromotionConcurrency < 0 || c.DrainConcurrency < 0 {
		return errors.New("concurrency must be non-negative")
	}
	if c.IdleTimeout < 0 {
		return errors.New("idle timeout must be non-negative")
	}
	if c.Destination.Type == DestinationS3 {
		for _, s := range c.Catalog.Streams {
			if s.SyncMode == writeplan.SyncModeAppendDedupe {
				return fmt.Errorf("stream %s: s3 destination does not support append_dedupe", s.Key())
			}
		}
	}
	return nil
}

func (c *Config) checkpointPolicy() (consumer.CheckpointPolicy, error) {
	switch strings.ToLower(c.Checkpoint) {
	case "", "accept", "on_accept":
		return consumer.CheckpointOnAccept, nil
	case "flush", "on_flush":
		return consumer.CheckpointOnFlush, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint policy %q", c.Checkpoint)
	}
}

// ParseConfig decodes a job file. Unknown keys are rejected; validation is
// left to the caller so flags and env can be applied first.
func ParseConfig(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse job config: %w", err)
	}
	return &cfg, nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job config: %w", err)
	}
	return ParseConfig(b)
}
