package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/lakesink/internal/staging"
	"github.com/malbeclabs/lakesink/internal/typededupe"
	"github.com/malbeclabs/lakesink/pkg/clickhouse"
	"github.com/malbeclabs/lakesink/pkg/duck"
	"github.com/malbeclabs/lakesink/pkg/objstore"
	"github.com/malbeclabs/lakesink/pkg/postgres"
)

// Destination is an opened staging backend and its promotion engine.
type Destination struct {
	Type    DestinationType
	Backend staging.Backend
	Engine  typededupe.Engine
	closers []func() error
}

func (d *Destination) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenDestination connects to the configured destination. cfg must be
// validated.
func OpenDestination(ctx context.Context, log *slog.Logger, clock clockwork.Clock, cfg DestinationConfig) (*Destination, error) {
	d := &Destination{Type: cfg.Type}
	var err error
	switch cfg.Type {
	case DestinationDuckDB:
		err = d.openDuckDB(ctx, log, clock, cfg.DuckDB)
	case DestinationDuckLake:
		err = d.openDuckLake(ctx, log, clock, cfg.DuckLake)
	case DestinationClickHouse:
		err = d.openClickHouse(ctx, log, clock, cfg.ClickHouse)
	case DestinationPostgres:
		err = d.openPostgres(ctx, log, clock, cfg.Postgres)
	case DestinationS3:
		err = d.openS3(ctx, log, clock, cfg.S3)
	default:
		err = fmt.Errorf("unknown destination type %q", cfg.Type)
	}
	if err != nil {
		return nil, errors.Join(err, d.Close())
	}
	log.Info("destination opened", "type", string(cfg.Type))
	return d, nil
}

func tmpDir(dir string) string {
	if dir == "" {
		return os.TempDir()
	}
	return dir
}

func (d *Destination) useDuck(log *slog.Logger, clock clockwork.Clock, db duck.DB, dir string) error {
	stager, err := duck.NewStager(log, db, tmpDir(dir))
	if err != nil {
		return err
	}
	d.Backend = stager
	d.Engine = duck.NewEngine(log, db, clock)
	return nil
}

func (d *Destination) openDuckDB(ctx context.Context, log *slog.Logger, clock clockwork.Clock, cfg DuckDBConfig) error {
	db, err := duck.NewDB(ctx, cfg.Path, log)
	if err != nil {
		return fmt.Errorf("failed to open duckdb database: %w", err)
	}
	d.closers = append(d.closers, db.Close)
	return d.useDuck(log, clock, db, cfg.TmpDir)
}

func (d *Destination) openDuckLake(ctx context.Context, log *slog.Logger, clock clockwork.Clock, cfg DuckLakeConfig) error {
	s3Config, err := objstore.PrepareForURI(ctx, log, cfg.StorageURI)
	if err != nil {
		return err
	}
	log.Info("initializing ducklake database",
		"catalog", cfg.CatalogName,
		"catalogURI", duck.RedactedCatalogURI(cfg.CatalogURI),
		"storageURI", duck.RedactedStorageURI(cfg.StorageURI))
	lake, err := duck.NewLake(ctx, log, cfg.CatalogName, cfg.CatalogURI, cfg.StorageURI, s3Config)
	if err != nil {
		return fmt.Errorf("failed to create DuckLake database: %w", err)
	}
	d.closers = append(d.closers, lake.Close)
	return d.useDuck(log, clock, lake, cfg.TmpDir)
}

func (d *Destination) openClickHouse(ctx context.Context, log *slog.Logger, clock clockwork.Clock, cfg ClickHouseConfig) error {
	client, err := clickhouse.NewClient(ctx, log, clickhouse.ClientConfig{
		Addr:       cfg.Addr,
		Database:   cfg.Database,
		Username:   cfg.Username,
		Password:   cfg.Password,
		DisableTLS: cfg.DisableTLS,
	})
	if err != nil {
		return err
	}
	d.closers = append(d.closers, client.Close)
	store, err := clickhouse.NewStore(clickhouse.Config{
		Logger:       log,
		Clock:        clock,
		Client:       client,
		WatermarkTTL: cfg.WatermarkTTL,
	})
	if err != nil {
		return err
	}
	d.Backend, d.Engine = store, store
	return nil
}

func (d *Destination) openPostgres(ctx context.Context, log *slog.Logger, clock clockwork.Clock, cfg PostgresConfig) error {
	pool, err := postgres.NewPool(ctx, log, postgres.PoolConfig{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
	if err != nil {
		return err
	}
	d.closers = append(d.closers, func() error {
		pool.Close()
		return nil
	})
	store, err := postgres.NewStore(postgres.Config{Logger: log, Clock: clock, DB: pool})
	if err != nil {
		return err
	}
	d.Backend, d.Engine = store, store
	return nil
}

func (d *Destination) openS3(ctx context.Context, log *slog.Logger, clock clockwork.Clock, cfg S3Config) error {
	bucket, prefix, err := objstore.ParseURI(cfg.URI)
	if err != nil {
		return err
	}
	s3cfg, err := objstore.LoadS3ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load S3 configuration: %w", err)
	}
	client, err := objstore.NewClient(ctx, s3cfg)
	if err != nil {
		return err
	}
	if err := objstore.EnsureBucket(ctx, log, client, s3cfg, bucket); err != nil {
		return err
	}
	store, err := objstore.NewStore(objstore.Config{
		Logger: log,
		Clock:  clock,
		Client: client,
		Bucket: bucket,
		Prefix: prefix,
	})
	if err != nil {
		return err
	}
	d.closers = append(d.closers, func() error {
		store.Close()
		return nil
	})
	d.Backend, d.Engine = store, store
	return nil
}
