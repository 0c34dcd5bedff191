package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"

	"github.com/malbeclabs/lakesink/internal/staging"
	"github.com/malbeclabs/lakesink/internal/writeplan"
)

// undefinedTable is the SQLSTATE for a missing relation.
const undefinedTable = "42P01"

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	DB     DB
}

func (c *Config) Validate() error {
	if c.DB == nil {
		return errors.New("postgres pool is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store copies raw records into jsonb raw tables and promotes them into
// typed tables. Promotion stamps the unpromoted raw rows with one
// _loaded_at value and inserts exactly those rows, in one transaction.
type Store struct {
	log   *slog.Logger
	clock clockwork.Clock
	db    DB
}

func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, clock: cfg.Clock, db: cfg.DB}, nil
}

func rawRef(cfg *writeplan.WriteConfig) string {
	return tableRef(cfg.RawSchema, cfg.RawTable)
}

func (s *Store) targetTable(cfg *writeplan.WriteConfig) string {
	if cfg.SyncMode == writeplan.SyncModeOverwrite {
		return cfg.TempTable
	}
	return cfg.FinalTable
}

func (s *Store) execAll(ctx context.Context, key string, stmts ...string) error {
	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) Ensure(ctx context.Context, cfg *writeplan.WriteConfig) error {
	return s.execAll(ctx, "failed to ensure raw table for "+cfg.Key.String(),
		"CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(cfg.RawSchema),
		createRawTableSQL(rawRef(cfg)),
		createLoadedIndexSQL(cfg.RawSchema, cfg.RawTable),
	)
}

func (s *Store) AppendBatch(ctx context.Context, cfg *writeplan.WriteConfig, batch staging.Batch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	start := s.clock.Now()
	n, err := s.db.CopyFrom(ctx,
		pgx.Identifier{cfg.RawSchema, cfg.RawTable},
		[]string{"_raw_id", "_extracted_at", "_data"},
		pgx.CopyFromSlice(len(batch.Records), func(i int) ([]any, error) {
			r := batch.Records[i]
			return []any{r.ID, r.ExtractedAt.UTC(), string(r.Data)}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy batch for %s: %w", cfg.Key, err)
	}
	s.log.Debug("postgres: staged batch", "stream", cfg.Key.String(), "rows", n, "duration", s.clock.Since(start).String())
	return nil
}

func (s *Store) ClearExisting(ctx context.Context, cfg *writeplan.WriteConfig) error {
	return s.execAll(ctx, "failed to clear raw table for "+cfg.Key.String(), "TRUNCATE TABLE "+rawRef(cfg))
}

func (s *Store) Purge(ctx context.Context, cfg *writeplan.WriteConfig) error {
	return s.execAll(ctx, "failed to purge raw table for "+cfg.Key.String(),
		"DELETE FROM "+rawRef(cfg)+" WHERE _loaded_at IS NOT NULL")
}

func (s *Store) Prepare(ctx context.Context, cfgs []*writeplan.WriteConfig) error {
	for _, cfg := range cfgs {
		stmts := []string{
			"CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(cfg.Schema),
			createFinalTableSQL(tableRef(cfg.Schema, cfg.FinalTable), cfg),
		}
		if cfg.SyncMode == writeplan.SyncModeAppendDedupe && len(cfg.PrimaryKey) > 0 {
			stmts = append(stmts, createKeyIndexSQL(cfg.Schema, cfg.FinalTable, cfg.PrimaryKey))
		}
		if cfg.SyncMode == writeplan.SyncModeOverwrite {
			tmp := tableRef(cfg.Schema, cfg.TempTable)
			stmts = append(stmts,
				"DROP TABLE IF EXISTS "+tmp,
				fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL)", tmp, tableRef(cfg.Schema, cfg.FinalTable)),
			)
		}
		if err := s.execAll(ctx, "failed to prepare tables for "+cfg.Key.String(), stmts...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Promote(ctx context.Context, cfg *writeplan.WriteConfig) error {
	start := s.clock.Now()
	loadedAt := s.clock.Now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for %s: %w", cfg.Key, err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.log.Error("failed to rollback transaction", "stream", cfg.Key.String(), "error", err)
		}
	}()

	tag, err := tx.Exec(ctx, "UPDATE "+rawRef(cfg)+" SET _loaded_at = $1 WHERE _loaded_at IS NULL", loadedAt)
	if err != nil {
		return fmt.Errorf("failed to mark raw rows for %s: %w", cfg.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, insertSQL(tableRef(cfg.Schema, s.targetTable(cfg)), rawRef(cfg), cfg), loadedAt); err != nil {
		return fmt.Errorf("failed to insert typed rows for %s: %w", cfg.Key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit promotion for %s: %w", cfg.Key, err)
	}
	s.log.Debug("postgres: promoted stream", "stream", cfg.Key.String(), "rows", tag.RowsAffected(), "duration", s.clock.Since(start).String())
	return nil
}

func (s *Store) HasUnprocessed(ctx context.Context, cfg *writeplan.WriteConfig) (bool, error) {
	var pending bool
	err := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+rawRef(cfg)+" WHERE _loaded_at IS NULL)").Scan(&pending)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
			return false, nil
		}
		return false, fmt.Errorf("failed to check unprocessed rows for %s: %w", cfg.Key, err)
	}
	return pending, nil
}

// Commit swaps the temp table of an overwrite stream into place.
func (s *Store) Commit(ctx context.Context, cfg *writeplan.WriteConfig) error {
	if cfg.SyncMode != writeplan.SyncModeOverwrite {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for %s: %w", cfg.Key, err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.log.Error("failed to rollback transaction", "stream", cfg.Key.String(), "error", err)
		}
	}()

	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+tableRef(cfg.Schema, cfg.FinalTable)); err != nil {
		return fmt.Errorf("failed to drop final table for %s: %w", cfg.Key, err)
	}
	renameSQL := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", tableRef(cfg.Schema, cfg.TempTable), pq.QuoteIdentifier(cfg.FinalTable))
	if _, err := tx.Exec(ctx, renameSQL); err != nil {
		return fmt.Errorf("failed to rename temp table for %s: %w", cfg.Key, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) Abort(ctx context.Context, cfg *writeplan.WriteConfig) error {
	if cfg.SyncMode != writeplan.SyncModeOverwrite {
		return nil
	}
	return s.execAll(ctx, "failed to drop temp table for "+cfg.Key.String(),
		"DROP TABLE IF EXISTS "+tableRef(cfg.Schema, cfg.TempTable))
}
