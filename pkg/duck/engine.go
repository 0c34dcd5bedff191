package duck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"

	"github.com/malbeclabs/lakesink/internal/writeplan"
)

// Engine promotes raw tables written by Stager into typed final tables.
//
// Promotion stamps every unpromoted raw row with one _loaded_at value, then
// inserts the typed projection of exactly those rows. Append-dedupe streams
// then keep only the newest row per primary key, ordered by cursor and
// extraction time.
type Engine struct {
	log   *slog.Logger
	db    DB
	clock clockwork.Clock
}

func NewEngine(log *slog.Logger, db DB, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{log: log, db: db, clock: clock}
}

func (e *Engine) targetTable(cfg *writeplan.WriteConfig) string {
	if cfg.SyncMode == writeplan.SyncModeOverwrite {
		return cfg.TempTable
	}
	return cfg.FinalTable
}

func (e *Engine) Prepare(ctx context.Context, cfgs []*writeplan.WriteConfig) error {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	for _, cfg := range cfgs {
		if err := createSchema(ctx, conn, cfg.Schema); err != nil {
			return err
		}
		defs := finalColumnDefs(cfg.Columns)
		createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t\t%s\n\t)", tableRef(e.db, cfg.Schema, cfg.FinalTable), defs)
		if _, err := conn.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("failed to create final table for %s: %w", cfg.Key, err)
		}
		if cfg.SyncMode != writeplan.SyncModeOverwrite {
			continue
		}
		tempRef := tableRef(e.db, cfg.Schema, cfg.TempTable)
		if _, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+tempRef); err != nil {
			return fmt.Errorf("failed to drop stale temp table for %s: %w", cfg.Key, err)
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (\n\t\t%s\n\t)", tempRef, defs)); err != nil {
			return fmt.Errorf("failed to create temp table for %s: %w", cfg.Key, err)
		}
	}
	return nil
}

func (e *Engine) Promote(ctx context.Context, cfg *writeplan.WriteConfig) error {
	start := time.Now()
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rawRef := tableRef(e.db, cfg.RawSchema, cfg.RawTable)
	targetRef := tableRef(e.db, cfg.Schema, e.targetTable(cfg))
	loadedAt := e.clock.Now().UTC().Truncate(time.Microsecond)
	var promoted int64

	err = retryOnConflict(ctx, e.log, fmt.Sprintf("promote %s", cfg.Key), func() error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for %s: %w", cfg.Key, err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				e.log.Error("failed to rollback transaction", "stream", cfg.Key.String(), "error", err)
			}
		}()

		res, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET _loaded_at = ? WHERE _loaded_at IS NULL", rawRef), loadedAt)
		if err != nil {
			return fmt.Errorf("failed to mark raw rows: %w", err)
		}
		promoted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count marked raw rows: %w", err)
		}
		if promoted == 0 {
			return tx.Commit()
		}

		insertSQL := fmt.Sprintf("INSERT INTO %s (%s)\n\t\t%s",
			targetRef, strings.Join(finalColumnNames(cfg.Columns), ", "), typedSelect(rawRef, cfg.Columns))
		if _, err := tx.ExecContext(ctx, insertSQL, loadedAt); err != nil {
			return fmt.Errorf("failed to insert typed rows: %w", err)
		}

		if cfg.SyncMode == writeplan.SyncModeAppendDedupe {
			if _, err := tx.ExecContext(ctx, dedupeSQL(targetRef, cfg), loadedAt); err != nil {
				return fmt.Errorf("failed to dedupe: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if promoted > 0 {
		e.log.Debug("duck: promoted stream", "stream", cfg.Key.String(), "rows", promoted, "duration", time.Since(start).String())
	}
	return nil
}

// dedupeSQL deletes every row that lost to a newer row with the same primary
// key, for keys touched by the rows loaded at the given _loaded_at.
func dedupeSQL(targetRef string, cfg *writeplan.WriteConfig) string {
	pk := make([]string, 0, len(cfg.PrimaryKey))
	join := make([]string, 0, len(cfg.PrimaryKey))
	for _, k := range cfg.PrimaryKey {
		q := pq.QuoteIdentifier(k)
		pk = append(pk, "t."+q)
		join = append(join, fmt.Sprintf("t.%s IS NOT DISTINCT FROM n.%s", q, q))
	}
	order := "t._extracted_at DESC, t._raw_id DESC"
	if cfg.Cursor != "" {
		order = fmt.Sprintf("t.%s DESC NULLS LAST, %s", pq.QuoteIdentifier(cfg.Cursor), order)
	}
	return fmt.Sprintf(`DELETE FROM %[1]s WHERE _raw_id IN (
			SELECT _raw_id FROM (
				SELECT t._raw_id, ROW_NUMBER() OVER (PARTITION BY %[2]s ORDER BY %[3]s) AS rn
				FROM %[1]s t
				WHERE EXISTS (SELECT 1 FROM %[1]s n WHERE n._loaded_at = ? AND %[4]s)
			) WHERE rn > 1
		)`, targetRef, strings.Join(pk, ", "), order, strings.Join(join, " AND "))
}

func (e *Engine) HasUnprocessed(ctx context.Context, cfg *writeplan.WriteConfig) (bool, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ok, err := tableExists(ctx, conn, cfg.RawSchema, cfg.RawTable)
	if err != nil || !ok {
		return false, err
	}
	var pending bool
	q := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE _loaded_at IS NULL)", tableRef(e.db, cfg.RawSchema, cfg.RawTable))
	if err := conn.QueryRowContext(ctx, q).Scan(&pending); err != nil {
		return false, fmt.Errorf("failed to check unprocessed rows for %s: %w", cfg.Key, err)
	}
	return pending, nil
}

// Commit swaps the temp table of an overwrite stream into place.
func (e *Engine) Commit(ctx context.Context, cfg *writeplan.WriteConfig) error {
	if cfg.SyncMode != writeplan.SyncModeOverwrite {
		return nil
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return retryOnConflict(ctx, e.log, fmt.Sprintf("commit %s", cfg.Key), func() error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for %s: %w", cfg.Key, err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				e.log.Error("failed to rollback transaction", "stream", cfg.Key.String(), "error", err)
			}
		}()

		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+tableRef(e.db, cfg.Schema, cfg.FinalTable)); err != nil {
			return fmt.Errorf("failed to drop final table: %w", err)
		}
		renameSQL := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", tableRef(e.db, cfg.Schema, cfg.TempTable), pq.QuoteIdentifier(cfg.FinalTable))
		if _, err := tx.ExecContext(ctx, renameSQL); err != nil {
			return fmt.Errorf("failed to rename temp table: %w", err)
		}
		return tx.Commit()
	})
}

func (e *Engine) Abort(ctx context.Context, cfg *writeplan.WriteConfig) error {
	if cfg.SyncMode != writeplan.SyncModeOverwrite {
		return nil
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+tableRef(e.db, cfg.Schema, cfg.TempTable)); err != nil {
		return fmt.Errorf("failed to drop temp table for %s: %w", cfg.Key, err)
	}
	return nil
}
