package duck

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lib/pq"

	"github.com/malbeclabs/lakesink/internal/staging"
	"github.com/malbeclabs/lakesink/internal/writeplan"
)

// Stager appends raw records into per-stream raw tables:
// (_raw_id, _extracted_at, _loaded_at, _data). Rows with a NULL _loaded_at
// have not been promoted yet.
type Stager struct {
	log    *slog.Logger
	db     DB
	tmpDir string
}

// NewStager writes its CSV load files under tmpDir, or the system temp
// directory when tmpDir is empty.
func NewStager(log *slog.Logger, db DB, tmpDir string) (*Stager, error) {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Stager{log: log, db: db, tmpDir: tmpDir}, nil
}

func (s *Stager) rawRef(cfg *writeplan.WriteConfig) string {
	return tableRef(s.db, cfg.RawSchema, cfg.RawTable)
}

func (s *Stager) Ensure(ctx context.Context, cfg *writeplan.WriteConfig) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := createSchema(ctx, conn, cfg.RawSchema); err != nil {
		return err
	}
	createSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s
	)`, s.rawRef(cfg), rawColumnDefs)
	if _, err := conn.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create raw table for %s: %w", cfg.Key, err)
	}
	return nil
}

func (s *Stager) csvPattern(cfg *writeplan.WriteConfig) string {
	return fmt.Sprintf("%s_%s_%s_*.csv", cfg.RawSchema, cfg.RawTable, cfg.JobID)
}

// AppendBatch writes the batch to a CSV file, copies it into a temp stage
// table and inserts it into the raw table in one transaction.
func (s *Stager) AppendBatch(ctx context.Context, cfg *writeplan.WriteConfig, batch staging.Batch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	start := time.Now()

	tmpFile, err := os.CreateTemp(s.tmpDir, s.csvPattern(cfg))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	w := csv.NewWriter(tmpFile)
	for _, r := range batch.Records {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during CSV writing: %w", ctx.Err())
		default:
		}
		if err := w.Write([]string{r.ID, r.ExtractedAt.UTC().Format(time.RFC3339Nano), string(r.Data)}); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	err = retryOnConflict(ctx, s.log, fmt.Sprintf("append %s", cfg.Key), func() error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for %s: %w", cfg.Key, err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				s.log.Error("failed to rollback transaction", "stream", cfg.Key.String(), "error", err)
			}
		}()

		if _, err := tx.ExecContext(ctx, `CREATE OR REPLACE TEMP TABLE raw_stage (
			_raw_id VARCHAR, _extracted_at VARCHAR, _data VARCHAR
		)`); err != nil {
			return fmt.Errorf("failed to create stage table: %w", err)
		}
		copySQL := fmt.Sprintf("COPY raw_stage FROM %s (FORMAT CSV, HEADER false)", pq.QuoteLiteral(tmpFile.Name()))
		if _, err := tx.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("failed to COPY FROM CSV: %w", err)
		}
		insertSQL := fmt.Sprintf(`INSERT INTO %s (_raw_id, _extracted_at, _loaded_at, _data)
			SELECT _raw_id, CAST(_extracted_at AS TIMESTAMP), NULL, _data FROM raw_stage`, s.rawRef(cfg))
		if _, err := tx.ExecContext(ctx, insertSQL); err != nil {
			return fmt.Errorf("failed to insert into raw table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS raw_stage"); err != nil {
			s.log.Error("failed to drop stage table", "error", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Debug("duck: staged batch", "stream", cfg.Key.String(), "rows", len(batch.Records), "duration", time.Since(start).String())
	return nil
}

func (s *Stager) ClearExisting(ctx context.Context, cfg *writeplan.WriteConfig) error {
	return s.exec(ctx, "clear "+cfg.Key.String(), "DELETE FROM "+s.rawRef(cfg))
}

func (s *Stager) Purge(ctx context.Context, cfg *writeplan.WriteConfig) error {
	return s.exec(ctx, "purge "+cfg.Key.String(), "DELETE FROM "+s.rawRef(cfg)+" WHERE _loaded_at IS NOT NULL")
}

// CleanupTransient removes CSV load files left behind by the stream's
// interrupted appends in this job.
func (s *Stager) CleanupTransient(ctx context.Context, cfg *writeplan.WriteConfig) error {
	matches, err := filepath.Glob(filepath.Join(s.tmpDir, s.csvPattern(cfg)))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Stager) exec(ctx context.Context, operation, query string, args ...any) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()
	return retryOnConflict(ctx, s.log, operation, func() error {
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("%s: %w", operation, err)
		}
		return nil
	})
}
