package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/lakesink/internal/staging"
	"github.com/malbeclabs/lakesink/internal/writeplan"
	"github.com/malbeclabs/lakesink/pkg/protocol"
)

const (
	defaultWatermarkTTL = 10 * time.Minute
	sendTries           = 4
)

type Config struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Client       Client
	WatermarkTTL time.Duration
}

func (c *Config) Validate() error {
	if c.Client == nil {
		return errors.New("clickhouse client is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.WatermarkTTL == 0 {
		c.WatermarkTTL = defaultWatermarkTTL
	}
	return nil
}

// Store stages raw records into MergeTree raw tables and promotes them into
// ReplacingMergeTree final tables. It implements both the staging backend and
// the promotion engine.
//
// Every appended batch gets the next _seq of its stream. Promotion copies the
// _seq range above the stream's watermark and then advances the watermark, so
// a promotion interrupted before the watermark moves is repeated and the
// replacing engine collapses the duplicates.
type Store struct {
	log    *slog.Logger
	clock  clockwork.Clock
	client Client

	watermarks *ttlcache.Cache[protocol.StreamKey, uint64]

	mu  sync.Mutex
	seq map[protocol.StreamKey]uint64
}

func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:    cfg.Logger,
		clock:  cfg.Clock,
		client: cfg.Client,
		watermarks: ttlcache.New(
			ttlcache.WithTTL[protocol.StreamKey, uint64](cfg.WatermarkTTL),
			ttlcache.WithDisableTouchOnHit[protocol.StreamKey, uint64](),
		),
		seq: make(map[protocol.StreamKey]uint64),
	}, nil
}

func rawRef(cfg *writeplan.WriteConfig) string {
	return tableRef(cfg.RawSchema, cfg.RawTable)
}

func stateRef(cfg *writeplan.WriteConfig) string {
	return tableRef(cfg.RawSchema, stateTable)
}

func (s *Store) targetRef(cfg *writeplan.WriteConfig) string {
	if cfg.SyncMode == writeplan.SyncModeOverwrite {
		return tableRef(cfg.Schema, cfg.TempTable)
	}
	return tableRef(cfg.Schema, cfg.FinalTable)
}

func (s *Store) Ensure(ctx context.Context, cfg *writeplan.WriteConfig) error {
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	for _, q := range []string{
		"CREATE DATABASE IF NOT EXISTS " + quoteIdent(cfg.RawSchema),
		createRawTableSQL(rawRef(cfg)),
		createStateTableSQL(stateRef(cfg)),
	} {
		if err := conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to ensure raw table for %s: %w", cfg.Key, err)
		}
	}
	_, err = s.loadSeq(ctx, conn, cfg)
	return err
}

// loadSeq initializes the stream's sequence from the raw table once.
func (s *Store) loadSeq(ctx context.Context, conn Connection, cfg *writeplan.WriteConfig) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.seq[cfg.Key]; ok {
		return seq, nil
	}
	var seq uint64
	if err := conn.QueryRow(ctx, "SELECT max(_seq) FROM "+rawRef(cfg)).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read sequence for %s: %w", cfg.Key, err)
	}
	s.seq[cfg.Key] = seq
	return seq, nil
}

func (s *Store) nextSeq(ctx context.Context, conn Connection, cfg *writeplan.WriteConfig) (uint64, error) {
	if _, err := s.loadSeq(ctx, conn, cfg); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[cfg.Key]++
	return s.seq[cfg.Key], nil
}

func (s *Store) AppendBatch(ctx context.Context, cfg *writeplan.WriteConfig, batch staging.Batch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	start := s.clock.Now()
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	seq, err := s.nextSeq(ctx, conn, cfg)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("INSERT INTO %s (_raw_id, _extracted_at, _data, _seq)", rawRef(cfg))
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		b, err := conn.PrepareBatch(ctx, query)
		if err != nil {
			return struct{}{}, s.classify(err)
		}
		for _, r := range batch.Records {
			if err := b.Append(r.ID, r.ExtractedAt.UTC(), string(r.Data), seq); err != nil {
				b.Abort()
				return struct{}{}, backoff.Permanent(fmt.Errorf("failed to append row: %w", err))
			}
		}
		if err := b.Send(); err != nil {
			return struct{}{}, s.classify(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(sendTries))
	if err != nil {
		return fmt.Errorf("failed to insert batch for %s: %w", cfg.Key, err)
	}

	s.log.Debug("clickhouse: staged batch", "stream", cfg.Key.String(), "rows", len(batch.Records), "seq", seq, "duration", s.clock.Since(start).String())
	return nil
}

func (s *Store) classify(err error) error {
	if !IsRetryableError(err) {
		return backoff.Permanent(err)
	}
	s.log.Warn("clickhouse: retrying after transient error", "error", err)
	return err
}

// ClearExisting truncates the raw table and resets the stream's sequence and
// watermark.
func (s *Store) ClearExisting(ctx context.Context, cfg *writeplan.WriteConfig) error {
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := conn.Exec(ctx, "TRUNCATE TABLE IF EXISTS "+rawRef(cfg)); err != nil {
		return fmt.Errorf("failed to truncate raw table for %s: %w", cfg.Key, err)
	}
	if err := s.setWatermark(ctx, conn, cfg, 0); err != nil {
		return err
	}
	s.mu.Lock()
	s.seq[cfg.Key] = 0
	s.mu.Unlock()
	return nil
}

// Purge deletes raw rows at or below the watermark.
func (s *Store) Purge(ctx context.Context, cfg *writeplan.WriteConfig) error {
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	wm, err := s.watermark(ctx, conn, cfg)
	if err != nil || wm == 0 {
		return err
	}
	ctx = clickhouse.Context(ctx, clickhouse.WithParameters(clickhouse.Parameters{"hi": strconv.FormatUint(wm, 10)}))
	if err := conn.Exec(ctx, "DELETE FROM "+rawRef(cfg)+" WHERE _seq <= {hi:UInt64}"); err != nil {
		return fmt.Errorf("failed to purge raw table for %s: %w", cfg.Key, err)
	}
	return nil
}

func (s *Store) Prepare(ctx context.Context, cfgs []*writeplan.WriteConfig) error {
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	for _, cfg := range cfgs {
		stmts := []string{
			"CREATE DATABASE IF NOT EXISTS " + quoteIdent(cfg.Schema),
			createFinalTableSQL(tableRef(cfg.Schema, cfg.FinalTable), cfg, true),
		}
		if cfg.SyncMode == writeplan.SyncModeOverwrite {
			tmp := tableRef(cfg.Schema, cfg.TempTable)
			stmts = append(stmts, "DROP TABLE IF EXISTS "+tmp, createFinalTableSQL(tmp, cfg, false))
		}
		for _, q := range stmts {
			if err := conn.Exec(ctx, q); err != nil {
				return fmt.Errorf("failed to prepare tables for %s: %w", cfg.Key, err)
			}
		}
	}
	return nil
}

func (s *Store) Promote(ctx context.Context, cfg *writeplan.WriteConfig) error {
	start := s.clock.Now()
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	lo, err := s.watermark(ctx, conn, cfg)
	if err != nil {
		return err
	}
	var hi uint64
	if err := conn.QueryRow(ctx, "SELECT max(_seq) FROM "+rawRef(cfg)).Scan(&hi); err != nil {
		return fmt.Errorf("failed to read sequence for %s: %w", cfg.Key, err)
	}
	if hi <= lo {
		return nil
	}

	qctx := clickhouse.Context(ctx, clickhouse.WithParameters(clickhouse.Parameters{
		"lo": strconv.FormatUint(lo, 10),
		"hi": strconv.FormatUint(hi, 10),
	}))
	if err := conn.Exec(qctx, insertSQL(s.targetRef(cfg), rawRef(cfg), cfg)); err != nil {
		return fmt.Errorf("failed to promote %s: %w", cfg.Key, err)
	}
	if err := s.setWatermark(ctx, conn, cfg, hi); err != nil {
		return err
	}
	s.log.Debug("clickhouse: promoted stream", "stream", cfg.Key.String(), "from_seq", lo, "to_seq", hi, "duration", s.clock.Since(start).String())
	return nil
}

func (s *Store) HasUnprocessed(ctx context.Context, cfg *writeplan.WriteConfig) (bool, error) {
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var exists uint8
	if err := conn.QueryRow(ctx, "EXISTS TABLE "+rawRef(cfg)).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check raw table for %s: %w", cfg.Key, err)
	}
	if exists == 0 {
		return false, nil
	}
	if err := conn.Exec(ctx, createStateTableSQL(stateRef(cfg))); err != nil {
		return false, fmt.Errorf("failed to ensure state table for %s: %w", cfg.Key, err)
	}
	wm, err := s.watermark(ctx, conn, cfg)
	if err != nil {
		return false, err
	}
	var hi uint64
	if err := conn.QueryRow(ctx, "SELECT max(_seq) FROM "+rawRef(cfg)).Scan(&hi); err != nil {
		return false, fmt.Errorf("failed to read sequence for %s: %w", cfg.Key, err)
	}
	return hi > wm, nil
}

// Commit swaps the temp table of an overwrite stream into place.
func (s *Store) Commit(ctx context.Context, cfg *writeplan.WriteConfig) error {
	if cfg.SyncMode != writeplan.SyncModeOverwrite {
		return nil
	}
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	tmp := tableRef(cfg.Schema, cfg.TempTable)
	if err := conn.Exec(ctx, fmt.Sprintf("EXCHANGE TABLES %s AND %s", tmp, tableRef(cfg.Schema, cfg.FinalTable))); err != nil {
		return fmt.Errorf("failed to swap tables for %s: %w", cfg.Key, err)
	}
	if err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+tmp); err != nil {
		return fmt.Errorf("failed to drop previous table for %s: %w", cfg.Key, err)
	}
	return nil
}

func (s *Store) Abort(ctx context.Context, cfg *writeplan.WriteConfig) error {
	if cfg.SyncMode != writeplan.SyncModeOverwrite {
		return nil
	}
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()
	if err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+tableRef(cfg.Schema, cfg.TempTable)); err != nil {
		return fmt.Errorf("failed to drop temp table for %s: %w", cfg.Key, err)
	}
	return nil
}

func (s *Store) watermark(ctx context.Context, conn Connection, cfg *writeplan.WriteConfig) (uint64, error) {
	if item := s.watermarks.Get(cfg.Key); item != nil {
		return item.Value(), nil
	}
	var wm uint64
	q := fmt.Sprintf("SELECT argMax(watermark, updated_at) FROM %s WHERE stream = ?", stateRef(cfg))
	if err := conn.QueryRow(ctx, q, cfg.Key.String()).Scan(&wm); err != nil {
		return 0, fmt.Errorf("failed to read watermark for %s: %w", cfg.Key, err)
	}
	s.watermarks.Set(cfg.Key, wm, ttlcache.DefaultTTL)
	return wm, nil
}

func (s *Store) setWatermark(ctx context.Context, conn Connection, cfg *writeplan.WriteConfig, wm uint64) error {
	q := fmt.Sprintf("INSERT INTO %s (stream, watermark, updated_at) VALUES (?, ?, ?)", stateRef(cfg))
	if err := conn.Exec(ctx, q, cfg.Key.String(), wm, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store watermark for %s: %w", cfg.Key, err)
	}
	s.watermarks.Set(cfg.Key, wm, ttlcache.DefaultTTL)
	return nil
}
