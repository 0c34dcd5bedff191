package clickhouse

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/malbeclabs/lakesink/internal/staging"
	"github.com/malbeclabs/lakesink/internal/writeplan"
)

func newContainerClient(t *testing.T) Client {
	t.Helper()
	ctx := t.Context()

	ctr, err := tcch.Run(ctx,
		"clickhouse/clickhouse-server:24.8",
		tcch.WithDatabase("test"),
		tcch.WithUsername("default"),
		tcch.WithPassword("password"),
	)
	require.NoError(t, err, "error setting up clickhouse container")
	testcontainers.CleanupContainer(t, ctr)

	addr, err := ctr.ConnectionHost(ctx)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	client, err := NewClient(ctx, log, ClientConfig{
		Addr:       addr,
		Database:   "test",
		Username:   "default",
		Password:   "password",
		DisableTLS: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func batchOf(records ...string) staging.Batch {
	var b staging.Batch
	for i, r := range records {
		b.Records = append(b.Records, staging.RawRecord{
			ID:          uuid.NewString(),
			ExtractedAt: time.Date(2024, 6, 1, 0, 0, i, 0, time.UTC),
			Data:        []byte(r),
		})
	}
	return b
}

func countRows(t *testing.T, client Client, query string) uint64 {
	t.Helper()
	conn, err := client.Conn(t.Context())
	require.NoError(t, err)
	var n uint64
	require.NoError(t, conn.QueryRow(t.Context(), query).Scan(&n))
	return n
}

func TestClickhouse_Store_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping clickhouse integration test in short mode")
	}
	client := newContainerClient(t)
	ctx := t.Context()

	s, err := NewStore(Config{Client: client})
	require.NoError(t, err)

	cfg := testWriteConfig(writeplan.SyncModeAppendDedupe)
	cfg.PrimaryKey = []string{"id"}
	cfg.Cursor = "updated"

	require.NoError(t, s.Ensure(ctx, cfg))
	require.NoError(t, s.Prepare(ctx, []*writeplan.WriteConfig{cfg}))

	require.NoError(t, s.AppendBatch(ctx, cfg, batchOf(
		`{"id":1,"name":"v1","updated":"2024-06-01T00:00:00Z"}`,
		`{"id":1,"name":"v2","updated":"2024-06-02T00:00:00Z"}`,
		`{"id":"bad","name":"x"}`,
	)))
	pending, err := s.HasUnprocessed(ctx, cfg)
	require.NoError(t, err)
	require.True(t, pending)

	require.NoError(t, s.Promote(ctx, cfg))
	require.Equal(t, uint64(1), countRows(t, client, "SELECT count() FROM `public`.`users` FINAL WHERE id = 1 AND name = 'v2'"))
	require.Equal(t, uint64(1), countRows(t, client, "SELECT count() FROM `public`.`users` FINAL WHERE id IS NULL AND _meta = '{\"errors\":[\"id\"]}'"))

	// An older cursor does not replace the current row.
	require.NoError(t, s.AppendBatch(ctx, cfg, batchOf(`{"id":1,"name":"v0","updated":"2024-05-01T00:00:00Z"}`)))
	require.NoError(t, s.Promote(ctx, cfg))
	require.Equal(t, uint64(1), countRows(t, client, "SELECT count() FROM `public`.`users` FINAL WHERE id = 1 AND name = 'v2'"))

	pending, err = s.HasUnprocessed(ctx, cfg)
	require.NoError(t, err)
	require.False(t, pending)

	require.NoError(t, s.Purge(ctx, cfg))
	require.Equal(t, uint64(0), countRows(t, client, "SELECT count() FROM `lakesink_raw`.`public_raw__stream_users`"))
}

func TestClickhouse_Store_OverwriteIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping clickhouse integration test in short mode")
	}
	client := newContainerClient(t)
	ctx := t.Context()

	s, err := NewStore(Config{Client: client})
	require.NoError(t, err)
	cfg := testWriteConfig(writeplan.SyncModeOverwrite)

	require.NoError(t, s.Ensure(ctx, cfg))
	require.NoError(t, s.Prepare(ctx, []*writeplan.WriteConfig{cfg}))
	require.NoError(t, s.AppendBatch(ctx, cfg, batchOf(`{"id":1}`, `{"id":2}`)))
	require.NoError(t, s.Promote(ctx, cfg))
	require.NoError(t, s.Commit(ctx, cfg))
	require.Equal(t, uint64(2), countRows(t, client, "SELECT count() FROM `public`.`users` FINAL"))

	// A second job replaces the table.
	require.NoError(t, s.ClearExisting(ctx, cfg))
	require.NoError(t, s.Prepare(ctx, []*writeplan.WriteConfig{cfg}))
	require.NoError(t, s.AppendBatch(ctx, cfg, batchOf(`{"id":3}`)))
	require.NoError(t, s.Promote(ctx, cfg))
	require.Equal(t, uint64(2), countRows(t, client, "SELECT count() FROM `public`.`users` FINAL"))
	require.NoError(t, s.Commit(ctx, cfg))
	require.Equal(t, uint64(1), countRows(t, client, "SELECT count() FROM `public`.`users` FINAL WHERE id = 3"))
}
