package duck

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/lakesink/internal/staging"
	"github.com/malbeclabs/lakesink/internal/writeplan"
	"github.com/malbeclabs/lakesink/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv is a file-backed database with a stager and engine sharing it.
type testEnv struct {
	db     DB
	conn   Connection
	stager *Stager
	engine *Engine
	clock  *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := testLogger()
	db, err := NewDB(t.Context(), filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	conn, err := db.Conn(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		db.Close()
	})

	stager, err := NewStager(log, db, t.TempDir())
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return &testEnv{db: db, conn: conn, stager: stager, engine: NewEngine(log, db, clock), clock: clock}
}

func testWriteConfig(mode writeplan.SyncMode) *writeplan.WriteConfig {
	return &writeplan.WriteConfig{
		Key:        protocol.StreamKey{Namespace: "public", Name: "users"},
		Schema:     "public",
		RawSchema:  "lakesink_raw",
		RawTable:   "public_raw__stream_users",
		FinalTable: "users",
		TempTable:  "_lakesink_tmp_users",
		SyncMode:   mode,
		JobID:      "job-1",
		Columns: []writeplan.Column{
			{Name: "id", Type: writeplan.ColumnTypeInteger},
			{Name: "name", Type: writeplan.ColumnTypeString},
			{Name: "updated", Type: writeplan.ColumnTypeInteger},
		},
	}
}

// rawBatch stages records one second apart, in argument order.
func rawBatch(records ...string) staging.Batch {
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

func (e *testEnv) stage(t *testing.T, cfg *writeplan.WriteConfig, records ...string) {
	t.Helper()
	require.NoError(t, e.stager.AppendBatch(t.Context(), cfg, rawBatch(records...)))
}

func (e *testEnv) count(t *testing.T, query string) int {
	t.Helper()
	var n int
	require.NoError(t, e.conn.QueryRowContext(t.Context(), query).Scan(&n))
	return n
}

// stubDriver is a database/sql driver for failure paths the real database
// cannot produce on demand. Every exec succeeds unless execErr is set, and
// its result fails RowsAffected with affectedErr.
type stubDriver struct {
	beginErr    error
	execErr     error
	affectedErr error
}

func (d *stubDriver) Open(string) (driver.Conn, error) { return stubConn{d}, nil }

type stubConnector struct{ d *stubDriver }

func (c stubConnector) Connect(context.Context) (driver.Conn, error) { return stubConn{c.d}, nil }
func (c stubConnector) Driver() driver.Driver                        { return c.d }

type stubConn struct{ d *stubDriver }

func (c stubConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("stub driver does not prepare statements")
}

func (c stubConn) Close() error { return nil }

func (c stubConn) Begin() (driver.Tx, error) {
	if c.d.beginErr != nil {
		return nil, c.d.beginErr
	}
	return stubTx{}, nil
}

func (c stubConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if c.d.execErr != nil {
		return nil, c.d.execErr
	}
	return stubResult{err: c.d.affectedErr}, nil
}

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

type stubResult struct{ err error }

func (r stubResult) LastInsertId() (int64, error) { return 0, r.err }
func (r stubResult) RowsAffected() (int64, error) { return 0, r.err }

// stubDB serves connections from a stubDriver through the same Connection
// wrapper real databases use.
type stubDB struct {
	db *sql.DB
}

func newStubDB(t *testing.T, d *stubDriver) *stubDB {
	t.Helper()
	db := sql.OpenDB(stubConnector{d})
	t.Cleanup(func() { db.Close() })
	return &stubDB{db: db}
}

func (s *stubDB) Catalog() string { return "memory" }
func (s *stubDB) Schema() string  { return "main" }
func (s *stubDB) Close() error    { return nil }

func (s *stubDB) Conn(ctx context.Context) (Connection, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &connection{conn: conn, db: s}, nil
}
