package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DB is a DuckDB database, either a plain file or an attached DuckLake.
type DB interface {
	Catalog() string
	Schema() string
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

// Connection is a single session pinned to the database catalog.
type Connection interface {
	DB() DB
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

type fileDB struct {
	log     *slog.Logger
	db      *sql.DB
	catalog string
	schema  string
}

// NewDB opens a DuckDB database at path. An empty path opens an in-memory
// database.
func NewDB(ctx context.Context, path string, log *slog.Logger) (DB, error) {
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for database: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path = abs
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var catalog, schema string
	if err := db.QueryRowContext(ctx, "SELECT current_database(), current_schema()").Scan(&catalog, &schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get current database and schema: %w", err)
	}
	log.Debug("duck: opened database", "path", path, "catalog", catalog)
	return &fileDB{log: log, db: db, catalog: catalog, schema: schema}, nil
}

func (d *fileDB) Catalog() string { return d.catalog }
func (d *fileDB) Schema() string  { return d.schema }
func (d *fileDB) Close() error    { return d.db.Close() }

func (d *fileDB) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &connection{conn: conn, db: d}, nil
}

type connection struct {
	conn *sql.Conn
	db   DB
}

func (c *connection) DB() DB {
	return c.db
}

func (c *connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

func (c *connection) Close() error {
	return c.conn.Close()
}
