package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lib/pq"

	"github.com/malbeclabs/lakesink/pkg/objstore"
)

const attachRetries = 8

// Lake is a DuckLake catalog attached to an in-memory DuckDB session.
type Lake struct {
	log     *slog.Logger
	db      *sql.DB
	catalog string
	schema  string
}

// NewLake attaches a DuckLake catalog.
//
// Catalog URIs are file:// (SQLite catalog), postgres:// or postgresql://, or
// a libpq key=value string. Storage URIs are file:// or s3://; s3:// storage
// requires an S3Config.
func NewLake(ctx context.Context, log *slog.Logger, catalogName, catalogURI, storageURI string, s3Config *objstore.S3Config) (*Lake, error) {
	if err := validateCatalogURI(catalogURI); err != nil {
		return nil, err
	}
	if err := validateStorageURI(storageURI); err != nil {
		return nil, err
	}

	catalogConnStr, isPostgres, err := catalogConnString(catalogURI)
	if err != nil {
		return nil, err
	}

	var storagePath string
	useS3 := strings.HasPrefix(storageURI, "s3://")
	if useS3 {
		if s3Config == nil {
			return nil, fmt.Errorf("S3 configuration is required when using s3:// storage URI")
		}
		storagePath = storageURI
	} else {
		storagePath, err = filepath.Abs(strings.TrimPrefix(storageURI, "file://"))
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for storage directory: %w", err)
		}
		if err := os.MkdirAll(storagePath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	fail := func(err error) (*Lake, error) {
		db.Close()
		return nil, err
	}

	extensions := []string{"ducklake", "json"}
	if isPostgres {
		extensions = append(extensions, "postgres")
	} else {
		extensions = append(extensions, "sqlite")
	}
	if useS3 {
		extensions = append(extensions, "httpfs", "aws")
	}
	for _, ext := range extensions {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("INSTALL %s", ext)); err != nil {
			return fail(fmt.Errorf("failed to install extension %s: %w", ext, err))
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("LOAD %s", ext)); err != nil {
			return fail(fmt.Errorf("failed to load extension %s: %w", ext, err))
		}
	}

	if useS3 {
		if _, err := db.ExecContext(ctx, s3SecretSQL(s3Config)); err != nil {
			return fail(fmt.Errorf("failed to create S3 secret: %w", err))
		}
		log.Info("configured S3 storage", "endpoint", s3Config.Endpoint, "region", s3Config.Region)
	}

	kind := "sqlite"
	if isPostgres {
		kind = "postgres"
	}
	attachSQL := fmt.Sprintf("ATTACH %s AS %s (DATA_PATH %s)",
		pq.QuoteLiteral("ducklake:"+kind+":"+catalogConnStr),
		pq.QuoteIdentifier(catalogName),
		pq.QuoteLiteral(storagePath))

	// The postgres catalog may still be starting.
	tries := uint(1)
	if isPostgres {
		tries = attachRetries
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		_, err := db.ExecContext(ctx, attachSQL)
		if err != nil {
			log.Debug("catalog not ready, retrying attach", "error", sanitizeErrorForLogging(err.Error()))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	if err != nil {
		return fail(fmt.Errorf("failed to attach ducklake: %s", sanitizeErrorForLogging(err.Error())))
	}

	if _, err := db.ExecContext(ctx, "USE "+pq.QuoteIdentifier(catalogName)); err != nil {
		return fail(fmt.Errorf("failed to use catalog: %w", err))
	}
	var catalog, schema string
	if err := db.QueryRowContext(ctx, "SELECT current_database(), current_schema()").Scan(&catalog, &schema); err != nil {
		return fail(fmt.Errorf("failed to get current database and schema: %w", err))
	}

	log.Info("duck: attached lake",
		"catalog", catalogName,
		"catalog_uri", RedactedCatalogURI(catalogURI),
		"storage_uri", RedactedStorageURI(storageURI))
	return &Lake{log: log, db: db, catalog: catalogName, schema: schema}, nil
}

func (l *Lake) Catalog() string { return l.catalog }
func (l *Lake) Schema() string  { return l.schema }
func (l *Lake) Close() error    { return l.db.Close() }

func (l *Lake) Conn(ctx context.Context) (Connection, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "USE "+pq.QuoteIdentifier(l.catalog)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("USE failed: %w", err)
	}
	return &connection{conn: conn, db: l}, nil
}

// catalogConnString converts a catalog URI into the form DuckLake expects.
func catalogConnString(uri string) (string, bool, error) {
	if path, ok := strings.CutPrefix(uri, "file://"); ok {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", false, fmt.Errorf("failed to get absolute path for catalog: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return "", false, fmt.Errorf("failed to create catalog directory: %w", err)
		}
		return abs, false, nil
	}
	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		dsn, err := pq.ParseURL(uri)
		if err != nil {
			return "", false, fmt.Errorf("failed to parse postgres URI: %w", err)
		}
		return dsn, true, nil
	}
	return uri, true, nil
}

func s3SecretSQL(cfg *objstore.S3Config) string {
	var b strings.Builder
	b.WriteString("CREATE SECRET IF NOT EXISTS s3_secret (TYPE s3")
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		fmt.Fprintf(&b, ", KEY_ID %s, SECRET %s", pq.QuoteLiteral(cfg.AccessKeyID), pq.QuoteLiteral(cfg.SecretAccessKey))
	} else {
		b.WriteString(", PROVIDER credential_chain")
	}
	if cfg.Endpoint != "" {
		endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
		fmt.Fprintf(&b, ", ENDPOINT %s", pq.QuoteLiteral(endpoint))
	}
	if cfg.Region != "" {
		fmt.Fprintf(&b, ", REGION %s", pq.QuoteLiteral(cfg.Region))
	}
	urlStyle := cfg.URLStyle
	if urlStyle == "" {
		urlStyle = "path"
	}
	useSSL := cfg.UseSSL
	if cfg.IsMinIO() {
		useSSL = false
	} else if cfg.Endpoint == "" {
		useSSL = true
	}
	fmt.Fprintf(&b, ", URL_STYLE %s, USE_SSL %t)", pq.QuoteLiteral(urlStyle), useSSL)
	return b.String()
}

func validateCatalogURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("catalog URI is required")
	}
	if path, ok := strings.CutPrefix(uri, "file://"); ok {
		if path == "" {
			return fmt.Errorf("catalog URI file:// path cannot be empty")
		}
		return nil
	}
	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return fmt.Errorf("invalid postgres URI format: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("postgres URI must include a host")
		}
		if parsed.Path == "" || parsed.Path == "/" {
			return fmt.Errorf("postgres URI must include a database name in the path")
		}
		return nil
	}
	if strings.Contains(uri, "host=") && strings.Contains(uri, "dbname=") {
		return nil
	}
	return fmt.Errorf("catalog URI must start with file://, postgres://, postgresql://, or be in libpq format (got: %q)", RedactedCatalogURI(uri))
}

func validateStorageURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("storage URI is required")
	}
	if path, ok := strings.CutPrefix(uri, "file://"); ok {
		if path == "" {
			return fmt.Errorf("storage URI file:// path cannot be empty")
		}
		return nil
	}
	if strings.HasPrefix(uri, "s3://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return fmt.Errorf("invalid s3:// URI format: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("s3:// URI must include a bucket name (e.g., s3://bucket-name/path)")
		}
		if len(parsed.Host) < 3 || len(parsed.Host) > 63 {
			return fmt.Errorf("s3 bucket name must be between 3 and 63 characters")
		}
		return nil
	}
	return fmt.Errorf("storage URI must start with file:// or s3:// (got: %q)", uri)
}

// sanitizeErrorForLogging redacts passwords from libpq strings and postgres
// URIs embedded in error messages.
func sanitizeErrorForLogging(msg string) string {
	fields := strings.Fields(msg)
	changed := false
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") && len(f) > len("password=") {
			fields[i] = "password=REDACTED"
			changed = true
		}
		for _, scheme := range []string{"postgres://", "postgresql://"} {
			if idx := strings.Index(f, scheme); idx != -1 {
				fields[i] = f[:idx] + RedactedCatalogURI(strings.Trim(f[idx:], "'\""))
				changed = true
			}
		}
	}
	if !changed {
		return msg
	}
	return strings.Join(fields, " ")
}

// RedactedCatalogURI redacts passwords from postgres URIs and libpq strings.
func RedactedCatalogURI(uri string) string {
	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return "[REDACTED: invalid URI]"
		}
		if parsed.User != nil {
			if _, ok := parsed.User.Password(); ok {
				parsed.User = url.UserPassword(parsed.User.Username(), "REDACTED")
			}
		}
		return parsed.String()
	}
	if strings.Contains(uri, "password=") {
		parts := strings.Fields(uri)
		for i, p := range parts {
			if strings.HasPrefix(p, "password=") {
				parts[i] = "password=REDACTED"
			}
		}
		return strings.Join(parts, " ")
	}
	return uri
}

// RedactedStorageURI redacts credential-like query parameters from s3:// URIs.
func RedactedStorageURI(uri string) string {
	if !strings.HasPrefix(uri, "s3://") {
		return uri
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "[REDACTED: invalid URI]"
	}
	if parsed.RawQuery == "" {
		return uri
	}
	query := parsed.Query()
	for key := range query {
		k := strings.ToLower(key)
		for _, sensitive := range []string{"accesskey", "secretkey", "password", "token", "credential"} {
			if strings.Contains(k, sensitive) {
				query[key] = []string{"REDACTED"}
			}
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
