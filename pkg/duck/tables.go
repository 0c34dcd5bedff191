package duck

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/malbeclabs/lakesink/internal/writeplan"
)

const rawColumnDefs = `_raw_id VARCHAR NOT NULL,
		_extracted_at TIMESTAMP NOT NULL,
		_loaded_at TIMESTAMP,
		_data VARCHAR`

// tableRef returns the fully qualified, quoted name of a table in db.
func tableRef(db DB, schema, table string) string {
	return pq.QuoteIdentifier(db.Catalog()) + "." + pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

func createSchema(ctx context.Context, conn Connection, schema string) error {
	q := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s.%s", pq.QuoteIdentifier(conn.DB().Catalog()), pq.QuoteIdentifier(schema))
	if _, err := conn.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}
	return nil
}

func tableExists(ctx context.Context, conn Connection, schema, table string) (bool, error) {
	var n int
	err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_catalog = ? AND table_schema = ? AND table_name = ?`,
		conn.DB().Catalog(), schema, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up table %s.%s: %w", schema, table, err)
	}
	return n > 0, nil
}

func sqlType(t writeplan.ColumnType) string {
	switch t {
	case writeplan.ColumnTypeInteger:
		return "BIGINT"
	case writeplan.ColumnTypeNumber:
		return "DOUBLE"
	case writeplan.ColumnTypeBoolean:
		return "BOOLEAN"
	case writeplan.ColumnTypeTimestamp:
		return "TIMESTAMP"
	case writeplan.ColumnTypeJSON:
		return "JSON"
	default:
		return "VARCHAR"
	}
}

// finalColumnDefs lists the columns of a final table: the raw bookkeeping
// columns, one typed column per declared column (or _data when there are
// none), and _meta with per-row cast errors.
func finalColumnDefs(cols []writeplan.Column) string {
	defs := []string{"_raw_id VARCHAR NOT NULL", "_extracted_at TIMESTAMP NOT NULL", "_loaded_at TIMESTAMP"}
	if len(cols) == 0 {
		defs = append(defs, "_data VARCHAR")
	}
	for _, c := range cols {
		defs = append(defs, pq.QuoteIdentifier(c.Name)+" "+sqlType(c.Type))
	}
	defs = append(defs, "_meta VARCHAR")
	return strings.Join(defs, ",\n\t\t")
}

func finalColumnNames(cols []writeplan.Column) []string {
	names := []string{"_raw_id", "_extracted_at", "_loaded_at"}
	if len(cols) == 0 {
		names = append(names, "_data")
	}
	for _, c := range cols {
		names = append(names, pq.QuoteIdentifier(c.Name))
	}
	return append(names, "_meta")
}

func jsonPath(name string) string {
	b, _ := json.Marshal(name)
	return pq.QuoteLiteral("$." + string(b))
}

// typedSelect reads raw rows stamped with the given _loaded_at placeholder and
// casts each declared column. Failed casts produce NULL and are listed in
// _meta as {"errors":["col", ...]}.
func typedSelect(rawRef string, cols []writeplan.Column) string {
	exprs := []string{"_raw_id", "_extracted_at", "_loaded_at"}
	if len(cols) == 0 {
		exprs = append(exprs, "_data")
	}
	var checks []string
	for _, c := range cols {
		extracted := fmt.Sprintf("json_extract_string(_data, %s)", jsonPath(c.Name))
		switch c.Type {
		case writeplan.ColumnTypeString:
			exprs = append(exprs, extracted+" AS "+pq.QuoteIdentifier(c.Name))
		case writeplan.ColumnTypeJSON:
			exprs = append(exprs, fmt.Sprintf("json_extract(_data, %s) AS %s", jsonPath(c.Name), pq.QuoteIdentifier(c.Name)))
		default:
			cast := fmt.Sprintf("TRY_CAST(%s AS %s)", extracted, sqlType(c.Type))
			exprs = append(exprs, cast+" AS "+pq.QuoteIdentifier(c.Name))
			name, _ := json.Marshal(c.Name)
			checks = append(checks, fmt.Sprintf("CASE WHEN %s IS NOT NULL AND %s IS NULL THEN %s END",
				extracted, cast, pq.QuoteLiteral(string(name))))
		}
	}
	meta := "CAST(NULL AS VARCHAR)"
	if len(checks) > 0 {
		errs := "concat_ws(',', " + strings.Join(checks, ", ") + ")"
		meta = fmt.Sprintf(`CASE WHEN %s <> '' THEN '{"errors":[' || %s || ']}' END`, errs, errs)
	}
	exprs = append(exprs, meta+" AS _meta")
	return fmt.Sprintf("SELECT %s FROM %s WHERE _loaded_at = ?", strings.Join(exprs, ",\n\t\t\t"), rawRef)
}
