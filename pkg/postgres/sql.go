package postgres

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/malbeclabs/lakesink/internal/writeplan"
)

func tableRef(schema, table string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

func sqlType(t writeplan.ColumnType) string {
	switch t {
	case writeplan.ColumnTypeInteger:
		return "bigint"
	case writeplan.ColumnTypeNumber:
		return "double precision"
	case writeplan.ColumnTypeBoolean:
		return "boolean"
	case writeplan.ColumnTypeTimestamp:
		return "timestamptz"
	case writeplan.ColumnTypeJSON:
		return "jsonb"
	default:
		return "text"
	}
}

func createRawTableSQL(ref string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		_raw_id text PRIMARY KEY,
		_extracted_at timestamptz NOT NULL,
		_loaded_at timestamptz,
		_data jsonb NOT NULL
	)`, ref)
}

func createLoadedIndexSQL(schema, table string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (_loaded_at)",
		pq.QuoteIdentifier(table+"_loaded_at_idx"), tableRef(schema, table))
}

func finalColumnDefs(cols []writeplan.Column) []string {
	defs := []string{"_raw_id text NOT NULL", "_extracted_at timestamptz NOT NULL", "_loaded_at timestamptz NOT NULL"}
	if len(cols) == 0 {
		defs = append(defs, "_data jsonb")
	}
	for _, c := range cols {
		defs = append(defs, pq.QuoteIdentifier(c.Name)+" "+sqlType(c.Type))
	}
	return append(defs, "_meta jsonb")
}

func createFinalTableSQL(ref string, cfg *writeplan.WriteConfig) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t\t%s\n\t)", ref, strings.Join(finalColumnDefs(cfg.Columns), ",\n\t\t"))
}

// createKeyIndexSQL builds the unique index that append-dedupe merges
// conflict on.
func createKeyIndexSQL(schema, table string, pk []string) string {
	cols := make([]string, 0, len(pk))
	for _, k := range pk {
		cols = append(cols, pq.QuoteIdentifier(k))
	}
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		pq.QuoteIdentifier(table+"_pk_idx"), tableRef(schema, table), strings.Join(cols, ", "))
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

// typedSelect projects the raw rows stamped with $1 onto the final columns.
// Values that do not parse as the column type become NULL and are listed in
// _meta as {"errors": [...]}.
func typedSelect(rawRef string, cfg *writeplan.WriteConfig) string {
	exprs := []string{"_raw_id", "_extracted_at", "_loaded_at"}
	if len(cfg.Columns) == 0 {
		exprs = append(exprs, "_data")
	}
	var checks []string
	for _, c := range cfg.Columns {
		name := pq.QuoteIdentifier(c.Name)
		v := fmt.Sprintf("(_data ->> %s)", pq.QuoteLiteral(c.Name))
		switch c.Type {
		case writeplan.ColumnTypeString:
			exprs = append(exprs, v+" AS "+name)
		case writeplan.ColumnTypeJSON:
			exprs = append(exprs, fmt.Sprintf("(_data -> %s) AS %s", pq.QuoteLiteral(c.Name), name))
		default:
			t := sqlType(c.Type)
			valid := fmt.Sprintf("pg_input_is_valid(%s, %s)", v, pq.QuoteLiteral(t))
			exprs = append(exprs, fmt.Sprintf("CASE WHEN %s THEN %s::%s END AS %s", valid, v, t, name))
			checks = append(checks, fmt.Sprintf("CASE WHEN %s IS NOT NULL AND NOT %s THEN %s END", v, valid, pq.QuoteLiteral(c.Name)))
		}
	}
	meta := "NULL::jsonb"
	if len(checks) > 0 {
		errs := "array_remove(ARRAY[" + strings.Join(checks, ", ") + "]::text[], NULL)"
		meta = fmt.Sprintf("CASE WHEN cardinality(%[1]s) > 0 THEN jsonb_build_object('errors', to_jsonb(%[1]s)) END", errs)
	}
	exprs = append(exprs, meta+" AS _meta")

	sel := fmt.Sprintf("SELECT %s\n\t\tFROM %s\n\t\tWHERE _loaded_at = $1", strings.Join(exprs, ",\n\t\t\t"), rawRef)
	if cfg.SyncMode != writeplan.SyncModeAppendDedupe || len(cfg.PrimaryKey) == 0 {
		return sel
	}
	// ON CONFLICT cannot touch the same row twice, so keep one row per key.
	pk := make([]string, 0, len(cfg.PrimaryKey))
	for _, k := range cfg.PrimaryKey {
		pk = append(pk, pq.QuoteIdentifier(k))
	}
	order := append(append([]string(nil), pk...), versionOrder(cfg)...)
	return fmt.Sprintf("SELECT DISTINCT ON (%s) * FROM (%s) typed\n\t\tORDER BY %s",
		strings.Join(pk, ", "), sel, strings.Join(order, ", "))
}

func versionOrder(cfg *writeplan.WriteConfig) []string {
	order := []string{"_extracted_at DESC", "_raw_id DESC"}
	if cfg.Cursor != "" {
		order = append([]string{pq.QuoteIdentifier(cfg.Cursor) + " DESC NULLS LAST"}, order...)
	}
	return order
}

// insertSQL promotes the rows stamped with $1 into target. Append-dedupe
// streams upsert on the primary key and only replace rows whose cursor is
// not newer than the incoming one.
func insertSQL(targetRef, rawRef string, cfg *writeplan.WriteConfig) string {
	cols := finalColumnNames(cfg.Columns)
	q := fmt.Sprintf("INSERT INTO %s AS t (%s)\n\t\t%s", targetRef, strings.Join(cols, ", "), typedSelect(rawRef, cfg))
	if cfg.SyncMode != writeplan.SyncModeAppendDedupe || len(cfg.PrimaryKey) == 0 {
		return q
	}

	pk := make([]string, 0, len(cfg.PrimaryKey))
	isPK := make(map[string]bool, len(cfg.PrimaryKey))
	for _, k := range cfg.PrimaryKey {
		pk = append(pk, pq.QuoteIdentifier(k))
		isPK[pq.QuoteIdentifier(k)] = true
	}
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if !isPK[c] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}
	newer := "(t._extracted_at, t._raw_id) <= (EXCLUDED._extracted_at, EXCLUDED._raw_id)"
	if cfg.Cursor != "" {
		cur := pq.QuoteIdentifier(cfg.Cursor)
		newer = fmt.Sprintf(`t.%[1]s IS NULL OR (EXCLUDED.%[1]s IS NOT NULL AND (t.%[1]s < EXCLUDED.%[1]s OR (t.%[1]s = EXCLUDED.%[1]s AND %[2]s)))`, cur, newer)
	}
	return fmt.Sprintf("%s\n\t\tON CONFLICT (%s) DO UPDATE SET %s\n\t\tWHERE %s",
		q, strings.Join(pk, ", "), strings.Join(sets, ", "), newer)
}
