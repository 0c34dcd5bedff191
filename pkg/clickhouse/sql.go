package clickhouse

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/lakesink/internal/writeplan"
)

const stateTable = "_lakesink_promotions"

func quoteIdent(s string) string {
	return "`" + strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(s) + "`"
}

func quoteString(s string) string {
	return "'" + strings.NewReplacer("\\", "\\\\", "'", "\\'").Replace(s) + "'"
}

func tableRef(database, table string) string {
	return quoteIdent(database) + "." + quoteIdent(table)
}

func columnType(t writeplan.ColumnType) string {
	switch t {
	case writeplan.ColumnTypeInteger:
		return "Nullable(Int64)"
	case writeplan.ColumnTypeNumber:
		return "Nullable(Float64)"
	case writeplan.ColumnTypeBoolean:
		return "Nullable(Bool)"
	case writeplan.ColumnTypeTimestamp:
		return "Nullable(DateTime64(6, 'UTC'))"
	default:
		return "Nullable(String)"
	}
}

func createRawTableSQL(ref string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		_raw_id String,
		_extracted_at DateTime64(6, 'UTC'),
		_data String,
		_seq UInt64
	) ENGINE = MergeTree
	ORDER BY (_seq, _raw_id)`, ref)
}

func createStateTableSQL(ref string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		stream String,
		watermark UInt64,
		updated_at DateTime64(6, 'UTC')
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY stream`, ref)
}

// createFinalTableSQL builds the final (or temp) table. Rows replace each
// other by _raw_id, or by primary key for append-dedupe streams.
func createFinalTableSQL(ref string, cfg *writeplan.WriteConfig, ifNotExists bool) string {
	defs := []string{"_raw_id String", "_extracted_at DateTime64(6, 'UTC')", "_loaded_at DateTime64(6, 'UTC')"}
	if len(cfg.Columns) == 0 {
		defs = append(defs, "_data String")
	}
	for _, c := range cfg.Columns {
		defs = append(defs, quoteIdent(c.Name)+" "+columnType(c.Type))
	}
	defs = append(defs, "_meta Nullable(String)")

	orderBy := "_raw_id"
	settings := ""
	if cfg.SyncMode == writeplan.SyncModeAppendDedupe && len(cfg.PrimaryKey) > 0 {
		keys := make([]string, 0, len(cfg.PrimaryKey))
		for _, k := range cfg.PrimaryKey {
			keys = append(keys, quoteIdent(k))
		}
		orderBy = "(" + strings.Join(keys, ", ") + ")"
		settings = "\n\tSETTINGS allow_nullable_key = 1"
	}
	create := "CREATE TABLE"
	if ifNotExists {
		create = "CREATE TABLE IF NOT EXISTS"
	}
	return fmt.Sprintf("%s %s (\n\t\t%s\n\t) ENGINE = ReplacingMergeTree\n\tORDER BY %s%s",
		create, ref, strings.Join(defs, ",\n\t\t"), orderBy, settings)
}

func finalColumnNames(cols []writeplan.Column) []string {
	names := []string{"_raw_id", "_extracted_at", "_loaded_at"}
	if len(cols) == 0 {
		names = append(names, "_data")
	}
	for _, c := range cols {
		names = append(names, quoteIdent(c.Name))
	}
	return append(names, "_meta")
}

// rawValue is the column's JSON value as text: strings unquoted, other
// values in their JSON form, NULL when absent or null.
func rawValue(name string) string {
	key := quoteString(name)
	return fmt.Sprintf("if(JSONType(_data, %[1]s) = 'Null', NULL, if(JSONType(_data, %[1]s) = 'String', JSONExtractString(_data, %[1]s), JSONExtractRaw(_data, %[1]s)))", key)
}

func castExpr(t writeplan.ColumnType, v string) string {
	switch t {
	case writeplan.ColumnTypeInteger:
		return fmt.Sprintf("accurateCastOrNull(%s, 'Int64')", v)
	case writeplan.ColumnTypeNumber:
		return fmt.Sprintf("accurateCastOrNull(%s, 'Float64')", v)
	case writeplan.ColumnTypeBoolean:
		return fmt.Sprintf("accurateCastOrNull(%s, 'Bool')", v)
	case writeplan.ColumnTypeTimestamp:
		return fmt.Sprintf("parseDateTime64BestEffortOrNull(%s, 6, 'UTC')", v)
	default:
		return v
	}
}

// typedSelect projects raw rows with _seq in (lo, hi] onto the final
// columns. Failed casts produce NULL and are listed in _meta.
func typedSelect(rawRef string, cols []writeplan.Column) string {
	exprs := []string{"_raw_id", "_extracted_at", "now64(6, 'UTC') AS _loaded_at"}
	if len(cols) == 0 {
		exprs = append(exprs, "_data")
	}
	var checks []string
	for _, c := range cols {
		v := rawValue(c.Name)
		cast := castExpr(c.Type, v)
		exprs = append(exprs, cast+" AS "+quoteIdent(c.Name))
		if cast != v {
			checks = append(checks, fmt.Sprintf("if(%s IS NOT NULL AND %s IS NULL, %s, '')", v, cast, quoteString(c.Name)))
		}
	}
	meta := "CAST(NULL, 'Nullable(String)')"
	if len(checks) > 0 {
		errs := "arrayFilter(x -> x != '', [" + strings.Join(checks, ", ") + "])"
		meta = fmt.Sprintf("if(length(%[1]s) > 0, concat('{\"errors\":', toJSONString(%[1]s), '}'), NULL)", errs)
	}
	exprs = append(exprs, meta+" AS _meta")
	return fmt.Sprintf("SELECT %s\n\t\tFROM %s\n\t\tWHERE _seq > {lo:UInt64} AND _seq <= {hi:UInt64}", strings.Join(exprs, ",\n\t\t\t"), rawRef)
}

// insertSQL promotes a _seq range into target. For append-dedupe streams
// the new rows are merged with the current rows of the same keys and the
// winner per key, by cursor then extraction time, is reinserted.
func insertSQL(targetRef, rawRef string, cfg *writeplan.WriteConfig) string {
	cols := finalColumnNames(cfg.Columns)
	colList := strings.Join(cols, ", ")
	sel := typedSelect(rawRef, cfg.Columns)
	if cfg.SyncMode != writeplan.SyncModeAppendDedupe || len(cfg.PrimaryKey) == 0 {
		return fmt.Sprintf("INSERT INTO %s (%s)\n\t\t%s", targetRef, colList, sel)
	}

	pk := make([]string, 0, len(cfg.PrimaryKey))
	isPK := make(map[string]bool, len(cfg.PrimaryKey))
	for _, k := range cfg.PrimaryKey {
		pk = append(pk, quoteIdent(k))
		isPK[quoteIdent(k)] = true
	}
	version := "(_extracted_at, _raw_id)"
	if cfg.Cursor != "" {
		version = fmt.Sprintf("(%s, _extracted_at, _raw_id)", quoteIdent(cfg.Cursor))
	}
	aggs := make([]string, 0, len(cols))
	for _, c := range cols {
		if isPK[c] {
			aggs = append(aggs, c)
			continue
		}
		// argMax skips NULL arguments; the tuple keeps them.
		aggs = append(aggs, fmt.Sprintf("tupleElement(argMax(tuple(%s), %s), 1) AS %s", c, version, c))
	}
	pkTuple := "(" + strings.Join(pk, ", ") + ")"
	return fmt.Sprintf(`INSERT INTO %[1]s (%[2]s)
		WITH incoming AS (%[3]s)
		SELECT %[4]s FROM (
			SELECT %[2]s FROM incoming
			UNION ALL
			SELECT %[2]s FROM %[1]s FINAL WHERE %[5]s IN (SELECT %[6]s FROM incoming)
		)
		GROUP BY %[6]s`, targetRef, colList, sel, strings.Join(aggs, ", "), pkTuple, strings.Join(pk, ", "))
}
