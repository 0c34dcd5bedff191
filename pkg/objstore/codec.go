package objstore

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/malbeclabs/lakesink/internal/staging"
	"github.com/malbeclabs/lakesink/internal/writeplan"
)

type rawLine struct {
	ID          string          `json:"_raw_id"`
	ExtractedAt time.Time       `json:"_extracted_at"`
	Data        json.RawMessage `json:"_data"`
}

// codec writes raw objects as zstd JSON lines and final objects as gzip
// JSON lines.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}

func (c *codec) encodeRaw(records []staging.RawRecord) ([]byte, error) {
	var buf bytes.Buffer
	e := json.NewEncoder(&buf)
	for _, r := range records {
		if err := e.Encode(rawLine{ID: r.ID, ExtractedAt: r.ExtractedAt.UTC(), Data: r.Data}); err != nil {
			return nil, fmt.Errorf("failed to encode raw record: %w", err)
		}
	}
	return c.enc.EncodeAll(buf.Bytes(), nil), nil
}

func (c *codec) decodeRaw(b []byte) ([]rawLine, error) {
	plain, err := c.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress raw object: %w", err)
	}
	var lines []rawLine
	s := bufio.NewScanner(bytes.NewReader(plain))
	s.Buffer(make([]byte, 0, 64<<10), 64<<20)
	for s.Scan() {
		if len(s.Bytes()) == 0 {
			continue
		}
		var l rawLine
		if err := json.Unmarshal(s.Bytes(), &l); err != nil {
			return nil, fmt.Errorf("failed to decode raw line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, s.Err()
}

func encodeFinal(rows []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	e := json.NewEncoder(zw)
	for _, r := range rows {
		if err := e.Encode(r); err != nil {
			return nil, fmt.Errorf("failed to encode row: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeFinal reads a typed object. Bodies already decompressed by the HTTP
// transport are read as is.
func decodeFinal(r io.Reader) ([]map[string]any, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		src = zr
	}
	var rows []map[string]any
	d := json.NewDecoder(src)
	for {
		var row map[string]any
		if err := d.Decode(&row); err == io.EOF {
			return rows, nil
		} else if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

// typeRow extracts the configured columns from a raw line. Values that
// cannot be cast are nulled and their column names are listed under
// _meta.errors. Streams without columns keep the whole payload in _data.
func typeRow(cols []writeplan.Column, l rawLine, loadedAt time.Time) map[string]any {
	row := map[string]any{
		"_raw_id":       l.ID,
		"_extracted_at": l.ExtractedAt.UTC().Format(time.RFC3339Nano),
		"_loaded_at":    loadedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(cols) == 0 {
		row["_data"] = l.Data
		return row
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(l.Data, &data); err != nil {
		data = nil
	}
	var errs []string
	for _, c := range cols {
		v, ok := coerce(c.Type, data[c.Name])
		if !ok {
			errs = append(errs, c.Name)
		}
		row[c.Name] = v
	}
	if len(errs) > 0 {
		row["_meta"] = map[string]any{"errors": errs}
	}
	return row
}

// coerce returns nil, true for absent or null values and nil, false when raw
// cannot be represented as t.
func coerce(t writeplan.ColumnType, raw json.RawMessage) (any, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var s string
	isString := json.Unmarshal(raw, &s) == nil

	switch t {
	case writeplan.ColumnTypeString:
		if isString {
			return s, true
		}
		return string(raw), true
	case writeplan.ColumnTypeInteger:
		if !isString {
			s = string(raw)
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
			return int64(f), true
		}
		return nil, false
	case writeplan.ColumnTypeNumber:
		if !isString {
			s = string(raw)
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
		return nil, false
	case writeplan.ColumnTypeBoolean:
		if !isString {
			s = string(raw)
		}
		if b, err := strconv.ParseBool(s); err == nil {
			return b, true
		}
		return nil, false
	case writeplan.ColumnTypeTimestamp:
		if !isString {
			return nil, false
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", time.DateOnly} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC().Format(time.RFC3339Nano), true
			}
		}
		return nil, false
	default:
		return raw, true
	}
}
