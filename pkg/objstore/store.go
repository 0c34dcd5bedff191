package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/lakesink/internal/staging"
	"github.com/malbeclabs/lakesink/internal/writeplan"
)

const deleteBatchSize = 1000

var ErrUnsupportedSyncMode = errors.New("sync mode is not supported by object storage")

// S3API is the subset of the S3 client used by the store.
type S3API interface {
	s3.ListObjectsV2APIClient
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Client S3API
	Bucket string
	Prefix string
}

func (c *Config) Validate() error {
	if c.Client == nil {
		return errors.New("s3 client is required")
	}
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store stages raw records as compressed JSON-lines objects and promotes them
// into typed objects under the final table prefix. It implements both the
// staging backend and the promotion engine.
//
// Layout under the prefix:
//
//	<raw_schema>/<raw_table>/pending/<job>/<seq>-<id>.jsonl.zst
//	<raw_schema>/<raw_table>/loaded/<job>/<seq>-<id>.jsonl.zst
//	<schema>/<final_table>/<job>-<seq>-<id>.jsonl.gz
type Store struct {
	log    *slog.Logger
	clock  clockwork.Clock
	client S3API
	bucket string
	prefix string
	codec  *codec
	seq    atomic.Int64
}

func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	return &Store{
		log:    cfg.Logger,
		clock:  cfg.Clock,
		client: cfg.Client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		codec:  c,
	}, nil
}

func (s *Store) Close() {
	s.codec.close()
}

func (s *Store) key(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (s *Store) rawPrefix(cfg *writeplan.WriteConfig) string {
	return s.key(cfg.RawSchema, cfg.RawTable) + "/"
}

func (s *Store) pendingPrefix(cfg *writeplan.WriteConfig) string {
	return s.key(cfg.RawSchema, cfg.RawTable, "pending") + "/"
}

func (s *Store) loadedPrefix(cfg *writeplan.WriteConfig) string {
	return s.key(cfg.RawSchema, cfg.RawTable, "loaded") + "/"
}

func (s *Store) tablePrefix(schema, table string) string {
	return s.key(schema, table) + "/"
}

// targetPrefix is where promotion writes: the temp table for overwrite
// streams, the final table otherwise.
func (s *Store) targetPrefix(cfg *writeplan.WriteConfig) string {
	if cfg.SyncMode == writeplan.SyncModeOverwrite {
		return s.tablePrefix(cfg.Schema, cfg.TempTable)
	}
	return s.tablePrefix(cfg.Schema, cfg.FinalTable)
}

func (s *Store) Ensure(ctx context.Context, cfg *writeplan.WriteConfig) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("failed to access bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) AppendBatch(ctx context.Context, cfg *writeplan.WriteConfig, batch staging.Batch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	body, err := s.codec.encodeRaw(batch.Records)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%06d-%s.jsonl.zst", s.seq.Add(1), uuid.NewString())
	key := s.pendingPrefix(cfg) + cfg.JobID + "/" + name
	if err := s.put(ctx, key, body, "zstd"); err != nil {
		return fmt.Errorf("failed to stage batch for %s: %w", cfg.Key, err)
	}
	s.log.Debug("objstore: staged batch", "stream", cfg.Key.String(), "key", key, "records", len(batch.Records), "bytes", len(body))
	return nil
}

func (s *Store) ClearExisting(ctx context.Context, cfg *writeplan.WriteConfig) error {
	return s.deletePrefix(ctx, s.rawPrefix(cfg))
}

func (s *Store) Purge(ctx context.Context, cfg *writeplan.WriteConfig) error {
	return s.deletePrefix(ctx, s.loadedPrefix(cfg))
}

func (s *Store) Prepare(ctx context.Context, cfgs []*writeplan.WriteConfig) error {
	for _, cfg := range cfgs {
		switch cfg.SyncMode {
		case writeplan.SyncModeAppendDedupe:
			return fmt.Errorf("%w: %s uses %s", ErrUnsupportedSyncMode, cfg.Key, cfg.SyncMode)
		case writeplan.SyncModeOverwrite:
			if err := s.deletePrefix(ctx, s.tablePrefix(cfg.Schema, cfg.TempTable)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Promote types every pending raw object into the target prefix, then moves
// the raw object to loaded. The final object name is derived from the raw
// object so a retried promotion overwrites rather than duplicates.
func (s *Store) Promote(ctx context.Context, cfg *writeplan.WriteConfig) error {
	pending, err := s.list(ctx, s.pendingPrefix(cfg), 0)
	if err != nil {
		return err
	}
	loadedAt := s.clock.Now()
	target := s.targetPrefix(cfg)
	for _, key := range pending {
		body, err := s.get(ctx, key)
		if err != nil {
			return err
		}
		lines, err := s.codec.decodeRaw(body)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		rows := make([]map[string]any, 0, len(lines))
		for _, l := range lines {
			rows = append(rows, typeRow(cfg.Columns, l, loadedAt))
		}
		out, err := encodeFinal(rows)
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(key, s.pendingPrefix(cfg))
		finalKey := target + strings.TrimSuffix(strings.ReplaceAll(rel, "/", "-"), ".jsonl.zst") + ".jsonl.gz"
		if err := s.put(ctx, finalKey, out, "gzip"); err != nil {
			return err
		}
		if err := s.move(ctx, key, s.loadedPrefix(cfg)+rel); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		s.log.Debug("objstore: promoted stream", "stream", cfg.Key.String(), "objects", len(pending))
	}
	return nil
}

func (s *Store) HasUnprocessed(ctx context.Context, cfg *writeplan.WriteConfig) (bool, error) {
	keys, err := s.list(ctx, s.pendingPrefix(cfg), 1)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// Commit replaces the final table of overwrite streams with the temp table.
func (s *Store) Commit(ctx context.Context, cfg *writeplan.WriteConfig) error {
	if cfg.SyncMode != writeplan.SyncModeOverwrite {
		return nil
	}
	final := s.tablePrefix(cfg.Schema, cfg.FinalTable)
	temp := s.tablePrefix(cfg.Schema, cfg.TempTable)
	if err := s.deletePrefix(ctx, final); err != nil {
		return err
	}
	keys, err := s.list(ctx, temp, 0)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.move(ctx, key, final+strings.TrimPrefix(key, temp)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Abort(ctx context.Context, cfg *writeplan.WriteConfig) error {
	if cfg.SyncMode != writeplan.SyncModeOverwrite {
		return nil
	}
	return s.deletePrefix(ctx, s.tablePrefix(cfg.Schema, cfg.TempTable))
}

// ReadTable returns the typed rows under a table prefix.
func (s *Store) ReadTable(ctx context.Context, schema, table string) ([]map[string]any, error) {
	keys, err := s.list(ctx, s.tablePrefix(schema, table), 0)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	for _, key := range keys {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		if err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", key, err)
		}
		r, err := decodeFinal(out.Body)
		out.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", key, err)
		}
		rows = append(rows, r...)
	}
	return rows, nil
}

func (s *Store) put(ctx context.Context, key string, body []byte, encoding string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String(encoding),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return b, nil
}

func (s *Store) move(ctx context.Context, from, to string) error {
	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + from),
		Key:        aws.String(to),
	}); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", from, to, err)
	}
	return s.delete(ctx, []string{from})
}

// list returns object keys under prefix in lexical order. A positive limit
// stops after that many keys.
func (s *Store) list(ctx context.Context, prefix string, limit int) ([]string, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket), Prefix: aws.String(prefix)}
	if limit > 0 {
		in.MaxKeys = aws.Int32(int32(limit))
	}
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
		}
	}
	return keys, nil
}

func (s *Store) deletePrefix(ctx context.Context, prefix string) error {
	keys, err := s.list(ctx, prefix, 0)
	if err != nil {
		return err
	}
	return s.delete(ctx, keys)
}

func (s *Store) delete(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects: %w", err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("failed to delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}
