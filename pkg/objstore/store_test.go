package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/lakesink/internal/staging"
	"github.com/malbeclabs/lakesink/internal/writeplan"
	"github.com/malbeclabs/lakesink/pkg/protocol"
)

// memS3 is an in-memory S3API.
type memS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	noBkt   bool
}

func newMemS3() *memS3 {
	return &memS3{objects: make(map[string][]byte)}
}

func (m *memS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.noBkt {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *memS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (m *memS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, src, _ := strings.Cut(aws.ToString(in.CopySource), "/")
	b, ok := m.objects[src]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	m.objects[aws.ToString(in.Key)] = b
	return &s3.CopyObjectOutput{}, nil
}

func (m *memS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(m.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (m *memS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if in.MaxKeys != nil && len(keys) > int(*in.MaxKeys) {
		keys = keys[:*in.MaxKeys]
	}
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (m *memS3) keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func newTestStore(t *testing.T, client S3API) *Store {
	t.Helper()
	s, err := NewStore(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Clock:  clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
		Client: client,
		Bucket: "lake",
		Prefix: "/sink/",
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func writeConfig(mode writeplan.SyncMode) *writeplan.WriteConfig {
	return &writeplan.WriteConfig{
		Key:        protocol.StreamKey{Namespace: "public", Name: "users"},
		Schema:     "public",
		RawSchema:  "public",
		RawTable:   "users_raw",
		FinalTable: "users",
		TempTable:  "users_tmp",
		SyncMode:   mode,
		JobID:      "job-1",
		Columns: []writeplan.Column{
			{Name: "id", Type: writeplan.ColumnTypeInteger},
			{Name: "name", Type: writeplan.ColumnTypeString},
		},
	}
}

func batch(records ...string) staging.Batch {
	var b staging.Batch
	for i, r := range records {
		b.Records = append(b.Records, staging.RawRecord{
			ID:          string(rune('a' + i)),
			ExtractedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			Data:        []byte(r),
		})
	}
	return b
}

func TestObjstore_AppendAndPromote(t *testing.T) {
	t.Parallel()

	client := newMemS3()
	s := newTestStore(t, client)
	cfg := writeConfig(writeplan.SyncModeAppend)
	ctx := t.Context()

	require.NoError(t, s.Ensure(ctx, cfg))
	require.NoError(t, s.Prepare(ctx, []*writeplan.WriteConfig{cfg}))
	require.NoError(t, s.AppendBatch(ctx, cfg, batch(`{"id":1,"name":"ada"}`, `{"id":"x","name":"bob"}`)))
	require.Len(t, client.keys("sink/public/users_raw/pending/job-1/"), 1)

	unprocessed, err := s.HasUnprocessed(ctx, cfg)
	require.NoError(t, err)
	require.True(t, unprocessed)

	require.NoError(t, s.Promote(ctx, cfg))
	require.Empty(t, client.keys("sink/public/users_raw/pending/"))
	require.Len(t, client.keys("sink/public/users_raw/loaded/job-1/"), 1)

	rows, err := s.ReadTable(ctx, "public", "users")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.EqualValues(t, 1, rows[0]["id"])
	require.Equal(t, "ada", rows[0]["name"])
	require.Nil(t, rows[1]["id"])
	require.Equal(t, map[string]any{"errors": []any{"id"}}, rows[1]["_meta"])

	// Promoting again with nothing pending is a no-op.
	require.NoError(t, s.Promote(ctx, cfg))
	rows, err = s.ReadTable(ctx, "public", "users")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, s.Commit(ctx, cfg))
	require.NoError(t, s.Purge(ctx, cfg))
	require.Empty(t, client.keys("sink/public/users_raw/"))
}

func TestObjstore_OverwriteSwapsOnCommit(t *testing.T) {
	t.Parallel()

	client := newMemS3()
	s := newTestStore(t, client)
	cfg := writeConfig(writeplan.SyncModeOverwrite)
	ctx := t.Context()

	client.objects["sink/public/users/old.jsonl.gz"] = []byte("stale")
	client.objects["sink/public/users_raw/pending/job-0/000001-x.jsonl.zst"] = []byte("stale")

	require.NoError(t, s.ClearExisting(ctx, cfg))
	require.NoError(t, s.Prepare(ctx, []*writeplan.WriteConfig{cfg}))
	require.NoError(t, s.AppendBatch(ctx, cfg, batch(`{"id":7,"name":"eve"}`)))
	require.NoError(t, s.Promote(ctx, cfg))

	require.Len(t, client.keys("sink/public/users_tmp/"), 1)
	require.Len(t, client.keys("sink/public/users/"), 1)

	require.NoError(t, s.Commit(ctx, cfg))
	require.Empty(t, client.keys("sink/public/users_tmp/"))
	rows, err := s.ReadTable(ctx, "public", "users")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "eve", rows[0]["name"])
}

func TestObjstore_AbortDropsTempOnly(t *testing.T) {
	t.Parallel()

	client := newMemS3()
	s := newTestStore(t, client)
	cfg := writeConfig(writeplan.SyncModeOverwrite)
	ctx := t.Context()

	client.objects["sink/public/users/keep.jsonl.gz"] = []byte("final")
	require.NoError(t, s.AppendBatch(ctx, cfg, batch(`{"id":1}`)))
	require.NoError(t, s.Promote(ctx, cfg))
	require.NoError(t, s.Abort(ctx, cfg))

	require.Empty(t, client.keys("sink/public/users_tmp/"))
	require.Equal(t, []string{"sink/public/users/keep.jsonl.gz"}, client.keys("sink/public/users/"))
}

func TestObjstore_RejectsDedupe(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, newMemS3())
	err := s.Prepare(t.Context(), []*writeplan.WriteConfig{writeConfig(writeplan.SyncModeAppendDedupe)})
	require.ErrorIs(t, err, ErrUnsupportedSyncMode)
}

func TestObjstore_EnsureMissingBucket(t *testing.T) {
	t.Parallel()

	client := newMemS3()
	client.noBkt = true
	s := newTestStore(t, client)
	require.ErrorContains(t, s.Ensure(t.Context(), writeConfig(writeplan.SyncModeAppend)), "failed to access bucket lake")
}

func TestObjstore_Coerce(t *testing.T) {
	t.Parallel()

	cases := []struct {
		typ  writeplan.ColumnType
		raw  string
		want any
		ok   bool
	}{
		{writeplan.ColumnTypeInteger, `42`, int64(42), true},
		{writeplan.ColumnTypeInteger, `"42"`, int64(42), true},
		{writeplan.ColumnTypeInteger, `4.5`, nil, false},
		{writeplan.ColumnTypeNumber, `4.5`, 4.5, true},
		{writeplan.ColumnTypeBoolean, `"true"`, true, true},
		{writeplan.ColumnTypeBoolean, `"nope"`, nil, false},
		{writeplan.ColumnTypeString, `12`, "12", true},
		{writeplan.ColumnTypeTimestamp, `"2024-06-01T10:00:00+02:00"`, "2024-06-01T08:00:00Z", true},
		{writeplan.ColumnTypeTimestamp, `12`, nil, false},
		{writeplan.ColumnTypeInteger, `null`, nil, true},
	}
	for _, tc := range cases {
		got, ok := coerce(tc.typ, []byte(tc.raw))
		require.Equal(t, tc.ok, ok, "%s %s", tc.typ, tc.raw)
		require.Equal(t, tc.want, got, "%s %s", tc.typ, tc.raw)
	}
}

func TestObjstore_ParseURI(t *testing.T) {
	t.Parallel()

	bucket, prefix, err := ParseURI("s3://lake/raw/data/")
	require.NoError(t, err)
	require.Equal(t, "lake", bucket)
	require.Equal(t, "raw/data", prefix)

	_, _, err = ParseURI("file:///tmp")
	require.Error(t, err)
}
