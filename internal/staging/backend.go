package staging

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/malbeclabs/lakesink/internal/writeplan"
)

// RawRecord is one staged row: a generated id, the time the source emitted
// the record, and its untyped JSON payload.
type RawRecord struct {
	ID          string
	ExtractedAt time.Time
	Data        json.RawMessage
}

type Batch struct {
	Records []RawRecord
	Bytes   int64
}

// Backend stores raw records in a per-stream staging location.
type Backend interface {
	// Ensure creates the stream's staging location if it does not exist.
	Ensure(ctx context.Context, cfg *writeplan.WriteConfig) error
	AppendBatch(ctx context.Context, cfg *writeplan.WriteConfig, batch Batch) error
	// ClearExisting removes previously staged data for the stream.
	ClearExisting(ctx context.Context, cfg *writeplan.WriteConfig) error
	// Purge removes staged artifacts that have been promoted.
	Purge(ctx context.Context, cfg *writeplan.WriteConfig) error
}

// TransientCleaner is implemented by backends that keep temporary state
// (partial uploads, load tables) which must be removed when a job aborts.
type TransientCleaner interface {
	CleanupTransient(ctx context.Context, cfg *writeplan.WriteConfig) error
}
