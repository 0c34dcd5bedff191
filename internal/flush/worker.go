package flush

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/lakesink/internal/buffer"
	"github.com/malbeclabs/lakesink/internal/staging"
	"github.com/malbeclabs/lakesink/internal/writeplan"
	"github.com/malbeclabs/lakesink/pkg/protocol"
)

var ErrInvalidRecord = errors.New("invalid record")

type FlushError struct {
	Key protocol.StreamKey
	Err error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("failed to flush stream %s: %v", e.Key, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

// Notifier is told about every successful flush.
type Notifier interface {
	FlushCompleted(key protocol.StreamKey) error
}

type Result struct {
	Key      protocol.StreamKey
	Records  int
	Bytes    int64
	Duration time.Duration
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Metrics  *Metrics
	Plan     *writeplan.Plan
	Backend  staging.Backend
	Notifier Notifier
}

func (c *Config) Validate() error {
	if c.Plan == nil {
		return errors.New("write plan is required")
	}
	if c.Backend == nil {
		return errors.New("staging backend is required")
	}
	if c.Notifier == nil {
		return errors.New("flush notifier is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	return nil
}

// Worker moves detached batches into staging. It does not retry; failures
// are returned to the caller as *FlushError.
type Worker struct {
	log      *slog.Logger
	clock    clockwork.Clock
	metrics  *Metrics
	plan     *writeplan.Plan
	backend  staging.Backend
	notifier Notifier
}

func NewWorker(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Worker{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		plan:     cfg.Plan,
		backend:  cfg.Backend,
		notifier: cfg.Notifier,
	}, nil
}

func (w *Worker) Flush(ctx context.Context, task *buffer.Task) (Result, error) {
	res := Result{Key: task.Key, Records: task.Len(), Bytes: task.Bytes}
	cfg, ok := w.plan.Lookup(task.Key)
	if !ok {
		return res, &FlushError{Key: task.Key, Err: fmt.Errorf("stream is not part of the write plan")}
	}
	if task.Len() == 0 {
		return res, nil
	}

	start := w.clock.Now()
	batch, err := w.encode(task)
	if err != nil {
		w.metrics.Errors.Inc()
		return res, &FlushError{Key: task.Key, Err: err}
	}
	if err := w.backend.AppendBatch(ctx, cfg, batch); err != nil {
		w.metrics.Errors.Inc()
		return res, &FlushError{Key: task.Key, Err: err}
	}
	res.Duration = w.clock.Since(start)
	w.metrics.Duration.Observe(res.Duration.Seconds())
	w.metrics.Flushes.Inc()
	w.metrics.Records.Add(float64(res.Records))
	w.metrics.Bytes.Add(float64(res.Bytes))

	if err := w.notifier.FlushCompleted(task.Key); err != nil {
		return res, &FlushError{Key: task.Key, Err: fmt.Errorf("failed to schedule promotion: %w", err)}
	}
	w.log.Debug("flush: staged batch", "stream", task.Key.String(), "records", res.Records, "bytes", res.Bytes, "duration", res.Duration.String())
	return res, nil
}

func (w *Worker) encode(task *buffer.Task) (staging.Batch, error) {
	batch := staging.Batch{
		Records: make([]staging.RawRecord, 0, task.Len()),
		Bytes:   task.Bytes,
	}
	now := w.clock.Now().UTC()
	for i, raw := range task.Records {
		var rec protocol.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return staging.Batch{}, fmt.Errorf("%w: record %d: %v", ErrInvalidRecord, i, err)
		}
		data := bytes.TrimSpace(rec.Data)
		if len(data) == 0 || data[0] != '{' {
			return staging.Batch{}, fmt.Errorf("%w: record %d: data must be a JSON object", ErrInvalidRecord, i)
		}
		extractedAt := now
		if rec.EmittedAt > 0 {
			extractedAt = time.UnixMilli(rec.EmittedAt).UTC()
		}
		batch.Records = append(batch.Records, staging.RawRecord{
			ID:          uuid.NewString(),
			ExtractedAt: extractedAt,
			Data:        data,
		})
	}
	return batch, nil
}
