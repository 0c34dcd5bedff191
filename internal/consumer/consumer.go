package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/lakesink/internal/buffer"
	"github.com/malbeclabs/lakesink/internal/flush"
	"github.com/malbeclabs/lakesink/internal/staging"
	"github.com/malbeclabs/lakesink/internal/writeplan"
	"github.com/malbeclabs/lakesink/pkg/protocol"
)

const defaultDrainConcurrency = 4

var (
	ErrNotStarted     = errors.New("consumer not started")
	ErrAlreadyStarted = errors.New("consumer already started")
	ErrClosed         = errors.New("consumer closed")
)

type UnconfiguredStreamError struct {
	Key   protocol.StreamKey
	Known []protocol.StreamKey
}

func (e *UnconfiguredStreamError) Error() string {
	known := make([]string, 0, len(e.Known))
	for _, k := range e.Known {
		known = append(known, k.String())
	}
	return fmt.Sprintf("received record for unconfigured stream %s; configured streams: [%s]", e.Key, strings.Join(known, ", "))
}

// Collector receives state messages once they may be checkpointed.
type Collector interface {
	Forward(ctx context.Context, msg *protocol.Message) error
}

type Flusher interface {
	Flush(ctx context.Context, task *buffer.Task) (flush.Result, error)
}

type Stager interface {
	Setup(ctx context.Context, cfgs []*writeplan.WriteConfig) error
	Teardown(ctx context.Context, cfgs []*writeplan.WriteConfig, opts staging.TeardownOptions) error
}

type Promotions interface {
	Wait(ctx context.Context) error
	Cancel()
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Metrics    *Metrics
	Plan       *writeplan.Plan
	Buffer     buffer.Config
	Flusher    Flusher
	Staging    Stager
	Promotions Promotions
	Collector  Collector
	Checkpoint CheckpointPolicy
	// PurgeStaging removes staged raw data after a successful close.
	PurgeStaging bool
	// DrainConcurrency bounds the flushes run in parallel at close.
	DrainConcurrency int
}

func (c *Config) Validate() error {
	if c.Plan == nil {
		return errors.New("write plan is required")
	}
	if c.Flusher == nil {
		return errors.New("flusher is required")
	}
	if c.Staging == nil {
		return errors.New("staging controller is required")
	}
	if c.Promotions == nil {
		return errors.New("promotion coordinator is required")
	}
	if c.Collector == nil {
		return errors.New("collector is required")
	}
	if c.DrainConcurrency < 0 {
		return errors.New("drain concurrency must be non-negative")
	}
	if c.DrainConcurrency == 0 {
		c.DrainConcurrency = defaultDrainConcurrency
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
	if c.Buffer.Logger == nil {
		c.Buffer.Logger = c.Logger
	}
	if c.Buffer.Clock == nil {
		c.Buffer.Clock = c.Clock
	}
	return nil
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateStarted
	stateClosed
)

// Consumer is the ingestion surface of a job: Start, then Accept every
// message in arrival order, then Close.
type Consumer struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	state   lifecycle
	failed  error
	buffer  *buffer.Manager
	tracker *checkpointTracker
}

func New(cfg Config) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Consumer{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		tracker: newCheckpointTracker(),
	}, nil
}

// Start sets up staging for every stream and establishes the memory budget.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateNew {
		return ErrAlreadyStarted
	}
	c.state = stateStarted

	mgr, err := buffer.NewManager(c.cfg.Buffer)
	if err != nil {
		c.failed = fmt.Errorf("failed to create buffer manager: %w", err)
		return c.failed
	}
	c.buffer = mgr

	job := c.cfg.Plan.Job()
	if err := c.cfg.Staging.Setup(ctx, c.cfg.Plan.Configs()); err != nil {
		c.failed = fmt.Errorf("failed to set up staging: %w", err)
		return c.failed
	}
	c.log.Info("consumer: started",
		"job", job.ID,
		"sync_time", job.SyncTime,
		"streams", len(c.cfg.Plan.Configs()),
		"budget_bytes", mgr.Budget(),
		"checkpoint", c.cfg.Checkpoint.String())
	return nil
}

// AcceptLine decodes one protocol line and accepts it.
func (c *Consumer) AcceptLine(ctx context.Context, line []byte) error {
	msg, err := protocol.Decode(line)
	if err != nil {
		return err
	}
	return c.Accept(ctx, msg)
}

// Accept routes one message. Calls must be sequential. Any error is fatal
// to the job and is returned again by later calls.
func (c *Consumer) Accept(ctx context.Context, msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateNew:
		return ErrNotStarted
	case stateClosed:
		return ErrClosed
	}
	if c.failed != nil {
		return c.failed
	}
	if err := c.acceptLocked(ctx, msg); err != nil {
		c.failed = err
		return err
	}
	return nil
}

func (c *Consumer) acceptLocked(ctx context.Context, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeRecord:
		return c.acceptRecord(ctx, msg.Record)
	case protocol.TypeState:
		if c.cfg.Checkpoint == CheckpointOnAccept {
			return c.forward(ctx, msg)
		}
		c.tracker.hold(msg)
		c.metrics.StatesHeld.Set(float64(c.tracker.pending()))
		return c.forwardReady(ctx)
	default:
		c.log.Debug("consumer: ignoring message", "type", string(msg.Type))
		return nil
	}
}

func (c *Consumer) acceptRecord(ctx context.Context, rec *protocol.Record) error {
	if rec == nil {
		return protocol.ErrMissingRecord
	}
	key := rec.Key()
	if _, ok := c.cfg.Plan.Lookup(key); !ok {
		c.metrics.UnconfiguredHits.Inc()
		return &UnconfiguredStreamError{Key: key, Known: c.cfg.Plan.Keys()}
	}
	b, err := rec.Bytes()
	if err != nil {
		return err
	}
	decision := c.buffer.Enqueue(key, b)
	c.tracker.accept(key)
	c.metrics.RecordsAccepted.Inc()

	if err := c.flushDecision(ctx, decision); err != nil {
		return err
	}
	return c.flushDecision(ctx, c.buffer.Due())
}

func (c *Consumer) flushDecision(ctx context.Context, d buffer.Decision) error {
	for _, f := range d.Flushes {
		c.log.Debug("consumer: flushing stream", "stream", f.Key.String(), "reason", string(f.Reason))
		if err := c.flushStream(ctx, f.Key); err != nil {
			return err
		}
	}
	if c.cfg.Checkpoint == CheckpointOnFlush && !d.Empty() {
		return c.forwardReady(ctx)
	}
	return nil
}

func (c *Consumer) flushStream(ctx context.Context, key protocol.StreamKey) error {
	task, err := c.buffer.Detach(key)
	if err != nil {
		return err
	}
	return c.flushTask(ctx, task)
}

func (c *Consumer) flushTask(ctx context.Context, task *buffer.Task) error {
	defer c.buffer.Release(task.Key)
	if _, err := c.cfg.Flusher.Flush(ctx, task); err != nil {
		c.metrics.FlushFailures.Inc()
		return err
	}
	c.tracker.flush(task.Key, task.Len())
	return nil
}

func (c *Consumer) forward(ctx context.Context, msg *protocol.Message) error {
	if err := c.cfg.Collector.Forward(ctx, msg); err != nil {
		return fmt.Errorf("failed to forward state: %w", err)
	}
	c.metrics.StatesForwarded.Inc()
	return nil
}

func (c *Consumer) forwardReady(ctx context.Context) error {
	for _, msg := range c.tracker.ready() {
		if err := c.forward(ctx, msg); err != nil {
			return err
		}
	}
	c.metrics.StatesHeld.Set(float64(c.tracker.pending()))
	return nil
}

// Close ends the job. With hasFailed it performs no flush and no promotion
// and only cleans up staging. Otherwise every buffer is drained, promotions
// are awaited and staging is finalized.
func (c *Consumer) Close(ctx context.Context, hasFailed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateNew:
		c.state = stateClosed
		if hasFailed {
			return nil
		}
		return ErrNotStarted
	case stateClosed:
		return ErrClosed
	}
	c.state = stateClosed

	if hasFailed || c.failed != nil {
		err := c.abort(ctx)
		if c.failed != nil && !hasFailed {
			return errors.Join(c.failed, err)
		}
		return err
	}

	if err := c.drain(ctx); err != nil {
		c.log.Error("consumer: flush failed during close, cleaning up staging", "error", err)
		return errors.Join(err, c.abort(ctx))
	}
	if err := c.forwardReady(ctx); err != nil {
		return errors.Join(err, c.abort(ctx))
	}
	if err := c.cfg.Promotions.Wait(ctx); err != nil {
		return errors.Join(fmt.Errorf("failed waiting for promotions: %w", err), c.abort(ctx))
	}
	if err := c.cfg.Staging.Teardown(ctx, c.cfg.Plan.Configs(), staging.TeardownOptions{
		PurgeStaging: c.cfg.PurgeStaging,
		Finalize:     true,
	}); err != nil {
		return fmt.Errorf("failed to finalize staging: %w", err)
	}
	c.log.Info("consumer: closed", "job", c.cfg.Plan.Job().ID)
	return nil
}

func (c *Consumer) drain(ctx context.Context) error {
	if c.buffer == nil {
		return nil
	}
	for _, st := range c.buffer.Stats() {
		if st.Records > 0 {
			c.log.Debug("consumer: draining stream", "stream", st.Key.String(), "records", st.Records, "bytes", st.Bytes)
		}
	}
	tasks := c.buffer.DrainAll()
	if len(tasks) == 0 {
		return nil
	}
	c.log.Info("consumer: draining buffers", "streams", len(tasks))

	pool := pond.NewPool(min(c.cfg.DrainConcurrency, len(tasks)))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	for _, task := range tasks {
		group.SubmitErr(func() error {
			return c.flushTask(ctx, task)
		})
	}
	return group.Wait()
}

// abort stops promotions and cleans up staging without promoting.
func (c *Consumer) abort(ctx context.Context) error {
	c.cfg.Promotions.Cancel()
	if err := c.cfg.Promotions.Wait(ctx); err != nil {
		c.log.Warn("consumer: promotions did not stop before cleanup", "error", err)
	}
	if err := c.cfg.Staging.Teardown(ctx, c.cfg.Plan.Configs(), staging.TeardownOptions{
		PurgeStaging: c.cfg.PurgeStaging,
		Finalize:     false,
	}); err != nil {
		c.log.Error("consumer: staging cleanup failed", "error", err)
		return fmt.Errorf("failed to clean up staging: %w", err)
	}
	return nil
}
