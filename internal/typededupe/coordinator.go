package typededupe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/lakesink/internal/writeplan"
	"github.com/malbeclabs/lakesink/pkg/protocol"
)

const defaultConcurrency = 4

var (
	ErrUnknownStream = errors.New("stream is not part of the write plan")
	ErrCancelled     = errors.New("promotion coordinator cancelled")
)

// Engine types, deduplicates and merges staged raw records into final tables.
type Engine interface {
	// Prepare creates final tables, and temp tables for overwrite streams.
	Prepare(ctx context.Context, cfgs []*writeplan.WriteConfig) error
	// Promote must be idempotent and safe to call back to back.
	Promote(ctx context.Context, cfg *writeplan.WriteConfig) error
	// Commit publishes the result of the job, swapping overwrite temp tables into place.
	Commit(ctx context.Context, cfg *writeplan.WriteConfig) error
	// Abort drops temp state without touching final tables.
	Abort(ctx context.Context, cfg *writeplan.WriteConfig) error
}

// UnprocessedChecker is implemented by engines that can tell whether raw
// records from earlier jobs are still waiting for promotion.
type UnprocessedChecker interface {
	HasUnprocessed(ctx context.Context, cfg *writeplan.WriteConfig) (bool, error)
}

type PromotionError struct {
	Key protocol.StreamKey
	Err error
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("failed to promote stream %s: %v", e.Key, e.Err)
}

func (e *PromotionError) Unwrap() error {
	return e.Err
}

type TicketState int

const (
	TicketIdle TicketState = iota
	TicketPending
	TicketRunning
	// TicketPendingAgain is a running promotion that must run once more.
	TicketPendingAgain
)

func (s TicketState) String() string {
	switch s {
	case TicketIdle:
		return "idle"
	case TicketPending:
		return "pending"
	case TicketRunning:
		return "running"
	case TicketPendingAgain:
		return "running+pending"
	default:
		return fmt.Sprintf("ticket(%d)", int(s))
	}
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Metrics     *Metrics
	Engine      Engine
	Plan        *writeplan.Plan
	Concurrency int
}

func (c *Config) Validate() error {
	if c.Engine == nil {
		return errors.New("promotion engine is required")
	}
	if c.Plan == nil {
		return errors.New("write plan is required")
	}
	if c.Concurrency < 0 {
		return errors.New("concurrency must be non-negative")
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
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

type ticket struct {
	state     TicketState
	scheduled bool
	flushed   bool
	err       error
}

// Coordinator keeps at most one promotion running per stream and schedules
// another pass when flushes complete while one is running.
type Coordinator struct {
	log     *slog.Logger
	clock   clockwork.Clock
	metrics *Metrics
	engine  Engine
	plan    *writeplan.Plan
	pool    pond.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cond      *sync.Cond
	tickets   map[protocol.StreamKey]*ticket
	busy      int
	cancelled bool
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		engine:  cfg.Engine,
		plan:    cfg.Plan,
		pool:    pond.NewPool(cfg.Concurrency),
		ctx:     ctx,
		cancel:  cancel,
		tickets: make(map[protocol.StreamKey]*ticket),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// FlushCompleted records a successful flush of key and makes sure a
// promotion is running or scheduled for it.
func (c *Coordinator) FlushCompleted(key protocol.StreamKey) error {
	if _, ok := c.plan.Lookup(key); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return nil
	}
	t := c.ticketLocked(key)
	t.flushed = true
	switch t.state {
	case TicketIdle:
		t.state = TicketPending
		c.scheduleLocked(key, t)
	case TicketPending:
		if !t.scheduled {
			c.scheduleLocked(key, t)
		}
	case TicketRunning:
		t.state = TicketPendingAgain
	case TicketPendingAgain:
	}
	return nil
}

func (c *Coordinator) ticketLocked(key protocol.StreamKey) *ticket {
	t, ok := c.tickets[key]
	if !ok {
		t = &ticket{}
		c.tickets[key] = t
	}
	return t
}

func (c *Coordinator) scheduleLocked(key protocol.StreamKey, t *ticket) {
	t.scheduled = true
	c.busy++
	c.pool.Submit(func() {
		c.run(key)
	})
}

func (c *Coordinator) run(key protocol.StreamKey) {
	cfg, _ := c.plan.Lookup(key)

	c.mu.Lock()
	t := c.tickets[key]
	t.scheduled = false
	if c.cancelled {
		c.doneLocked()
		c.mu.Unlock()
		return
	}
	t.state = TicketRunning
	c.mu.Unlock()

	for {
		err := c.promote(c.ctx, cfg)

		c.mu.Lock()
		if err != nil {
			t.state = TicketPending
			t.err = &PromotionError{Key: key, Err: err}
			c.doneLocked()
			c.mu.Unlock()
			return
		}
		t.err = nil
		if t.state == TicketPendingAgain && !c.cancelled {
			t.state = TicketRunning
			c.mu.Unlock()
			continue
		}
		t.state = TicketIdle
		c.doneLocked()
		c.mu.Unlock()
		return
	}
}

func (c *Coordinator) doneLocked() {
	c.busy--
	c.cond.Broadcast()
}

func (c *Coordinator) promote(ctx context.Context, cfg *writeplan.WriteConfig) error {
	c.metrics.Running.Inc()
	defer c.metrics.Running.Dec()

	start := c.clock.Now()
	err := c.engine.Promote(ctx, cfg)
	c.metrics.PromotionDuration.Observe(c.clock.Since(start).Seconds())
	if err != nil {
		c.metrics.Promotions.WithLabelValues("error").Inc()
		c.log.Error("typededupe: promotion failed", "stream", cfg.Key.String(), "error", err)
		return err
	}
	c.metrics.Promotions.WithLabelValues("success").Inc()
	c.log.Debug("typededupe: promotion completed", "stream", cfg.Key.String(), "duration", c.clock.Since(start).String())
	return nil
}

// Wait blocks until no promotion is scheduled or running.
func (c *Coordinator) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.busy > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

// NeedsPromotion reports whether key flushed during this job, has a failed
// promotion outstanding, or still has unprocessed raw records from earlier jobs.
func (c *Coordinator) NeedsPromotion(ctx context.Context, key protocol.StreamKey) (bool, error) {
	cfg, ok := c.plan.Lookup(key)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownStream, key)
	}
	c.mu.Lock()
	t, ok := c.tickets[key]
	needed := ok && (t.flushed || t.state != TicketIdle)
	c.mu.Unlock()
	if needed {
		return true, nil
	}
	checker, ok := c.engine.(UnprocessedChecker)
	if !ok {
		return false, nil
	}
	return checker.HasUnprocessed(ctx, cfg)
}

// PromoteNow runs a promotion for key on the calling goroutine once any
// in-progress promotion for it has finished.
func (c *Coordinator) PromoteNow(ctx context.Context, key protocol.StreamKey) error {
	cfg, ok := c.plan.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, key)
	}

	c.mu.Lock()
	t := c.ticketLocked(key)
	for t.scheduled || t.state == TicketRunning || t.state == TicketPendingAgain {
		c.cond.Wait()
	}
	if c.cancelled {
		c.mu.Unlock()
		return ErrCancelled
	}
	t.state = TicketRunning
	c.busy++
	c.mu.Unlock()

	err := c.promote(ctx, cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		t.state = TicketPending
		t.err = &PromotionError{Key: key, Err: err}
	} else {
		t.state = TicketIdle
		t.err = nil
	}
	c.doneLocked()
	return t.err
}

func (c *Coordinator) Ticket(key protocol.StreamKey) TicketState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tickets[key]; ok {
		return t.state
	}
	return TicketIdle
}

// Errors joins the outstanding promotion failures.
func (c *Coordinator) Errors() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, key := range c.plan.Keys() {
		if t, ok := c.tickets[key]; ok && t.err != nil {
			errs = append(errs, t.err)
		}
	}
	return errors.Join(errs...)
}

// Cancel stops scheduling promotions. Queued promotions are skipped and
// running ones observe a cancelled context.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.cancel()
}

// Close cancels outstanding work and waits for the worker pool to stop.
func (c *Coordinator) Close() {
	c.Cancel()
	c.pool.StopAndWait()
}
