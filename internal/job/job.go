package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/lakesink/internal/buffer"
	"github.com/malbeclabs/lakesink/internal/consumer"
	"github.com/malbeclabs/lakesink/internal/flush"
	"github.com/malbeclabs/lakesink/internal/metrics"
	"github.com/malbeclabs/lakesink/internal/source"
	"github.com/malbeclabs/lakesink/internal/staging"
	"github.com/malbeclabs/lakesink/internal/typededupe"
	"github.com/malbeclabs/lakesink/internal/writeplan"
)

const (
	defaultCloseTimeout = 10 * time.Minute
	shutdownTimeout     = 5 * time.Second
)

type RunnerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// Registerer receives the pipeline metrics. Nil leaves them unregistered.
	Registerer  prometheus.Registerer
	Job         *Config
	Destination *Destination
	Source      source.Source
	Collector   consumer.Collector
	// MetricsAddr serves /metrics for the lifetime of the run when set.
	MetricsAddr string
	// CloseTimeout bounds the final drain and promotion, which run on a
	// context detached from the run context.
	CloseTimeout time.Duration
}

func (c *RunnerConfig) Validate() error {
	if c.Job == nil {
		return errors.New("job config is required")
	}
	if err := c.Job.Validate(); err != nil {
		return err
	}
	if c.Destination == nil {
		return errors.New("destination is required")
	}
	if c.Source == nil {
		return errors.New("source is required")
	}
	if c.Collector == nil {
		return errors.New("collector is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
	return nil
}

// Runner runs one job: it compiles the write plan, feeds every source line
// to a consumer and closes it once the source ends.
type Runner struct {
	cfg RunnerConfig
	log *slog.Logger
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, log: cfg.Logger}, nil
}

func (r *Runner) Run(ctx context.Context) error {
	start := r.cfg.Clock.Now()
	dest := string(r.cfg.Destination.Type)
	err := r.run(ctx)
	metrics.JobDuration.WithLabelValues(dest).Observe(r.cfg.Clock.Since(start).Seconds())
	if err != nil {
		metrics.JobsTotal.WithLabelValues(dest, "error").Inc()
		return err
	}
	metrics.JobsTotal.WithLabelValues(dest, "success").Inc()
	return nil
}

func (r *Runner) run(ctx context.Context) error {
	naming, err := r.cfg.Job.Naming.resolver()
	if err != nil {
		return fmt.Errorf("failed to create naming resolver: %w", err)
	}
	defer naming.Close()

	plan, err := writeplan.Compile(writeplan.NewJobContext(r.cfg.Clock), r.cfg.Job.Catalog, naming)
	if err != nil {
		return fmt.Errorf("failed to compile write plan: %w", err)
	}

	cons, coordinator, err := r.build(plan)
	if err != nil {
		return err
	}
	defer coordinator.Close()

	if err := cons.Start(ctx); err != nil {
		return r.abort(ctx, cons, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return r.ingest(gctx, cons)
	})
	if r.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, r.log, r.cfg.MetricsAddr)
		})
	}
	return g.Wait()
}

func (r *Runner) build(plan *writeplan.Plan) (*consumer.Consumer, *typededupe.Coordinator, error) {
	reg := r.cfg.Registerer
	dest := r.cfg.Destination

	coordinator, err := typededupe.NewCoordinator(typededupe.Config{
		Logger:      r.log,
		Clock:       r.cfg.Clock,
		Metrics:     typededupe.NewMetrics(reg),
		Engine:      dest.Engine,
		Plan:        plan,
		Concurrency: r.cfg.Job.PromotionConcurrency,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create promotion coordinator: %w", err)
	}
	worker, err := flush.NewWorker(flush.Config{
		Logger:   r.log,
		Clock:    r.cfg.Clock,
		Metrics:  flush.NewMetrics(reg),
		Plan:     plan,
		Backend:  dest.Backend,
		Notifier: coordinator,
	})
	if err != nil {
		coordinator.Close()
		return nil, nil, fmt.Errorf("failed to create flush worker: %w", err)
	}
	controller, err := staging.NewController(staging.Config{
		Logger:   r.log,
		Backend:  dest.Backend,
		Engine:   dest.Engine,
		Promoter: coordinator,
	})
	if err != nil {
		coordinator.Close()
		return nil, nil, fmt.Errorf("failed to create staging controller: %w", err)
	}
	checkpoint, err := r.cfg.Job.checkpointPolicy()
	if err != nil {
		coordinator.Close()
		return nil, nil, err
	}
	cons, err := consumer.New(consumer.Config{
		Logger:  r.log,
		Clock:   r.cfg.Clock,
		Metrics: consumer.NewMetrics(reg),
		Plan:    plan,
		Buffer: buffer.Config{
			Metrics:        buffer.NewMetrics(reg),
			Policy:         r.cfg.Job.Buffer.policy(),
			BudgetFraction: r.cfg.Job.Buffer.BudgetFraction,
		},
		Flusher:          worker,
		Staging:          controller,
		Promotions:       coordinator,
		Collector:        r.cfg.Collector,
		Checkpoint:       checkpoint,
		PurgeStaging:     r.cfg.Job.PurgeStaging,
		DrainConcurrency: r.cfg.Job.DrainConcurrency,
	})
	if err != nil {
		coordinator.Close()
		return nil, nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	return cons, coordinator, nil
}

// ingest feeds the source to the consumer until the source ends or has been
// idle for the configured timeout, then closes the consumer and commits the
// source. Any failure closes the consumer with hasFailed set.
func (r *Runner) ingest(ctx context.Context, cons *consumer.Consumer) error {
	idle := r.cfg.Job.IdleTimeout
	for {
		pollCtx, cancel := ctx, context.CancelFunc(func() {})
		if idle > 0 {
			pollCtx, cancel = context.WithTimeout(ctx, idle)
		}
		lines, err := r.cfg.Source.Next(pollCtx)
		cancel()
		if errors.Is(err, io.EOF) {
			r.log.Info("job: source ended")
			break
		}
		if idle > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			r.log.Info("job: source idle, finishing", "idle_timeout", idle.String())
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.abort(ctx, cons, ctx.Err())
			}
			return r.abort(ctx, cons, fmt.Errorf("failed to read source: %w", err))
		}
		metrics.LinesRead.Add(float64(len(lines)))
		for _, line := range lines {
			if err := cons.AcceptLine(ctx, line); err != nil {
				return r.abort(ctx, cons, err)
			}
		}
	}

	closeCtx, cancel := r.closeContext(ctx)
	defer cancel()
	if err := cons.Close(closeCtx, false); err != nil {
		return err
	}
	if err := r.cfg.Source.Commit(closeCtx); err != nil {
		return err
	}
	r.log.Info("job: completed")
	return nil
}

// abort closes the consumer without flushing or promoting and returns cause.
func (r *Runner) abort(ctx context.Context, cons *consumer.Consumer, cause error) error {
	r.log.Error("job: failed, cleaning up staging", "error", cause)
	closeCtx, cancel := r.closeContext(ctx)
	defer cancel()
	if err := cons.Close(closeCtx, true); err != nil && !errors.Is(err, consumer.ErrClosed) {
		return errors.Join(cause, err)
	}
	return cause
}

func (r *Runner) closeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CloseTimeout)
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to shut down metrics server", "error", err)
		}
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
