package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/malbeclabs/lakesink/internal/typededupe"
	"github.com/malbeclabs/lakesink/internal/writeplan"
	"github.com/malbeclabs/lakesink/pkg/protocol"
)

var (
	ErrSetupAlreadyRan = errors.New("staging setup already ran")
	ErrTornDown        = errors.New("staging already torn down")
)

// Promoter runs the final promotion pass during teardown.
type Promoter interface {
	Wait(ctx context.Context) error
	NeedsPromotion(ctx context.Context, key protocol.StreamKey) (bool, error)
	PromoteNow(ctx context.Context, key protocol.StreamKey) error
}

type Config struct {
	Logger   *slog.Logger
	Backend  Backend
	Engine   typededupe.Engine
	Promoter Promoter
}

func (c *Config) Validate() error {
	if c.Backend == nil {
		return errors.New("staging backend is required")
	}
	if c.Engine == nil {
		return errors.New("promotion engine is required")
	}
	if c.Promoter == nil {
		return errors.New("promoter is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return nil
}

type TeardownOptions struct {
	// PurgeStaging removes staged artifacts once promotion succeeded.
	PurgeStaging bool
	// Finalize runs the last promotion pass and commits final tables.
	// When false only transient state is cleaned up.
	Finalize bool
}

// Controller runs the one-time setup before the first flush and the
// one-time teardown after the last one.
type Controller struct {
	log      *slog.Logger
	backend  Backend
	engine   typededupe.Engine
	promoter Promoter

	mu          sync.Mutex
	setupDone   bool
	setupFailed bool
	tornDown    bool
}

func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		log:      cfg.Logger,
		backend:  cfg.Backend,
		engine:   cfg.Engine,
		promoter: cfg.Promoter,
	}, nil
}

// Setup prepares staging for every stream. Overwrite streams have their
// previously staged data cleared; append streams keep theirs.
func (c *Controller) Setup(ctx context.Context, cfgs []*writeplan.WriteConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setupDone || c.setupFailed {
		return ErrSetupAlreadyRan
	}

	for _, cfg := range cfgs {
		if err := c.backend.Ensure(ctx, cfg); err != nil {
			c.setupFailed = true
			return fmt.Errorf("failed to ensure staging for %s: %w", cfg.Key, err)
		}
		if cfg.SyncMode != writeplan.SyncModeOverwrite {
			continue
		}
		if err := c.backend.ClearExisting(ctx, cfg); err != nil {
			c.setupFailed = true
			return fmt.Errorf("failed to clear staging for %s: %w", cfg.Key, err)
		}
		c.log.Debug("staging: cleared existing data", "stream", cfg.Key.String())
	}
	if err := c.engine.Prepare(ctx, cfgs); err != nil {
		c.setupFailed = true
		return fmt.Errorf("failed to prepare final tables: %w", err)
	}
	c.setupDone = true
	c.log.Info("staging: setup complete", "streams", len(cfgs))
	return nil
}

// Teardown finalizes or aborts the job's staging. A failed or missing setup
// always takes the abort path.
func (c *Controller) Teardown(ctx context.Context, cfgs []*writeplan.WriteConfig, opts TeardownOptions) error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return ErrTornDown
	}
	c.tornDown = true
	finalize := opts.Finalize && c.setupDone && !c.setupFailed
	c.mu.Unlock()

	if !finalize {
		return c.abort(ctx, cfgs)
	}
	return c.finalize(ctx, cfgs, opts.PurgeStaging)
}

// finalize promotes and commits every stream. Streams that could not be
// committed are aborted so their temp tables do not outlive the job.
func (c *Controller) finalize(ctx context.Context, cfgs []*writeplan.WriteConfig, purge bool) error {
	if err := c.promoter.Wait(ctx); err != nil {
		err = fmt.Errorf("failed waiting for promotions: %w", err)
		return errors.Join(err, c.abort(ctx, cfgs))
	}

	var errs []error
	var uncommitted []*writeplan.WriteConfig
	for _, cfg := range cfgs {
		if err := c.commit(ctx, cfg); err != nil {
			errs = append(errs, err)
			uncommitted = append(uncommitted, cfg)
			continue
		}
		if !purge {
			continue
		}
		if err := c.backend.Purge(ctx, cfg); err != nil {
			errs = append(errs, fmt.Errorf("failed to purge staging for %s: %w", cfg.Key, err))
		}
	}
	if len(uncommitted) > 0 {
		c.log.Warn("staging: aborting streams that were not committed", "streams", len(uncommitted))
		errs = append(errs, c.abort(ctx, uncommitted))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	c.log.Info("staging: teardown finalized", "streams", len(cfgs), "purged", purge)
	return nil
}

func (c *Controller) commit(ctx context.Context, cfg *writeplan.WriteConfig) error {
	needs, err := c.promoter.NeedsPromotion(ctx, cfg.Key)
	if err != nil {
		return fmt.Errorf("failed to check promotion state for %s: %w", cfg.Key, err)
	}
	if needs {
		if err := c.promoter.PromoteNow(ctx, cfg.Key); err != nil {
			return err
		}
	} else {
		c.log.Debug("staging: skipping promotion for stream without new records", "stream", cfg.Key.String())
	}
	if err := c.engine.Commit(ctx, cfg); err != nil {
		return fmt.Errorf("failed to commit %s: %w", cfg.Key, err)
	}
	return nil
}

// abort cleans up temp tables and transient staging state. Final tables and
// already staged raw records are left alone so a later job can promote them.
func (c *Controller) abort(ctx context.Context, cfgs []*writeplan.WriteConfig) error {
	cleaner, _ := c.backend.(TransientCleaner)
	var errs []error
	for _, cfg := range cfgs {
		if err := c.engine.Abort(ctx, cfg); err != nil {
			c.log.Warn("staging: failed to drop temp tables", "stream", cfg.Key.String(), "error", err)
			errs = append(errs, fmt.Errorf("failed to abort %s: %w", cfg.Key, err))
		}
		if cleaner == nil {
			continue
		}
		if err := cleaner.CleanupTransient(ctx, cfg); err != nil {
			c.log.Warn("staging: failed to clean transient state", "stream", cfg.Key.String(), "error", err)
			errs = append(errs, fmt.Errorf("failed to clean transient staging for %s: %w", cfg.Key, err))
		}
	}
	c.log.Info("staging: teardown aborted", "streams", len(cfgs))
	return errors.Join(errs...)
}
