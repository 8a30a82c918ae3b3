package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/events"
)

// ErrRuntimeUnavailable marks fatal runtime start failures (e.g. no
// virtualization backend). These are never retried.
var ErrRuntimeUnavailable = errors.New("container runtime unavailable")

// Engine abstracts the container engine so tests can inject a fake.
// The production implementation drives the podman CLI.
type Engine interface {
	// PullImage fetches the base image, reporting coarse progress.
	// Returned errors are treated as transient and retried.
	PullImage(ctx context.Context, image string, progress func(pct int, msg string)) error
	// StartRuntime brings the runtime (podman machine) up. Errors are fatal.
	StartRuntime(ctx context.Context) error
	// StopRuntime tears the runtime down. Best-effort, idempotent.
	StopRuntime(ctx context.Context) error
	// RemoveContainer force-removes a container by name. Best-effort.
	RemoveContainer(ctx context.Context, name string) error
}

// Controller supervises the container-runtime lifecycle: image fetch with
// bounded exponential backoff, runtime start, and teardown. The runtime
// handle is a process-wide singleton; Start and Stop are serialized so a
// Stop issued mid-start cancels the in-flight start before tearing down.
type Controller struct {
	engine      Engine
	machine     *Machine
	broadcaster *events.Broadcaster
	cfg         config.RuntimeConfig
	logger      *slog.Logger

	mu      sync.Mutex // serializes Start/Stop
	cancel  context.CancelFunc
	started bool // runtime is up and needs teardown
}

// NewController creates a Controller operating on the shared state machine.
func NewController(engine Engine, machine *Machine, b *events.Broadcaster, cfg config.RuntimeConfig, logger *slog.Logger) *Controller {
	return &Controller{
		engine:      engine,
		machine:     machine,
		broadcaster: b,
		cfg:         cfg,
		logger:      logger,
	}
}

// Status returns the current sandbox state.
func (c *Controller) Status() State {
	return c.machine.State()
}

// Start drives Idle -> FetchingBaseImage -> StartingRuntime -> RuntimeReady.
// Image fetch is retried with exponential backoff up to the configured
// attempt count; retry exhaustion and runtime start failure both leave the
// machine in Failed. The caller (orchestrator) owns the startup-level
// failure event; this method publishes the image-fetch and progress events.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if err := c.fetchBaseImage(ctx); err != nil {
		return err
	}
	return c.startRuntime(ctx)
}

func (c *Controller) fetchBaseImage(ctx context.Context) error {
	if err := c.machine.Advance(FetchingBaseImage); err != nil {
		return err
	}
	_ = c.broadcaster.Publish(events.ImageFetchStarted())

	image := c.cfg.Image()
	attempt := 0
	pull := func() (struct{}, error) {
		attempt++
		c.logger.Info("pulling base image",
			slog.String("image", image),
			slog.Int("attempt", attempt),
		)
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.PullTimeout())
		defer cancel()

		err := c.engine.PullImage(attemptCtx, image, func(pct int, msg string) {
			_ = c.broadcaster.Publish(events.RuntimeProgress(pct, msg))
		})
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, pull,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.cfg.PullAttempts())),
	)
	if err != nil {
		if ctx.Err() != nil {
			// Canceled by Stop: the stop path owns the state transition.
			return ctx.Err()
		}
		fetchErr := fmt.Errorf("fetching base image %s after %d attempts: %w", image, attempt, err)
		_ = c.broadcaster.Publish(events.ImageFetchFailed(fetchErr))
		c.machine.Fail()
		return fetchErr
	}

	_ = c.broadcaster.Publish(events.ImageFetchCompleted())
	return nil
}

func (c *Controller) startRuntime(ctx context.Context) error {
	if err := c.machine.Advance(StartingRuntime); err != nil {
		return err
	}
	_ = c.broadcaster.Publish(events.RuntimeProgress(50, "starting container runtime"))

	startCtx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout())
	defer cancel()

	if err := c.engine.StartRuntime(startCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// No retry: a runtime that cannot start will not start on the
		// second try either (missing virtualization backend, bad install).
		runErr := fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		c.machine.Fail()
		return runErr
	}

	// Stop cancels ctx under c.mu before reading started, so checking
	// ctx.Err() under the same lock decides the race: either Stop sees
	// started=true and tears down, or we see the cancellation and roll the
	// freshly started runtime back ourselves.
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		if err := c.engine.StopRuntime(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("stopping container runtime", slog.String("error", err.Error()))
		}
		return ctx.Err()
	}
	c.started = true
	c.mu.Unlock()

	if err := c.machine.Advance(RuntimeReady); err != nil {
		return err
	}
	_ = c.broadcaster.Publish(events.RuntimeProgress(100, "container runtime ready"))
	return nil
}

// Stop cancels any in-flight startup, tears the runtime down if it was
// started, and returns the machine to Idle. Safe from any state; concurrent
// calls collapse to one effective teardown.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	teardown := c.started
	c.started = false
	c.mu.Unlock()

	if teardown {
		if err := c.engine.StopRuntime(ctx); err != nil {
			c.logger.Warn("stopping container runtime", slog.String("error", err.Error()))
		}
	}
	c.machine.Reset()
}
