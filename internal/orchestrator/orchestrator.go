// Package orchestrator composes the runtime controller, server supervisor,
// classifier, approval gate, and request log into the sandbox lifecycle and
// the per-call execution path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/castellan/castellan/internal/classifier"
	"github.com/castellan/castellan/internal/events"
	"github.com/castellan/castellan/internal/observability"
	"github.com/castellan/castellan/internal/requestlog"
	"github.com/castellan/castellan/internal/runtime"
	"github.com/castellan/castellan/internal/supervisor"
)

// ErrStartupInProgress is returned when Start is called while a startup
// sequence is already running.
var ErrStartupInProgress = errors.New("sandbox startup already in progress")

// ErrSandboxFailed is returned when Start is called on a failed sandbox;
// Stop resets it.
var ErrSandboxFailed = errors.New("sandbox is in failed state; stop to reset")

// ToolRegistry persists discovered tools. Registration happens at discovery
// time, before and independently of classification, so every advertised tool
// has a record even when the classifier is disabled or failing.
type ToolRegistry interface {
	RegisterTool(ctx context.Context, serverID string, tool supervisor.ToolDescriptor, fingerprint string) error
}

// Orchestrator is the process-wide coordinator. One startup sequence may be
// in flight at a time; Stop from any state cancels it, waits for it to
// unwind, rolls servers back to Stopped, and returns the sandbox to Idle.
type Orchestrator struct {
	controller  *runtime.Controller
	supervisor  *supervisor.Supervisor
	machine     *runtime.Machine
	broadcaster *events.Broadcaster
	classifier  *classifier.Classifier
	registry    ToolRegistry
	metrics     *observability.MetricsCollector
	tracer      trace.Tracer
	logger      *slog.Logger

	mu        sync.Mutex
	starting  bool
	cancel    context.CancelFunc
	startDone chan struct{} // closed when the in-flight Start returns
}

// New creates the Orchestrator. classifier, registry, and metrics may be nil.
func New(
	controller *runtime.Controller,
	sup *supervisor.Supervisor,
	machine *runtime.Machine,
	b *events.Broadcaster,
	cl *classifier.Classifier,
	registry ToolRegistry,
	metrics *observability.MetricsCollector,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		controller:  controller,
		supervisor:  sup,
		machine:     machine,
		broadcaster: b,
		classifier:  cl,
		registry:    registry,
		metrics:     metrics,
		tracer:      tracer,
		logger:      logger,
	}
}

// Status returns the current sandbox state.
func (o *Orchestrator) Status() runtime.State {
	return o.machine.State()
}

// Servers returns per-server status snapshots.
func (o *Orchestrator) Servers() []supervisor.ServerStatus {
	return o.supervisor.Statuses()
}

// Server returns the status of one configured server.
func (o *Orchestrator) Server(name string) (supervisor.ServerStatus, error) {
	return o.supervisor.Status(name)
}

// ServerTools returns the tool definitions a running server advertises.
func (o *Orchestrator) ServerTools(name string) ([]supervisor.ToolDescriptor, error) {
	return o.supervisor.Tools(name)
}

// Start drives the full startup sequence: image fetch, runtime start, then
// all configured servers concurrently. Calling Start while Ready is a
// no-op success; a second Start during a startup returns
// ErrStartupInProgress. Sandbox readiness is reached once every server
// start attempt has resolved, successes and failures alike.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.machine.State() == runtime.Ready:
		o.mu.Unlock()
		o.logger.Debug("sandbox already ready, start is a no-op")
		return nil
	case o.starting:
		o.mu.Unlock()
		return ErrStartupInProgress
	case o.machine.State() == runtime.Failed:
		o.mu.Unlock()
		return ErrSandboxFailed
	}
	o.starting = true
	done := make(chan struct{})
	o.startDone = done
	ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.starting = false
		if o.startDone == done {
			o.startDone = nil
		}
		o.mu.Unlock()
		close(done)
	}()

	ctx, span := o.tracer.Start(ctx, "sandbox.start")
	defer span.End()

	began := time.Now()
	_ = o.broadcaster.Publish(events.StartupStarted())
	o.logger.Info("sandbox startup started")

	if err := o.startLocked(ctx); err != nil {
		if ctx.Err() != nil {
			// Canceled by Stop; the stop path owns state and events.
			return ctx.Err()
		}
		_ = o.broadcaster.Publish(events.StartupFailed(err))
		o.observeStartup("failed", began)
		o.logger.Error("sandbox startup failed", slog.String("error", err.Error()))
		return err
	}

	_ = o.broadcaster.Publish(events.StartupCompleted())
	o.observeStartup("completed", began)
	o.logger.Info("sandbox startup completed",
		slog.Duration("elapsed", time.Since(began)),
	)
	return nil
}

func (o *Orchestrator) startLocked(ctx context.Context) error {
	o.supervisor.Reset()

	if err := o.controller.Start(ctx); err != nil {
		return err
	}

	if err := o.machine.Advance(runtime.StartingServers); err != nil {
		return err
	}

	running := o.supervisor.StartAll(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if o.metrics != nil {
		o.metrics.ServersRunning.Set(float64(running))
	}

	if err := o.machine.Advance(runtime.Ready); err != nil {
		return err
	}

	// Registration and classification run after readiness; tool calls
	// arriving before a verdict are treated as unclassified by the gate.
	if o.registry != nil || o.classifier != nil {
		go o.indexDiscovered(context.WithoutCancel(ctx))
	}
	return nil
}

// indexDiscovered registers and classifies every tool of every running server.
func (o *Orchestrator) indexDiscovered(ctx context.Context) {
	for _, st := range o.supervisor.Statuses() {
		if st.Status != supervisor.StatusRunning {
			continue
		}
		o.indexServer(ctx, st.Name)
	}
}

// indexServer persists one server's discovered tools (analysis left null),
// then hands them to the classifier for verdicts.
func (o *Orchestrator) indexServer(ctx context.Context, name string) {
	tools, err := o.supervisor.Tools(name)
	if err != nil {
		return
	}
	if o.registry != nil {
		for _, t := range tools {
			fp := classifier.Fingerprint(t)
			if rerr := o.registry.RegisterTool(ctx, name, t, fp); rerr != nil {
				o.logger.Warn("registering discovered tool",
					slog.String("server", name),
					slog.String("tool", t.Name),
					slog.String("error", rerr.Error()),
				)
			}
		}
	}
	if o.classifier != nil {
		o.classifier.ClassifyAll(ctx, name, tools)
	}
}

// Stop cancels any in-flight startup, stops every server, tears down the
// runtime, and returns the sandbox to Idle. Idempotent and safe from any
// state.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	done := o.startDone
	o.mu.Unlock()

	// A canceled startup must fully unwind before teardown, or its goroutine
	// could re-advance the machine after the reset below.
	if done != nil {
		<-done
	}

	o.supervisor.StopAll()
	o.controller.Stop(ctx)
	if o.metrics != nil {
		o.metrics.ServersRunning.Set(0)
	}
	o.logger.Info("sandbox stopped")
}

// StartServer starts a single server outside the full startup sequence.
// The runtime must already be up.
func (o *Orchestrator) StartServer(ctx context.Context, name string) error {
	if s := o.machine.State(); s < runtime.RuntimeReady || s == runtime.Failed {
		return fmt.Errorf("container runtime is not ready (state %s)", s)
	}
	if err := o.supervisor.StartServer(ctx, name); err != nil {
		return err
	}
	if o.registry != nil || o.classifier != nil {
		go o.indexServer(context.WithoutCancel(ctx), name)
	}
	return nil
}

// StopServer stops a single server.
func (o *Orchestrator) StopServer(name string) error {
	return o.supervisor.StopServer(name)
}

func (o *Orchestrator) observeStartup(status string, began time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.StartupsTotal.WithLabelValues(status).Inc()
	o.metrics.StartupDuration.Observe(time.Since(began).Seconds())
	o.metrics.SandboxState.Set(float64(o.machine.State()))
}

// statusOf maps an execution outcome to a request log status.
func statusOf(isError bool) string {
	if isError {
		return requestlog.StatusError
	}
	return requestlog.StatusSuccess
}
