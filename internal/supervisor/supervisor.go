package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/events"
)

// Status is the lifecycle state of one managed server.
type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// callTimeout bounds a single tool invocation end to end.
const callTimeout = 30 * time.Second

// ServerStatus is a point-in-time snapshot of one server.
type ServerStatus struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	ToolCount int       `json:"tool_count"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// ContainerRemover force-removes a server container whose --rm did not fire.
type ContainerRemover interface {
	RemoveContainer(ctx context.Context, name string) error
}

type serverEntry struct {
	cfg config.ServerConfig

	mu        sync.Mutex // serializes lifecycle transitions for this server
	status    Status
	err       error
	conn      Conn
	tools     []ToolDescriptor
	startedAt time.Time
}

// Supervisor manages the configured MCP servers. Each server has its own
// lock, so a hung start on one never delays the others; a failed server is
// recorded and skipped, never fatal to the sandbox.
type Supervisor struct {
	mu      sync.RWMutex
	servers map[string]*serverEntry
	order   []string // configured order, for stable listings

	connector   Connector
	remover     ContainerRemover
	broadcaster *events.Broadcaster
	maxParallel int
	logger      *slog.Logger
}

// New creates a Supervisor for the configured servers. All start in Pending.
func New(servers []config.ServerConfig, connector Connector, remover ContainerRemover, b *events.Broadcaster, maxParallel int, logger *slog.Logger) *Supervisor {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	s := &Supervisor{
		servers:     make(map[string]*serverEntry, len(servers)),
		connector:   connector,
		remover:     remover,
		broadcaster: b,
		maxParallel: maxParallel,
		logger:      logger,
	}
	for _, cfg := range servers {
		s.servers[cfg.Name] = &serverEntry{cfg: cfg, status: StatusPending}
		s.order = append(s.order, cfg.Name)
	}
	return s
}

// StartServer starts one server by name: connect, handshake, discover tools.
// Starting an already Starting or Running server is a no-op. Failure marks
// the server Failed and publishes a server-failed event; the error never
// propagates beyond this server.
func (s *Supervisor) StartServer(ctx context.Context, name string) error {
	entry, err := s.entry(name)
	if err != nil {
		return err
	}

	// entry.mu is held only for the state transitions, never across the
	// connect and handshake. A slow or hung start must not block status
	// snapshots or tool calls on other connections.
	entry.mu.Lock()
	switch entry.status {
	case StatusStarting, StatusRunning:
		entry.mu.Unlock()
		return nil
	}
	entry.status = StatusStarting
	entry.err = nil
	entry.mu.Unlock()

	_ = s.broadcaster.Publish(events.ServerStarting(name))
	s.logger.Info("starting mcp server", slog.String("server", name))

	startCtx, cancel := context.WithTimeout(ctx, entry.cfg.StartTimeout())
	defer cancel()

	conn, err := s.connector.Connect(startCtx, entry.cfg)
	if err != nil {
		return s.fail(entry, fmt.Errorf("connecting to %q: %w", name, err))
	}

	tools, err := conn.ListTools(startCtx)
	if err != nil {
		_ = conn.Close()
		return s.fail(entry, fmt.Errorf("discovering tools for %q: %w", name, err))
	}

	entry.mu.Lock()
	if entry.status != StatusStarting {
		// Stopped or reset while we were connecting; discard the connection
		// rather than resurrect a server the caller already tore down.
		entry.mu.Unlock()
		_ = conn.Close()
		s.removeContainer(name)
		return nil
	}
	entry.status = StatusRunning
	entry.conn = conn
	entry.tools = tools
	entry.startedAt = time.Now()
	entry.mu.Unlock()

	_ = s.broadcaster.Publish(events.ServerStarted(name))
	s.logger.Info("mcp server running",
		slog.String("server", name),
		slog.Int("tools", len(tools)),
	)
	return nil
}

// fail records a start failure, unless the server was stopped mid-start.
func (s *Supervisor) fail(entry *serverEntry, err error) error {
	entry.mu.Lock()
	if entry.status != StatusStarting {
		entry.mu.Unlock()
		return err
	}
	entry.status = StatusFailed
	entry.err = err
	entry.mu.Unlock()

	_ = s.broadcaster.Publish(events.ServerFailed(entry.cfg.Name, err))
	s.logger.Error("mcp server failed",
		slog.String("server", entry.cfg.Name),
		slog.String("error", err.Error()),
	)
	s.removeContainer(entry.cfg.Name)
	return err
}

// StartAll starts every configured server with bounded parallelism. Server
// failures are isolated: they are recorded per server and do not stop the
// rest. The returned count is how many servers ended up Running.
func (s *Supervisor) StartAll(ctx context.Context) int {
	g := new(errgroup.Group)
	g.SetLimit(s.maxParallel)

	for _, name := range s.order {
		name := name
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			// Errors are recorded on the entry; a failed server must not
			// cancel its siblings.
			_ = s.StartServer(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	running := 0
	for _, st := range s.Statuses() {
		if st.Status == StatusRunning {
			running++
		}
	}
	return running
}

// CallTool invokes a tool on a running server. The call carries its own
// timeout so a wedged server cannot hold the caller indefinitely.
func (s *Supervisor) CallTool(ctx context.Context, server, tool string, args map[string]any) (*ToolResult, error) {
	entry, err := s.entry(server)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	conn := entry.conn
	status := entry.status
	entry.mu.Unlock()

	if status != StatusRunning {
		return nil, fmt.Errorf("server %q is %s, not running", server, status)
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return conn.CallTool(callCtx, tool, args)
}

// Tools returns the discovered tool definitions for one server.
func (s *Supervisor) Tools(server string) ([]ToolDescriptor, error) {
	entry, err := s.entry(server)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.tools, nil
}

// Status returns the snapshot for one server.
func (s *Supervisor) Status(server string) (ServerStatus, error) {
	entry, err := s.entry(server)
	if err != nil {
		return ServerStatus{}, err
	}
	return snapshot(entry), nil
}

// Statuses returns snapshots for every server in configured order.
func (s *Supervisor) Statuses() []ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ServerStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, snapshot(s.servers[name]))
	}
	return out
}

// StopServer stops one server and returns it to Stopped. Stopping a server
// that is not running is a no-op.
func (s *Supervisor) StopServer(name string) error {
	entry, err := s.entry(name)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.conn != nil {
		if cerr := entry.conn.Close(); cerr != nil {
			s.logger.Warn("closing mcp connection",
				slog.String("server", name),
				slog.String("error", cerr.Error()),
			)
		}
		entry.conn = nil
	}
	entry.status = StatusStopped
	entry.tools = nil
	s.removeContainer(name)
	return nil
}

// StopAll stops every server. Used on sandbox shutdown.
func (s *Supervisor) StopAll() {
	for _, name := range s.order {
		_ = s.StopServer(name)
	}
}

// Reset returns every server to Pending so a fresh startup can run.
func (s *Supervisor) Reset() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.servers {
		entry.mu.Lock()
		entry.status = StatusPending
		entry.err = nil
		entry.mu.Unlock()
	}
}

func (s *Supervisor) entry(name string) (*serverEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.servers[name]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", name)
	}
	return entry, nil
}

func (s *Supervisor) removeContainer(name string) {
	if s.remover == nil {
		return
	}
	_ = s.remover.RemoveContainer(context.Background(), ContainerName(name))
}

func snapshot(entry *serverEntry) ServerStatus {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	st := ServerStatus{
		Name:      entry.cfg.Name,
		Status:    entry.status,
		ToolCount: len(entry.tools),
		StartedAt: entry.startedAt,
	}
	if entry.err != nil {
		st.Error = entry.err.Error()
	}
	return st
}
