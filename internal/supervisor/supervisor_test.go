package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/events"
)

type fakeConn struct {
	tools    []ToolDescriptor
	callErr  error
	result   *ToolResult
	closed   atomic.Bool
	lastTool string
}

func (f *fakeConn) ListTools(context.Context) ([]ToolDescriptor, error) { return f.tools, nil }

func (f *fakeConn) CallTool(_ context.Context, tool string, _ map[string]any) (*ToolResult, error) {
	f.lastTool = tool
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &ToolResult{Content: "ok"}, nil
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeConnector fails servers listed in failing and counts connect attempts.
type fakeConnector struct {
	failing  map[string]error
	conns    map[string]*fakeConn
	attempts atomic.Int32
}

func (f *fakeConnector) Connect(_ context.Context, srv config.ServerConfig) (Conn, error) {
	f.attempts.Add(1)
	if err, ok := f.failing[srv.Name]; ok {
		return nil, err
	}
	conn := &fakeConn{tools: []ToolDescriptor{{Name: "read_file"}}}
	if f.conns == nil {
		f.conns = map[string]*fakeConn{}
	}
	f.conns[srv.Name] = conn
	return conn, nil
}

type fakeRemover struct {
	removed []string
}

func (f *fakeRemover) RemoveContainer(_ context.Context, name string) error {
	f.removed = append(f.removed, name)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serverConfigs(names ...string) []config.ServerConfig {
	out := make([]config.ServerConfig, 0, len(names))
	for _, n := range names {
		out = append(out, config.ServerConfig{Name: n, Command: "server-" + n})
	}
	return out
}

func newSupervisor(t *testing.T, connector Connector, names ...string) (*Supervisor, *events.Broadcaster) {
	t.Helper()
	b := events.NewBroadcaster(64, testLogger())
	return New(serverConfigs(names...), connector, &fakeRemover{}, b, 4, testLogger()), b
}

func TestStartServerLifecycle(t *testing.T) {
	connector := &fakeConnector{}
	s, b := newSupervisor(t, connector, "fs")
	sub := b.Subscribe()
	defer sub.Close()

	if err := s.StartServer(context.Background(), "fs"); err != nil {
		t.Fatalf("StartServer: %v", err)
	}

	st, err := s.Status("fs")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != StatusRunning {
		t.Fatalf("status = %s, want %s", st.Status, StatusRunning)
	}
	if st.ToolCount != 1 {
		t.Fatalf("tool count = %d, want 1", st.ToolCount)
	}

	first := <-sub.Events()
	second := <-sub.Events()
	if first.Type != events.TypeServerStarting || second.Type != events.TypeServerStarted {
		t.Fatalf("event order = %s, %s", first.Type, second.Type)
	}
	if first.ServerID != "fs" {
		t.Fatalf("event server id = %q, want fs", first.ServerID)
	}
}

func TestStartServerDuplicateIsNoOp(t *testing.T) {
	connector := &fakeConnector{}
	s, _ := newSupervisor(t, connector, "fs")

	if err := s.StartServer(context.Background(), "fs"); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	if err := s.StartServer(context.Background(), "fs"); err != nil {
		t.Fatalf("second StartServer: %v", err)
	}
	if n := connector.attempts.Load(); n != 1 {
		t.Fatalf("connect attempts = %d, want 1", n)
	}
}

func TestServerFailureIsIsolated(t *testing.T) {
	connector := &fakeConnector{failing: map[string]error{"bad": errors.New("spawn failed")}}
	s, b := newSupervisor(t, connector, "good", "bad")
	sub := b.Subscribe()
	defer sub.Close()

	if n := s.StartAll(context.Background()); n != 1 {
		t.Fatalf("running servers = %d, want 1", n)
	}

	good, _ := s.Status("good")
	bad, _ := s.Status("bad")
	if good.Status != StatusRunning {
		t.Fatalf("good status = %s, want %s", good.Status, StatusRunning)
	}
	if bad.Status != StatusFailed {
		t.Fatalf("bad status = %s, want %s", bad.Status, StatusFailed)
	}
	if bad.Error == "" {
		t.Fatal("failed server has no recorded error")
	}

	failed := 0
	for _, ev := range drainEvents(sub) {
		if ev.Type == events.TypeServerFailed {
			failed++
			if ev.ServerID != "bad" {
				t.Fatalf("server-failed for %q, want bad", ev.ServerID)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("server-failed events = %d, want 1", failed)
	}
}

func TestCallToolRequiresRunning(t *testing.T) {
	connector := &fakeConnector{}
	s, _ := newSupervisor(t, connector, "fs")

	if _, err := s.CallTool(context.Background(), "fs", "read_file", nil); err == nil {
		t.Fatal("CallTool on pending server succeeded, want error")
	}
	if _, err := s.CallTool(context.Background(), "ghost", "read_file", nil); err == nil {
		t.Fatal("CallTool on unknown server succeeded, want error")
	}

	if err := s.StartServer(context.Background(), "fs"); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	res, err := s.CallTool(context.Background(), "fs", "read_file", map[string]any{"path": "/etc/hosts"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Content != "ok" || res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if connector.conns["fs"].lastTool != "read_file" {
		t.Fatalf("called tool = %q", connector.conns["fs"].lastTool)
	}
}

func TestStopServerClosesConnection(t *testing.T) {
	connector := &fakeConnector{}
	remover := &fakeRemover{}
	b := events.NewBroadcaster(64, testLogger())
	s := New(serverConfigs("fs"), connector, remover, b, 4, testLogger())

	if err := s.StartServer(context.Background(), "fs"); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	if err := s.StopServer("fs"); err != nil {
		t.Fatalf("StopServer: %v", err)
	}

	st, _ := s.Status("fs")
	if st.Status != StatusStopped {
		t.Fatalf("status = %s, want %s", st.Status, StatusStopped)
	}
	if !connector.conns["fs"].closed.Load() {
		t.Fatal("connection not closed")
	}
	found := false
	for _, name := range remover.removed {
		if name == ContainerName("fs") {
			found = true
		}
	}
	if !found {
		t.Fatalf("container %q not removed: %v", ContainerName("fs"), remover.removed)
	}
}

// blockingConnector holds Connect until released, marking when a connect
// is in flight.
type blockingConnector struct {
	dialing chan struct{}
	release chan struct{}
}

func (b *blockingConnector) Connect(ctx context.Context, _ config.ServerConfig) (Conn, error) {
	close(b.dialing)
	select {
	case <-b.release:
		return &fakeConn{tools: []ToolDescriptor{{Name: "read_file"}}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestStatusAvailableDuringSlowStart(t *testing.T) {
	connector := &blockingConnector{dialing: make(chan struct{}), release: make(chan struct{})}
	s, _ := newSupervisor(t, connector, "slow")

	done := make(chan struct{})
	go func() {
		_ = s.StartServer(context.Background(), "slow")
		close(done)
	}()
	<-connector.dialing

	// Snapshots and per-server reads must answer while the connect is
	// still in flight.
	answered := make(chan Status, 1)
	go func() {
		st, _ := s.Status("slow")
		answered <- st.Status
	}()
	select {
	case got := <-answered:
		if got != StatusStarting {
			t.Fatalf("status mid-start = %s, want %s", got, StatusStarting)
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind an in-flight start")
	}
	if n := len(s.Statuses()); n != 1 {
		t.Fatalf("statuses = %d, want 1", n)
	}

	close(connector.release)
	<-done
	st, _ := s.Status("slow")
	if st.Status != StatusRunning {
		t.Fatalf("status after start = %s, want %s", st.Status, StatusRunning)
	}
}

func TestStopDuringStartDiscardsConnection(t *testing.T) {
	connector := &blockingConnector{dialing: make(chan struct{}), release: make(chan struct{})}
	s, _ := newSupervisor(t, connector, "slow")

	done := make(chan struct{})
	go func() {
		_ = s.StartServer(context.Background(), "slow")
		close(done)
	}()
	<-connector.dialing

	if err := s.StopServer("slow"); err != nil {
		t.Fatalf("StopServer: %v", err)
	}
	close(connector.release)
	<-done

	// The late connection must not resurrect a server the caller tore down.
	st, _ := s.Status("slow")
	if st.Status != StatusStopped {
		t.Fatalf("status = %s, want %s", st.Status, StatusStopped)
	}
	if _, err := s.CallTool(context.Background(), "slow", "read_file", nil); err == nil {
		t.Fatal("CallTool succeeded on a stopped server")
	}
}

func TestResetReturnsServersToPending(t *testing.T) {
	connector := &fakeConnector{failing: map[string]error{"fs": errors.New("boom")}}
	s, _ := newSupervisor(t, connector, "fs")

	_ = s.StartServer(context.Background(), "fs")
	s.Reset()

	st, _ := s.Status("fs")
	if st.Status != StatusPending {
		t.Fatalf("status after Reset = %s, want %s", st.Status, StatusPending)
	}
	if st.Error != "" {
		t.Fatalf("error after Reset = %q, want empty", st.Error)
	}
}

func drainEvents(sub *events.Subscription) []events.Event {
	var got []events.Event
	for {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		default:
			return got
		}
	}
}
