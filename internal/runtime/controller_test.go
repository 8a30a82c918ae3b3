package runtime

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

type fakeEngine struct {
	pullCalls    atomic.Int32
	pullErr      error
	pullFailures int32 // fail this many pulls before succeeding
	startErr     error
	stopCalls    atomic.Int32
}

func (f *fakeEngine) PullImage(_ context.Context, _ string, progress func(int, string)) error {
	n := f.pullCalls.Add(1)
	if f.pullErr != nil && (f.pullFailures == 0 || n <= f.pullFailures) {
		return f.pullErr
	}
	progress(100, "done")
	return nil
}

func (f *fakeEngine) StartRuntime(context.Context) error { return f.startErr }

func (f *fakeEngine) StopRuntime(context.Context) error {
	f.stopCalls.Add(1)
	return nil
}

func (f *fakeEngine) RemoveContainer(context.Context, string) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRuntimeConfig() config.RuntimeConfig {
	return config.RuntimeConfig{
		PullTimeoutS:    5,
		PullMaxAttempts: 3,
		StartTimeoutS:   5,
	}
}

// drain collects everything buffered on the subscription without blocking.
func drain(sub *events.Subscription) []events.Event {
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

func countType(evs []events.Event, t events.Type) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func TestControllerStartHappyPath(t *testing.T) {
	engine := &fakeEngine{}
	b := events.NewBroadcaster(64, testLogger())
	sub := b.Subscribe()
	defer sub.Close()

	c := NewController(engine, NewMachine(), b, testRuntimeConfig(), testLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.Status(); got != RuntimeReady {
		t.Fatalf("state = %v, want %v", got, RuntimeReady)
	}
	if n := engine.pullCalls.Load(); n != 1 {
		t.Fatalf("pull calls = %d, want 1", n)
	}

	evs := drain(sub)
	if countType(evs, events.TypeImageFetchStarted) != 1 {
		t.Errorf("fetch-started events = %d, want 1", countType(evs, events.TypeImageFetchStarted))
	}
	if countType(evs, events.TypeImageFetchComplete) != 1 {
		t.Errorf("fetch-completed events = %d, want 1", countType(evs, events.TypeImageFetchComplete))
	}
}

func TestControllerPullRetryThenSuccess(t *testing.T) {
	engine := &fakeEngine{pullErr: errors.New("registry unreachable"), pullFailures: 2}
	b := events.NewBroadcaster(64, testLogger())
	c := NewController(engine, NewMachine(), b, testRuntimeConfig(), testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := engine.pullCalls.Load(); n != 3 {
		t.Fatalf("pull calls = %d, want 3", n)
	}
	if got := c.Status(); got != RuntimeReady {
		t.Fatalf("state = %v, want %v", got, RuntimeReady)
	}
}

func TestControllerPullExhaustionFails(t *testing.T) {
	engine := &fakeEngine{pullErr: errors.New("registry unreachable")}
	b := events.NewBroadcaster(64, testLogger())
	sub := b.Subscribe()
	defer sub.Close()

	c := NewController(engine, NewMachine(), b, testRuntimeConfig(), testLogger())
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded, want error after retry exhaustion")
	}
	if n := engine.pullCalls.Load(); n != 3 {
		t.Fatalf("pull calls = %d, want 3", n)
	}
	if got := c.Status(); got != Failed {
		t.Fatalf("state = %v, want %v", got, Failed)
	}

	evs := drain(sub)
	if n := countType(evs, events.TypeImageFetchFailed); n != 1 {
		t.Fatalf("fetch-failed events = %d, want exactly 1", n)
	}
}

func TestControllerRuntimeStartFailureIsFatal(t *testing.T) {
	engine := &fakeEngine{startErr: errors.New("no virtualization backend")}
	b := events.NewBroadcaster(64, testLogger())
	c := NewController(engine, NewMachine(), b, testRuntimeConfig(), testLogger())

	err := c.Start(context.Background())
	if !errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatalf("Start error = %v, want ErrRuntimeUnavailable", err)
	}
	if got := c.Status(); got != Failed {
		t.Fatalf("state = %v, want %v", got, Failed)
	}
}

func TestControllerStopTearsDownAndResets(t *testing.T) {
	engine := &fakeEngine{}
	b := events.NewBroadcaster(64, testLogger())
	c := NewController(engine, NewMachine(), b, testRuntimeConfig(), testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop(context.Background())
	if got := c.Status(); got != Idle {
		t.Fatalf("state after Stop = %v, want %v", got, Idle)
	}
	if n := engine.stopCalls.Load(); n != 1 {
		t.Fatalf("StopRuntime calls = %d, want 1", n)
	}

	// A second Stop is a no-op teardown.
	c.Stop(context.Background())
	if n := engine.stopCalls.Load(); n != 1 {
		t.Fatalf("StopRuntime calls after second Stop = %d, want 1", n)
	}
}

// slowStartEngine blocks StartRuntime until released, ignoring the start
// context, so Stop can run while the engine start is still in flight.
type slowStartEngine struct {
	fakeEngine
	starting chan struct{}
	release  chan struct{}
}

func (s *slowStartEngine) StartRuntime(context.Context) error {
	close(s.starting)
	<-s.release
	return nil
}

func TestControllerStopDuringEngineStartRollsBack(t *testing.T) {
	engine := &slowStartEngine{starting: make(chan struct{}), release: make(chan struct{})}
	b := events.NewBroadcaster(64, testLogger())
	c := NewController(engine, NewMachine(), b, testRuntimeConfig(), testLogger())

	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(context.Background()) }()
	<-engine.starting

	stopped := make(chan struct{})
	go func() {
		c.Stop(context.Background())
		close(stopped)
	}()

	// Stop cannot see started yet, so it skips the teardown. Once the
	// engine start completes under a canceled context, the controller must
	// roll the runtime back rather than leave it up.
	<-stopped
	close(engine.release)

	if err := <-startErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Start error = %v, want context.Canceled", err)
	}
	deadline := time.After(time.Second)
	for engine.stopCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("runtime left running after stop-during-start")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := c.Status(); got != Idle {
		t.Fatalf("state = %v, want %v", got, Idle)
	}
}

func TestControllerStopWithoutStart(t *testing.T) {
	engine := &fakeEngine{}
	b := events.NewBroadcaster(64, testLogger())
	c := NewController(engine, NewMachine(), b, testRuntimeConfig(), testLogger())

	c.Stop(context.Background())
	if n := engine.stopCalls.Load(); n != 0 {
		t.Fatalf("StopRuntime calls = %d, want 0", n)
	}
	if got := c.Status(); got != Idle {
		t.Fatalf("state = %v, want %v", got, Idle)
	}
}
