// Package runtime owns the container-runtime lifecycle: the process-wide
// sandbox state machine, base-image fetch with retry, and machine start/stop.
package runtime

import (
	"fmt"
	"sync"
)

// State is the process-wide sandbox lifecycle state.
type State int

const (
	Idle State = iota
	FetchingBaseImage
	StartingRuntime
	RuntimeReady
	StartingServers
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingBaseImage:
		return "fetching_base_image"
	case StartingRuntime:
		return "starting_runtime"
	case RuntimeReady:
		return "runtime_ready"
	case StartingServers:
		return "starting_servers"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Machine is the sandbox state machine. Transitions are monotonic forward
// along the lifecycle order, except Fail (reachable from any non-terminal
// state) and Reset (back to Idle from anywhere). A single mutex owns all
// transitions; there is exactly one Machine per process.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine creates a Machine in the Idle state.
func NewMachine() *Machine {
	return &Machine{state: Idle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Advance moves the machine forward to the given state. Moving backward,
// standing still, or advancing out of Failed is an error.
func (m *Machine) Advance(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Failed {
		return fmt.Errorf("sandbox is in failed state; reset before restarting")
	}
	if to == Failed || to <= m.state {
		return fmt.Errorf("invalid transition %s -> %s", m.state, to)
	}
	m.state = to
	return nil
}

// Fail moves the machine to Failed. Returns false if it already was,
// letting callers fire the failure event exactly once.
func (m *Machine) Fail() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Failed {
		return false
	}
	m.state = Failed
	return true
}

// Reset returns the machine to Idle from any state.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Idle
}
