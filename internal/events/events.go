// Package events defines the sandbox lifecycle event protocol and the
// broadcaster that fans events out to connected observers.
// All events are JSON-encoded; the Type field determines which optional
// fields are meaningful.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of lifecycle event.
type Type string

const (
	TypeStartupStarted     Type = "sandbox-startup-started"
	TypeStartupCompleted   Type = "sandbox-startup-completed"
	TypeStartupFailed      Type = "sandbox-startup-failed"
	TypeRuntimeProgress    Type = "sandbox-podman-runtime-progress"
	TypeImageFetchStarted  Type = "sandbox-base-image-fetch-started"
	TypeImageFetchComplete Type = "sandbox-base-image-fetch-completed"
	TypeImageFetchFailed   Type = "sandbox-base-image-fetch-failed"
	TypeServerStarting     Type = "sandbox-mcp-server-starting"
	TypeServerStarted      Type = "sandbox-mcp-server-started"
	TypeServerFailed       Type = "sandbox-mcp-server-failed"
)

// Event is the wire representation of one lifecycle event.
// Construct events through the typed constructors below; Broadcaster.Publish
// rejects anything they would not produce.
type Event struct {
	Type      Type      `json:"type"`
	ID        string    `json:"id"` // For correlation and deduplication.
	Timestamp time.Time `json:"timestamp"`

	// sandbox-startup-failed, sandbox-base-image-fetch-failed,
	// sandbox-mcp-server-failed
	Error string `json:"error,omitempty"`

	// sandbox-mcp-server-* events
	ServerID string `json:"server_id,omitempty"`

	// sandbox-podman-runtime-progress
	Percentage int    `json:"percentage,omitempty"`
	Message    string `json:"message,omitempty"`
}

func newEvent(t Type) Event {
	return Event{
		Type:      t,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
}

// StartupStarted reports that a sandbox startup sequence began.
func StartupStarted() Event { return newEvent(TypeStartupStarted) }

// StartupCompleted reports that all server start attempts have resolved.
func StartupCompleted() Event { return newEvent(TypeStartupCompleted) }

// StartupFailed reports a fatal global startup failure.
func StartupFailed(err error) Event {
	ev := newEvent(TypeStartupFailed)
	ev.Error = err.Error()
	return ev
}

// RuntimeProgress reports container-runtime bring-up progress.
func RuntimeProgress(percentage int, message string) Event {
	ev := newEvent(TypeRuntimeProgress)
	ev.Percentage = percentage
	ev.Message = message
	return ev
}

// ImageFetchStarted reports the beginning of a base-image pull.
func ImageFetchStarted() Event { return newEvent(TypeImageFetchStarted) }

// ImageFetchCompleted reports a successful base-image pull.
func ImageFetchCompleted() Event { return newEvent(TypeImageFetchComplete) }

// ImageFetchFailed reports base-image pull failure after retry exhaustion.
func ImageFetchFailed(err error) Event {
	ev := newEvent(TypeImageFetchFailed)
	ev.Error = err.Error()
	return ev
}

// ServerStarting reports that one MCP server's start attempt began.
func ServerStarting(serverID string) Event {
	ev := newEvent(TypeServerStarting)
	ev.ServerID = serverID
	return ev
}

// ServerStarted reports that an MCP server is up and its tools discovered.
func ServerStarted(serverID string) Event {
	ev := newEvent(TypeServerStarted)
	ev.ServerID = serverID
	return ev
}

// ServerFailed reports an isolated per-server start failure.
func ServerFailed(serverID string, err error) Event {
	ev := newEvent(TypeServerFailed)
	ev.ServerID = serverID
	ev.Error = err.Error()
	return ev
}

// validate enforces the closed variant set at the publish boundary.
func (e Event) validate() error {
	switch e.Type {
	case TypeStartupStarted, TypeStartupCompleted, TypeImageFetchStarted, TypeImageFetchComplete:
	case TypeStartupFailed, TypeImageFetchFailed:
		if e.Error == "" {
			return fmt.Errorf("event %s requires an error payload", e.Type)
		}
	case TypeRuntimeProgress:
		if e.Percentage < 0 || e.Percentage > 100 {
			return fmt.Errorf("event %s percentage %d out of range", e.Type, e.Percentage)
		}
	case TypeServerStarting, TypeServerStarted:
		if e.ServerID == "" {
			return fmt.Errorf("event %s requires a server id", e.Type)
		}
	case TypeServerFailed:
		if e.ServerID == "" || e.Error == "" {
			return fmt.Errorf("event %s requires a server id and error payload", e.Type)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
