// Package requestlog is the append-only record of every tool invocation:
// domain types, the persistence contract, and the asynchronous recorder
// that keeps logging off the tool execution path.
package requestlog

import (
	"context"
	"time"
)

// Status values for a logged request.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Entry is the immutable record of one tool invocation. Never mutated
// after creation; removal happens only through retention cleanup.
type Entry struct {
	ID         string    `json:"id"`
	ServerID   string    `json:"server_id"`
	Method     string    `json:"method"`
	Arguments  string    `json:"arguments,omitempty"` // JSON-encoded call arguments
	Status     string    `json:"status"`              // success | error
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	ClientID   string    `json:"client_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filters narrows queries and stats. Zero values mean "no constraint".
type Filters struct {
	ServerID string
	Method   string
	Status   string
	Search   string // free text over method, arguments, and error
	From     time.Time
	To       time.Time
}

// Page is one page of query results plus the total match count.
type Page struct {
	Data  []Entry `json:"data"`
	Total int64   `json:"total"`
}

// Stats is the aggregate view over entries matching a filter.
type Stats struct {
	TotalRequests     int64            `json:"total_requests"`
	SuccessCount      int64            `json:"success_count"`
	ErrorCount        int64            `json:"error_count"`
	AvgDurationMs     float64          `json:"avg_duration_ms"`
	RequestsPerServer map[string]int64 `json:"requests_per_server"`
}

// MaxPageSize caps one page of results.
const MaxPageSize = 100

// DefaultPageSize applies when the caller does not specify one.
const DefaultPageSize = 50

// Store is the persistence contract for the request log.
//
// CleanupOlderThan deletes entries created strictly before now minus the
// given number of days; an entry exactly at the boundary is retained.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Query(ctx context.Context, f Filters, page, pageSize int) (*Page, error)
	Get(ctx context.Context, id string) (*Entry, error)
	Stats(ctx context.Context, f Filters) (*Stats, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
	ClearAll(ctx context.Context) (int64, error)
}

// NormalizePage clamps pagination inputs: pages are 1-indexed, page size
// defaults to DefaultPageSize and never exceeds MaxPageSize.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}
