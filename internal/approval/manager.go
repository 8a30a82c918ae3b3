// Package approval implements the human sign-off workflow for risky tool
// calls: an in-memory manager for pending requests, an auto-approver for
// repeated safe operations, and the gate that decides whether a call needs
// sign-off at all.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Status represents the state of an approval request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Pending stores the full context of one tool call awaiting sign-off.
type Pending struct {
	ID         string         `json:"id"`
	ClientID   string         `json:"client_id"`
	ServerID   string         `json:"server_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
	Category   string         `json:"category"`
	Sensitive  bool           `json:"sensitive"`
	Status     Status         `json:"-"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	ResolvedAt time.Time      `json:"resolved_at,omitzero"`

	done chan struct{} // closed on resolution; waiters select on it
}

// CreateRequest contains the fields needed to create a pending approval.
type CreateRequest struct {
	ClientID  string
	ServerID  string
	ToolName  string
	Arguments map[string]any
	Category  string
	Sensitive bool
}

// Manager stores pending approval requests in memory. Thread-safe.
// Approvals expire after a configurable TTL; expiry counts as denial for
// anyone waiting.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*Pending
	ttl     time.Duration
	logger  *slog.Logger
}

// NewManager creates an approval manager with the given decision TTL.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		pending: make(map[string]*Pending),
		ttl:     ttl,
		logger:  logger,
	}
}

// Create stores a new pending approval and returns its unique ID.
func (m *Manager) Create(req *CreateRequest) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("generating approval ID: %w", err)
	}

	now := time.Now().UTC()
	p := &Pending{
		ID:        id,
		ClientID:  req.ClientID,
		ServerID:  req.ServerID,
		ToolName:  req.ToolName,
		Arguments: req.Arguments,
		Category:  req.Category,
		Sensitive: req.Sensitive,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.pending[id] = p
	m.mu.Unlock()

	m.logger.Info("approval created",
		slog.String("approval_id", id),
		slog.String("client_id", req.ClientID),
		slog.String("server", req.ServerID),
		slog.String("tool", req.ToolName),
		slog.String("category", req.Category),
	)
	return id, nil
}

// Approve marks a pending approval as approved by the given resolver.
func (m *Manager) Approve(id, resolverID string) error {
	return m.resolve(id, resolverID, StatusApproved)
}

// Deny marks a pending approval as denied.
func (m *Manager) Deny(id, resolverID string) error {
	return m.resolve(id, resolverID, StatusDenied)
}

func (m *Manager) resolve(id, resolverID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[id]
	if !ok {
		return ErrNotFound
	}
	if time.Now().UTC().After(p.ExpiresAt) {
		if p.Status == StatusPending {
			p.Status = StatusExpired
			close(p.done)
		}
		return ErrExpired
	}
	if p.Status != StatusPending {
		return ErrAlreadyResolved
	}

	p.Status = status
	p.ResolvedBy = resolverID
	p.ResolvedAt = time.Now().UTC()
	close(p.done)

	m.logger.Info("approval resolved",
		slog.String("approval_id", id),
		slog.String("resolver", resolverID),
		slog.String("status", status.String()),
		slog.String("tool", p.ToolName),
	)
	return nil
}

// Wait blocks until the approval is resolved, the TTL expires, or ctx is
// canceled. Expiry and cancellation both come back as StatusDenied so the
// caller has a single denial path.
func (m *Manager) Wait(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return StatusDenied, ErrNotFound
	}

	timer := time.NewTimer(time.Until(p.ExpiresAt))
	defer timer.Stop()

	select {
	case <-p.done:
		m.mu.Lock()
		status := p.Status
		m.mu.Unlock()
		if status == StatusExpired {
			return StatusDenied, nil
		}
		return status, nil
	case <-timer.C:
		m.mu.Lock()
		if p.Status == StatusPending {
			p.Status = StatusExpired
			close(p.done)
		}
		m.mu.Unlock()
		return StatusDenied, nil
	case <-ctx.Done():
		// The request is gone, so nobody can act on its approval anymore.
		// Expire the record; a late Approve must not flip an abandoned
		// request to approved.
		m.mu.Lock()
		if p.Status == StatusPending {
			p.Status = StatusExpired
			close(p.done)
		}
		m.mu.Unlock()
		return StatusDenied, ctx.Err()
	}
}

// Get retrieves a pending approval by ID.
func (m *Manager) Get(id string) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status == StatusPending && time.Now().UTC().After(p.ExpiresAt) {
		p.Status = StatusExpired
		close(p.done)
	}
	return p, nil
}

// List returns all approvals currently tracked, pending first.
func (m *Manager) List() []*Pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Pending, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	return out
}

// Cleanup removes expired and old resolved approvals.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for id, p := range m.pending {
		if p.Status == StatusPending && now.After(p.ExpiresAt) {
			p.Status = StatusExpired
			close(p.done)
		}
		if p.Status != StatusPending && now.After(p.ExpiresAt.Add(m.ttl)) {
			delete(m.pending, id)
		}
	}
}

// StartCleanup starts a background goroutine that calls Cleanup
// periodically. Returns a cancel function to stop the goroutine.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Cleanup()
			}
		}
	}()
	return cancel
}

func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
