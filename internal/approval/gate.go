package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/castellan/castellan/internal/classifier"
)

// ToolCall is the gate's view of one pending invocation.
type ToolCall struct {
	ClientID  string
	ServerID  string
	ToolName  string
	Arguments map[string]any

	// Fingerprint of the tool definition, used to look up the cached
	// classification. Empty means the definition was never discovered.
	Fingerprint string
}

// Decision is the gate's verdict for one tool call.
type Decision struct {
	RequiresApproval bool      `json:"requires_approval"`
	Approved         bool      `json:"approved"`
	Reason           string    `json:"reason"`
	Category         string    `json:"category,omitempty"`
	Sensitive        bool      `json:"sensitive"`
	ApprovalID       string    `json:"approval_id,omitempty"`
	DecidedAt        time.Time `json:"decided_at"`
}

// Classifications is the gate's read-only view into cached tool verdicts.
// *classifier.Classifier satisfies it.
type Classifications interface {
	Cached(fingerprint string) (classifier.Classification, bool)
}

// Gate decides, per tool call, whether human approval is required and
// enforces that decision. Unclassified tools and tools that write or touch
// a sensitive category wait for sign-off; pure-read, idempotent, reversible
// tools pass straight through.
type Gate struct {
	manager         *Manager
	classifications Classifications
	auto            *AutoApprover // nil = auto-approval disabled
	logger          *slog.Logger
}

// NewGate creates the approval gate.
func NewGate(manager *Manager, classifications Classifications, auto *AutoApprover, logger *slog.Logger) *Gate {
	return &Gate{
		manager:         manager,
		classifications: classifications,
		auto:            auto,
		logger:          logger,
	}
}

// Evaluate resolves the approval decision for one call, blocking while a
// human decision is pending. No response within the manager's TTL resolves
// to denied; cancellation of ctx (the owning session going away) resolves
// to denied immediately.
func (g *Gate) Evaluate(ctx context.Context, call ToolCall) Decision {
	now := time.Now().UTC()
	cl, classified := classifier.Classification{}, false
	if call.Fingerprint != "" {
		cl, classified = g.classifications.Cached(call.Fingerprint)
	}

	if classified && !cl.IsWrite && !cl.Sensitive && cl.IsRead && cl.Idempotent && cl.Reversible {
		return Decision{
			Approved:  true,
			Reason:    "read-only idempotent reversible tool",
			Category:  cl.Category,
			DecidedAt: now,
		}
	}

	d := Decision{
		RequiresApproval: true,
		Category:         cl.Category,
		Sensitive:        cl.Sensitive,
	}
	if !classified {
		d.Reason = "tool is unclassified"
	} else if cl.Sensitive {
		d.Reason = "tool touches a sensitive category"
	} else {
		d.Reason = "tool can mutate state"
	}

	if g.auto != nil {
		if ok, reason := g.auto.ShouldAutoApprove(call.ClientID, call.ServerID, call.ToolName, call.Arguments); ok {
			d.Approved = true
			d.Reason = reason
			d.DecidedAt = time.Now().UTC()
			return d
		}
	}

	id, err := g.manager.Create(&CreateRequest{
		ClientID:  call.ClientID,
		ServerID:  call.ServerID,
		ToolName:  call.ToolName,
		Arguments: call.Arguments,
		Category:  cl.Category,
		Sensitive: cl.Sensitive,
	})
	if err != nil {
		d.Reason = "approval bookkeeping failed: " + err.Error()
		d.DecidedAt = time.Now().UTC()
		return d
	}
	d.ApprovalID = id

	status, waitErr := g.manager.Wait(ctx, id)
	d.DecidedAt = time.Now().UTC()

	switch {
	case waitErr != nil && ctx.Err() != nil:
		d.Reason = "canceled"
	case status == StatusApproved:
		d.Approved = true
		d.Reason = "approved"
		if g.auto != nil {
			g.auto.RecordManualApproval(call.ClientID, call.ServerID, call.ToolName, call.Arguments)
		}
	case status == StatusDenied && waitErr == nil:
		p, err := g.manager.Get(id)
		if err == nil && p.ResolvedBy != "" {
			d.Reason = "denied by " + p.ResolvedBy
		} else {
			d.Reason = "approval timed out"
		}
	default:
		d.Reason = "denied"
	}

	g.logger.Info("approval gate decision",
		slog.String("server", call.ServerID),
		slog.String("tool", call.ToolName),
		slog.Bool("requires_approval", d.RequiresApproval),
		slog.Bool("approved", d.Approved),
		slog.String("reason", d.Reason),
	)
	return d
}
