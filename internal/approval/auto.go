package approval

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/castellan/castellan/internal/config"
)

// AutoApprover tracks approval patterns and auto-approves repeated safe
// operations. When the same client+server+tool+arguments combination has
// been manually approved N times within a lookback window, subsequent
// identical requests are approved without waiting for a human.
type AutoApprover struct {
	mu       sync.RWMutex
	history  map[string][]time.Time // key -> timestamps of manual approvals
	counters map[string]int         // clientID -> auto-approval count this hour
	hourSlot int64
	cfg      config.AutoApprovalConfig
	logger   *slog.Logger
}

// NewAutoApprover creates an AutoApprover with the given config.
func NewAutoApprover(cfg config.AutoApprovalConfig, logger *slog.Logger) *AutoApprover {
	if cfg.MaxAutoApprovals <= 0 {
		cfg.MaxAutoApprovals = 10
	}
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = 3
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	return &AutoApprover{
		history:  make(map[string][]time.Time),
		counters: make(map[string]int),
		cfg:      cfg,
		logger:   logger,
	}
}

// ShouldAutoApprove reports whether an identical operation was manually
// approved enough times to warrant automatic approval.
func (a *AutoApprover) ShouldAutoApprove(clientID, serverID, toolName string, args map[string]any) (bool, string) {
	if !a.cfg.Enabled || !a.isToolAllowed(toolName) {
		return false, ""
	}

	// Hourly auto-approval cap per client.
	a.mu.Lock()
	currentHour := time.Now().Unix() / 3600
	if currentHour != a.hourSlot {
		a.counters = make(map[string]int)
		a.hourSlot = currentHour
	}
	if a.counters[clientID] >= a.cfg.MaxAutoApprovals {
		a.mu.Unlock()
		return false, ""
	}
	a.mu.Unlock()

	key := approvalKey(clientID, serverID, toolName, args)
	cutoff := time.Now().Add(-time.Duration(a.cfg.WindowHours) * time.Hour)

	a.mu.RLock()
	timestamps := a.history[key]
	a.mu.RUnlock()

	recent := 0
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent < a.cfg.RequiredApprovals {
		return false, ""
	}

	a.mu.Lock()
	a.counters[clientID]++
	a.mu.Unlock()

	reason := fmt.Sprintf("%d prior manual approvals in %dh window", recent, a.cfg.WindowHours)
	a.logger.Info("auto-approving tool call",
		slog.String("client_id", clientID),
		slog.String("server", serverID),
		slog.String("tool", toolName),
		slog.String("reason", reason),
	)
	return true, reason
}

// RecordManualApproval records that a client manually approved a specific
// operation.
func (a *AutoApprover) RecordManualApproval(clientID, serverID, toolName string, args map[string]any) {
	key := approvalKey(clientID, serverID, toolName, args)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[key] = append(a.history[key], time.Now())

	// Prune entries beyond the window.
	cutoff := time.Now().Add(-time.Duration(a.cfg.WindowHours) * time.Hour)
	entries := a.history[key]
	pruned := make([]time.Time, 0, len(entries))
	for _, ts := range entries {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	a.history[key] = pruned
}

func (a *AutoApprover) isToolAllowed(toolName string) bool {
	// Explicit allowlist required.
	for _, t := range a.cfg.AllowedTools {
		if t == toolName {
			return true
		}
	}
	return false
}

func approvalKey(clientID, serverID, toolName string, args map[string]any) string {
	data, _ := json.Marshal(args)
	h := sha256.Sum256(append([]byte(clientID+"|"+serverID+"|"+toolName+"|"), data...))
	return fmt.Sprintf("%x", h[:16])
}
