package observability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// perCheckTimeout bounds each dependency check individually, so one slow
// dependency (a wedged podman socket, a locked database) cannot starve the
// others of the readiness budget.
const perCheckTimeout = 3 * time.Second

// CheckFunc reports whether one dependency is ready.
type CheckFunc func(ctx context.Context) error

// HealthChecker aggregates readiness from the gateway's dependencies:
// the store, the container runtime, and the sandbox state machine.
type HealthChecker struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	logger *slog.Logger
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]CheckFunc),
		logger: logger,
	}
}

// AddCheck registers a named readiness check. Re-registering a name
// replaces the previous check.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// CheckHealth returns liveness status. Always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered check and returns aggregate readiness:
// "ok" only when all pass, "degraded" otherwise. Checks run in name order
// so the degraded log output is stable.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	names := make([]string, 0, len(h.checks))
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, check := range h.checks {
		names = append(names, name)
		checks[name] = check
	}
	h.mu.Unlock()

	if len(names) == 0 {
		return HealthStatus{Status: "ok"}
	}
	sort.Strings(names)

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(names)),
	}
	for _, name := range names {
		if err := h.runCheck(ctx, checks[name]); err != nil {
			status.Status = "degraded"
			status.Checks[name] = CheckResult{Status: "fail", Message: err.Error()}
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", name),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		status.Checks[name] = CheckResult{Status: "ok"}
	}
	return status
}

func (h *HealthChecker) runCheck(ctx context.Context, check CheckFunc) error {
	checkCtx, cancel := context.WithTimeout(ctx, perCheckTimeout)
	defer cancel()
	return check(checkCtx)
}
