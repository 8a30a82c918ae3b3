package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/castellan/castellan/internal/approval"
	"github.com/castellan/castellan/internal/orchestrator"
	"github.com/castellan/castellan/internal/supervisor"
	"github.com/jkaninda/okapi"
)

// SandboxStatusResponse is the JSON view of the sandbox state machine.
type SandboxStatusResponse struct {
	State   string           `json:"state"`
	Servers []ServerResponse `json:"servers"`
}

// ServerResponse is one configured server with its runtime status.
type ServerResponse struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	ToolCount int    `json:"tool_count"`
}

func (g *Gateway) sandboxStatus() SandboxStatusResponse {
	statuses := g.orch.Servers()
	servers := make([]ServerResponse, len(statuses))
	for i, st := range statuses {
		servers[i] = toServerResponse(st)
	}
	return SandboxStatusResponse{
		State:   g.orch.Status().String(),
		Servers: servers,
	}
}

func toServerResponse(st supervisor.ServerStatus) ServerResponse {
	return ServerResponse{
		Name:      st.Name,
		Status:    string(st.Status),
		Error:     st.Error,
		ToolCount: st.ToolCount,
	}
}

func (g *Gateway) handleSandboxStart(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	// Startup can outlive any reasonable HTTP timeout (image pulls), so it
	// runs in the background. Callers watch progress over the event stream
	// or poll /v1/sandbox/status.
	ctx := context.WithoutCancel(c.Context())
	go func() {
		if err := g.orch.Start(ctx); err != nil {
			switch {
			case errors.Is(err, orchestrator.ErrStartupInProgress):
				g.logger.Debug("sandbox start requested while startup in progress")
			case errors.Is(err, orchestrator.ErrSandboxFailed):
				g.logger.Warn("sandbox start requested in failed state")
			default:
				g.logger.Error("sandbox startup failed", slog.String("error", err.Error()))
			}
		}
	}()
	return c.JSON(http.StatusAccepted, g.sandboxStatus())
}

func (g *Gateway) handleSandboxStop(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	g.orch.Stop(c.Context())
	return c.OK(g.sandboxStatus())
}

func (g *Gateway) handleSandboxStatus(c *okapi.Context) error {
	return c.OK(g.sandboxStatus())
}

// --- Servers ---

func (g *Gateway) handleServerList(c *okapi.Context) error {
	statuses := g.orch.Servers()
	resp := make([]ServerResponse, len(statuses))
	for i, st := range statuses {
		resp[i] = toServerResponse(st)
	}
	return c.OK(resp)
}

func (g *Gateway) handleServerStart(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	name := c.Param("name")

	if err := g.orch.StartServer(c.Context(), name); err != nil {
		if strings.Contains(err.Error(), "unknown server") {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "unknown server"})
		}
		return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
	}

	st, err := g.orch.Server(name)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "unknown server"})
	}
	return c.OK(toServerResponse(st))
}

func (g *Gateway) handleServerStop(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	name := c.Param("name")

	if err := g.orch.StopServer(name); err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "unknown server"})
	}
	st, err := g.orch.Server(name)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "unknown server"})
	}
	return c.OK(toServerResponse(st))
}

// ToolResponse is one tool advertised by a running server.
type ToolResponse struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

func (g *Gateway) handleServerTools(c *okapi.Context) error {
	tools, err := g.orch.ServerTools(c.Param("name"))
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: err.Error()})
	}
	resp := make([]ToolResponse, len(tools))
	for i, t := range tools {
		resp[i] = ToolResponse{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return c.OK(resp)
}

// --- Tool execution ---

// ToolCallRequest is the JSON body for POST /v1/tools/call.
type ToolCallRequest struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallResponse is the JSON response for a tool call, approved or denied.
type ToolCallResponse struct {
	Content    string            `json:"content"`
	IsError    bool              `json:"is_error"`
	Denied     bool              `json:"denied"`
	Decision   approval.Decision `json:"decision"`
	DurationMs int64             `json:"duration_ms"`
}

func (g *Gateway) handleToolCall(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ToolCallRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Server == "" || req.Tool == "" {
		return c.AbortBadRequest("server and tool are required")
	}

	res, err := g.executor.Execute(c.Context(), orchestrator.ExecuteRequest{
		ClientID:  clientID,
		ServerID:  req.Server,
		Tool:      req.Tool,
		Arguments: req.Arguments,
	})
	if err != nil {
		g.logger.Error("tool call failed",
			slog.String("client_id", clientID),
			slog.String("server", req.Server),
			slog.String("tool", req.Tool),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
	}

	return c.OK(ToolCallResponse{
		Content:    res.Content,
		IsError:    res.IsError,
		Denied:     res.Denied,
		Decision:   res.Decision,
		DurationMs: res.DurationMs,
	})
}

// --- Approvals ---

// ApprovalResponse is one pending approval request.
type ApprovalResponse struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id"`
	ServerID  string         `json:"server_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Category  string         `json:"category,omitempty"`
	Sensitive bool           `json:"sensitive"`
	CreatedAt string         `json:"created_at"`
	ExpiresAt string         `json:"expires_at"`
}

// ApprovalResolvedResponse confirms an approve/deny action.
type ApprovalResolvedResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (g *Gateway) handleApprovalList(c *okapi.Context) error {
	pending := g.approvals.List()
	resp := make([]ApprovalResponse, len(pending))
	for i, p := range pending {
		resp[i] = ApprovalResponse{
			ID:        p.ID,
			ClientID:  p.ClientID,
			ServerID:  p.ServerID,
			ToolName:  p.ToolName,
			Arguments: p.Arguments,
			Category:  p.Category,
			Sensitive: p.Sensitive,
			CreatedAt: p.CreatedAt.Format(time.RFC3339),
			ExpiresAt: p.ExpiresAt.Format(time.RFC3339),
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleApprove(c *okapi.Context) error {
	return g.resolveApproval(c, true)
}

func (g *Gateway) handleDeny(c *okapi.Context) error {
	return g.resolveApproval(c, false)
}

func (g *Gateway) resolveApproval(c *okapi.Context, approve bool) error {
	clientID := c.GetString("clientID")
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	id := c.Param("id")

	var err error
	status := "denied"
	if approve {
		err = g.approvals.Approve(id, clientID)
		status = "approved"
	} else {
		err = g.approvals.Deny(id, clientID)
	}
	if err != nil {
		return approvalError(c, err)
	}

	g.logger.Info("approval resolved",
		slog.String("approval_id", id),
		slog.String("status", status),
		slog.String("resolved_by", clientID),
	)
	return c.OK(ApprovalResolvedResponse{ID: id, Status: status})
}

// approvalError maps approval errors to appropriate HTTP responses.
func approvalError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "approval not found"})
	case errors.Is(err, approval.ErrExpired):
		return c.JSON(http.StatusGone, okapi.M{"error": "approval expired"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, okapi.M{"error": "approval already resolved"})
	default:
		return c.AbortInternalServerError("approval error")
	}
}
