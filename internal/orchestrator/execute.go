package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/castellan/castellan/internal/approval"
	"github.com/castellan/castellan/internal/classifier"
	"github.com/castellan/castellan/internal/requestlog"
	"github.com/castellan/castellan/internal/runtime"
)

// Executor runs tool calls through the approval gate, the server, and the
// request log. Split from the Orchestrator's lifecycle methods so the HTTP
// layer can depend on just the call path.
type Executor struct {
	orch     *Orchestrator
	gate     *approval.Gate
	recorder *requestlog.Recorder
	logger   *slog.Logger
}

// NewExecutor creates the tool call executor.
func NewExecutor(orch *Orchestrator, gate *approval.Gate, recorder *requestlog.Recorder, logger *slog.Logger) *Executor {
	return &Executor{
		orch:     orch,
		gate:     gate,
		recorder: recorder,
		logger:   logger,
	}
}

// ExecuteRequest is one incoming tool call.
type ExecuteRequest struct {
	ClientID  string         `json:"client_id,omitempty"`
	ServerID  string         `json:"server_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ExecuteResult is the outcome returned to the caller. A denied call
// carries a standardized refusal instead of tool output.
type ExecuteResult struct {
	Content    string            `json:"content"`
	IsError    bool              `json:"is_error"`
	Denied     bool              `json:"denied"`
	Decision   approval.Decision `json:"decision"`
	DurationMs int64             `json:"duration_ms"`
}

// Execute runs one tool call end to end: gate, server invocation, log.
// Denial short-circuits before the server is touched. The request log write
// is asynchronous and never delays the response.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if s := e.orch.Status(); s != runtime.Ready {
		return nil, fmt.Errorf("sandbox is not ready (state %s)", s)
	}

	ctx, span := e.orch.tracer.Start(ctx, "tool.execute")
	span.SetAttributes(
		attribute.String("mcp.server", req.ServerID),
		attribute.String("mcp.tool", req.Tool),
	)
	defer span.End()

	fingerprint := e.lookupFingerprint(req.ServerID, req.Tool)

	gateBegan := time.Now()
	decision := e.gate.Evaluate(ctx, approval.ToolCall{
		ClientID:    req.ClientID,
		ServerID:    req.ServerID,
		ToolName:    req.Tool,
		Arguments:   req.Arguments,
		Fingerprint: fingerprint,
	})
	e.observeDecision(decision, time.Since(gateBegan))

	if !decision.Approved {
		span.SetStatus(codes.Error, "denied")
		refusal := fmt.Sprintf("tool call denied: %s", decision.Reason)
		e.record(req, requestlog.StatusError, "", refusal, 0)
		return &ExecuteResult{
			Content:  refusal,
			IsError:  true,
			Denied:   true,
			Decision: decision,
		}, nil
	}

	began := time.Now()
	result, err := e.orch.supervisor.CallTool(ctx, req.ServerID, req.Tool, req.Arguments)
	elapsed := time.Since(began)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.record(req, requestlog.StatusError, "", err.Error(), elapsed)
		e.observeExecution(req, requestlog.StatusError, elapsed)
		return nil, err
	}

	status := statusOf(result.IsError)
	e.record(req, status, result.Content, "", elapsed)
	e.observeExecution(req, status, elapsed)

	return &ExecuteResult{
		Content:    result.Content,
		IsError:    result.IsError,
		Decision:   decision,
		DurationMs: elapsed.Milliseconds(),
	}, nil
}

// lookupFingerprint resolves a tool's content fingerprint from the
// supervisor's discovered definitions. Empty when unknown, which the gate
// treats as unclassified.
func (e *Executor) lookupFingerprint(serverID, tool string) string {
	tools, err := e.orch.supervisor.Tools(serverID)
	if err != nil {
		return ""
	}
	for _, t := range tools {
		if t.Name == tool {
			return classifier.Fingerprint(t)
		}
	}
	return ""
}

func (e *Executor) record(req ExecuteRequest, status, response, errMsg string, elapsed time.Duration) {
	args, _ := json.Marshal(req.Arguments)
	ok := e.recorder.Record(requestlog.Entry{
		ServerID:   req.ServerID,
		Method:     req.Tool,
		Arguments:  string(args),
		Status:     status,
		Response:   response,
		Error:      errMsg,
		DurationMs: elapsed.Milliseconds(),
		ClientID:   req.ClientID,
	})

	m := e.orch.metrics
	if m == nil {
		return
	}
	m.LogQueueDepth.Set(float64(e.recorder.QueueDepth()))
	if ok {
		m.LogEntriesTotal.Inc()
	} else {
		m.LogDroppedTotal.Inc()
	}
}

func (e *Executor) observeDecision(d approval.Decision, waited time.Duration) {
	m := e.orch.metrics
	if m == nil {
		return
	}
	outcome := "approved"
	switch {
	case !d.Approved:
		outcome = "denied"
	case !d.RequiresApproval:
		outcome = "bypassed"
	}
	m.ApprovalDecisionsTotal.WithLabelValues(outcome).Inc()
	if d.RequiresApproval {
		m.ApprovalWaitDuration.Observe(waited.Seconds())
	}
}

func (e *Executor) observeExecution(req ExecuteRequest, status string, elapsed time.Duration) {
	m := e.orch.metrics
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(req.ServerID, req.Tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(req.ServerID, req.Tool).Observe(elapsed.Seconds())
}
