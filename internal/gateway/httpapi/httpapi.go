// Package httpapi implements the HTTP API gateway for Castellan.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/castellan/castellan/internal/approval"
	"github.com/castellan/castellan/internal/events"
	"github.com/castellan/castellan/internal/observability"
	"github.com/castellan/castellan/internal/orchestrator"
	"github.com/castellan/castellan/internal/ratelimit"
	"github.com/castellan/castellan/internal/requestlog"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8090"
	EnableDocs     bool
	APIKeys        map[string]string // API key → client ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	RetentionDays  int               // Cleanup horizon for DELETE /v1/logs. 0 = 7.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config      Config
	orch        *orchestrator.Orchestrator
	executor    *orchestrator.Executor
	approvals   *approval.Manager
	logs        requestlog.Store
	broadcaster *events.Broadcaster
	limiter     *ratelimit.Limiter
	logger      *slog.Logger
	server      *http.Server
	okapi       *okapi.Okapi
	group       *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(
	cfg Config,
	orch *orchestrator.Orchestrator,
	executor *orchestrator.Executor,
	approvals *approval.Manager,
	logs requestlog.Store,
	broadcaster *events.Broadcaster,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		config:      cfg,
		orch:        orch,
		executor:    executor,
		approvals:   approvals,
		logs:        logs,
		broadcaster: broadcaster,
		limiter:     limiter,
		logger:      logger,
		okapi:       okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Castellan",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Sandbox lifecycle.
	g.group.Post("/sandbox/start", g.handleSandboxStart,
		okapi.DocSummary("Start the sandbox: fetch base image, boot the runtime, start all servers"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(http.StatusAccepted, SandboxStatusResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/sandbox/stop", g.handleSandboxStop,
		okapi.DocSummary("Stop all servers and tear down the runtime"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(SandboxStatusResponse{}),
	)
	g.group.Get("/sandbox/status", g.handleSandboxStatus,
		okapi.DocSummary("Current sandbox state and per-server status"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(SandboxStatusResponse{}),
	)

	// MCP servers.
	g.group.Get("/servers", g.handleServerList,
		okapi.DocSummary("List configured servers with runtime status"),
		okapi.DocTags("Servers"),
		okapi.DocResponse([]ServerResponse{}),
	)
	g.group.Post("/servers/{name}/start", g.handleServerStart,
		okapi.DocSummary("Start one server (no-op if already running)"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("name", "string", "Server name"),
		okapi.DocResponse(ServerResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/servers/{name}/stop", g.handleServerStop,
		okapi.DocSummary("Stop one server"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("name", "string", "Server name"),
		okapi.DocResponse(ServerResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/servers/{name}/tools", g.handleServerTools,
		okapi.DocSummary("List tools exposed by a running server"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("name", "string", "Server name"),
		okapi.DocResponse([]ToolResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Tool execution.
	g.group.Post("/tools/call", g.handleToolCall,
		okapi.DocSummary("Execute a tool through the approval gate"),
		okapi.DocTags("Tools"),
		okapi.DocRequestBody(ToolCallRequest{}),
		okapi.DocResponse(ToolCallResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Approvals.
	g.group.Get("/approvals", g.handleApprovalList,
		okapi.DocSummary("List pending approval requests"),
		okapi.DocTags("Approvals"),
		okapi.DocResponse([]ApprovalResponse{}),
	)
	g.group.Post("/approvals/{id}/approve", g.handleApprove,
		okapi.DocSummary("Approve a pending tool call"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocResponse(ApprovalResolvedResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/approvals/{id}/deny", g.handleDeny,
		okapi.DocSummary("Deny a pending tool call"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocResponse(ApprovalResolvedResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// Request log.
	g.group.Get("/logs", g.handleLogList,
		okapi.DocSummary("Query the request log with filters and pagination"),
		okapi.DocTags("Logs"),
		okapi.DocResponse(LogPageResponse{}),
	)
	g.group.Get("/logs/stats", g.handleLogStats,
		okapi.DocSummary("Aggregate request log statistics"),
		okapi.DocTags("Logs"),
		okapi.DocResponse(requestlog.Stats{}),
	)
	g.group.Get("/logs/{id}", g.handleLogGet,
		okapi.DocSummary("Fetch one request log entry"),
		okapi.DocTags("Logs"),
		okapi.DocPathParam("id", "string", "Entry ID"),
		okapi.DocResponse(requestlog.Entry{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/logs", g.handleLogDelete,
		okapi.DocSummary("Delete log entries: everything, or older than the retention window"),
		okapi.DocTags("Logs"),
		okapi.DocResponse(LogDeleteResponse{}),
	)

	// Event stream (WebSocket). Token auth happens inside the handler since
	// browsers cannot set headers on WebSocket upgrades.
	g.okapi.HandleStd("GET", "/v1/events", http.HandlerFunc(g.handleEvents).ServeHTTP)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for the health probes.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped client ID on
// the request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := g.resolveClient(apiKey)
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// resolveClient maps an API key to a client identity, comparing every
// configured key so lookup time does not depend on the match.
func (g *Gateway) resolveClient(apiKey string) string {
	clientID := ""
	for key, id := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			clientID = id
		}
	}
	return clientID
}

// rateLimit consumes one token for the client, if limiting is configured.
func (g *Gateway) rateLimit(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Allow(c.GetString("clientID"))
}
