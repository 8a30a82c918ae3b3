// Package supervisor starts, monitors, and stops the configured MCP tool
// servers. Each server runs in its own container on the sandbox base image
// and speaks MCP over stdio; failures stay confined to the failing server.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/castellan/castellan/internal/config"
)

// ToolDescriptor is a tool definition as reported by an MCP server. The
// classifier fingerprints descriptors, so fields here are exactly what the
// server advertises.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolResult is the outcome of one MCP tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// Conn is one live MCP server connection.
type Conn interface {
	// ListTools returns the server's advertised tool definitions.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	// CallTool invokes a tool by its server-local name.
	CallTool(ctx context.Context, tool string, args map[string]any) (*ToolResult, error)
	Close() error
}

// Connector dials a server and completes the MCP handshake. Tests inject a
// fake; production uses PodmanConnector.
type Connector interface {
	Connect(ctx context.Context, srv config.ServerConfig) (Conn, error)
}

// PodmanConnector launches each server inside a container via `podman run -i`
// and bridges its stdio to an MCP client.
type PodmanConnector struct {
	cfg     *config.Config
	runtime config.RuntimeConfig
}

// NewPodmanConnector creates the production connector.
func NewPodmanConnector(cfg *config.Config) *PodmanConnector {
	return &PodmanConnector{cfg: cfg, runtime: cfg.Runtime}
}

// ContainerName returns the deterministic container name for a server, used
// both at launch and by the force-remove safety net.
func ContainerName(serverName string) string {
	return "castellan-mcp-" + serverName
}

// containerArgs builds the podman run invocation for one server. Env and
// value entries are sorted so container invocations are reproducible.
func (p *PodmanConnector) containerArgs(srv config.ServerConfig) []string {
	args := []string{
		"run", "-i", "--rm",
		"--name", ContainerName(srv.Name),
		"--memory", fmt.Sprintf("%dm", p.runtime.Memory()),
	}
	if !p.runtime.NetworkAllowed {
		args = append(args, "--network=none")
	}

	keys := make([]string, 0, len(srv.Env))
	for k := range srv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, p.cfg.ExpandEnvValue(srv.Env[k])))
	}

	// User config values reach the server as CASTELLAN_VALUE_* env vars.
	valueKeys := make([]string, 0, len(srv.Values))
	for k := range srv.Values {
		valueKeys = append(valueKeys, k)
	}
	sort.Strings(valueKeys)
	for _, k := range valueKeys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", valueEnvName(k), p.formatValue(srv.Values[k])))
	}

	args = append(args, p.runtime.Image())
	args = append(args, srv.Command)
	args = append(args, srv.Args...)
	return args
}

// valueEnvName maps a config value key to its container env var name.
// Anything outside [A-Za-z0-9] becomes an underscore.
func valueEnvName(key string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	return "CASTELLAN_VALUE_" + mapped
}

// formatValue renders a config value for the environment. String arrays are
// comma-joined; strings get env expansion like regular env entries.
func (p *PodmanConnector) formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return p.cfg.ExpandEnvValue(val)
	case []string:
		return strings.Join(val, ",")
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			} else {
				parts = append(parts, fmt.Sprint(item))
			}
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(val)
	}
}

// Connect starts the server container and performs the MCP initialize
// handshake. The returned Conn owns the container process; Close terminates
// both.
func (p *PodmanConnector) Connect(ctx context.Context, srv config.ServerConfig) (Conn, error) {
	c, err := mcpclient.NewStdioMCPClient(p.runtime.EngineBinary(), nil, p.containerArgs(srv)...)
	if err != nil {
		return nil, fmt.Errorf("launching server container %q: %w", srv.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "castellan",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp initialize for %q: %w", srv.Name, err)
	}

	return &mcpConn{client: c, server: srv.Name}, nil
}

type mcpConn struct {
	client *mcpclient.Client
	server string
}

func (c *mcpConn) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	resp, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp list tools for %q: %w", c.server, err)
	}
	tools := make([]ToolDescriptor, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		tools = append(tools, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertInputSchema(t.InputSchema),
		})
	}
	return tools, nil
}

func (c *mcpConn) CallTool(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	resp, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call %s/%s: %w", c.server, tool, err)
	}
	return &ToolResult{
		Content: formatContent(resp.Content),
		IsError: resp.IsError,
	}, nil
}

func (c *mcpConn) Close() error {
	return c.client.Close()
}

// formatContent flattens MCP content items into a single string. Non-text
// items (image, audio, resource) are serialized as JSON.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			data, _ := json.Marshal(c)
			sb.WriteString(string(data))
		}
	}
	return sb.String()
}

func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	result := map[string]any{
		"type": schema.Type,
	}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		result["required"] = schema.Required
	}
	return result
}
