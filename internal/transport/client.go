// Package transport speaks MCP to backend servers over the three wire
// transports (LOCAL/EVENT/HTTP) and surfaces one uniform Client interface
// to the Backend Registry, adapting mark3labs/mcp-go's client.Client the
// way the teacher's upstream.MCPServer does for its single
// streamable-HTTP case.
package transport

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcp-hub/gateway/internal/config"
	"github.com/mcp-hub/gateway/internal/credentials"
	"github.com/mcp-hub/gateway/internal/gatewayerr"
)

// clientName/clientVersion identify this gateway to upstream backends
// during the initialize handshake.
const (
	clientName    = "mcp-gateway"
	clientVersion = "0.1.0"
)

// HandshakeResult is the gateway's transport-agnostic view of an
// initialize response (spec §3's Backend.handshakeResult).
type HandshakeResult struct {
	ProtocolVersion string
	Capabilities    mcp.ServerCapabilities
	ServerInfo      mcp.Implementation
	Instructions    string
}

// ToolDef is the gateway's transport-agnostic view of a backend tool
// (spec §3).
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Client is the uniform capability set exposed to callers regardless of
// backend transport (spec §4.1).
type Client interface {
	// Handshake performs the initialize exchange, preferring preferredVersions
	// in order and accepting whatever the backend negotiates.
	Handshake(ctx context.Context, preferredVersions []string) (*HandshakeResult, error)
	ListTools(ctx context.Context) ([]ToolDef, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	// Call dispatches an arbitrary JSON-RPC method, used by the Proxy
	// Engine's method-routing table for methods beyond tools/call.
	Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error)
	// Notify forwards a client-originated notification. On every transport
	// the mcp-go-backed client treats notifications/initialized as a no-op
	// returning nil and returns an error for any other method.
	Notify(ctx context.Context, method string, params map[string]interface{}) error
	// Subscribe returns a channel of server-originated notifications. The
	// mcp-go-backed client returns a non-nil channel on every transport,
	// HTTP included.
	Subscribe() <-chan mcp.JSONRPCNotification
	Close() error
}

// New constructs the Client implementation matching cfg.Transport,
// resolving any credRef: header values via resolver first.
func New(ctx context.Context, cfg *config.BackendConfig, resolver *credentials.Resolver, logger Logger) (Client, error) {
	switch cfg.Transport {
	case config.TransportLocal:
		return newLocalClient(cfg, logger)
	case config.TransportEvent:
		headers, err := resolver.ResolveHeaders(cfg.Headers)
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.KindTransport, "transport.New", err)
		}
		return newEventClient(cfg, headers, logger)
	case config.TransportHTTP:
		headers, err := resolver.ResolveHeaders(cfg.Headers)
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.KindTransport, "transport.New", err)
		}
		return newHTTPClient(cfg, headers, logger)
	default:
		return nil, gatewayerr.New(gatewayerr.KindConfig, "transport.New", fmt.Errorf("unsupported transport %q", cfg.Transport))
	}
}

// Logger is the minimal logging capability transport implementations
// need, satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

func defaultClientInfo() mcp.Implementation {
	return mcp.Implementation{Name: clientName, Version: clientVersion}
}

func toolDefsFromResult(result *mcp.ListToolsResult) []ToolDef {
	defs := make([]ToolDef, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema := map[string]interface{}{"type": "object"}
		if t.InputSchema.Type != "" || len(t.InputSchema.Properties) > 0 {
			schema = map[string]interface{}{
				"type":       orDefault(t.InputSchema.Type, "object"),
				"properties": t.InputSchema.Properties,
				"required":   t.InputSchema.Required,
			}
		}
		defs = append(defs, ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return defs
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
