package transport

import (
	"context"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcp-hub/gateway/internal/gatewayerr"
)

// mcpGoClient adapts a mark3labs/mcp-go *client.Client to the gateway's
// Client interface. All three wire transports construct a *client.Client
// (mcp-go's own LOCAL/EVENT/HTTP split) and share this one adapter,
// mirroring the teacher's upstream.MCPServer which embeds *client.Client
// directly.
type mcpGoClient struct {
	inner      *mcpclient.Client
	name       string
	needsStart bool
	notifyCh   chan mcp.JSONRPCNotification
	logger     Logger
}

func newMCPGoClient(name string, inner *mcpclient.Client, needsStart bool, logger Logger) *mcpGoClient {
	c := &mcpGoClient{
		inner:      inner,
		name:       name,
		needsStart: needsStart,
		notifyCh:   make(chan mcp.JSONRPCNotification, 32),
		logger:     logger,
	}
	inner.OnNotification(func(n mcp.JSONRPCNotification) {
		select {
		case c.notifyCh <- n:
		default:
			logger.Warn("dropping notification, subscriber channel full", "backend", name, "method", n.Method)
		}
	})
	return c
}

func (c *mcpGoClient) Handshake(ctx context.Context, preferredVersions []string) (*HandshakeResult, error) {
	if c.needsStart {
		if err := c.inner.Start(ctx); err != nil {
			return nil, gatewayerr.Transport("transport.Handshake", gatewayerr.ReasonConnectFailed, err)
		}
	}

	version := mcp.LATEST_PROTOCOL_VERSION
	if len(preferredVersions) > 0 {
		version = preferredVersions[0]
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = version
	req.Params.ClientInfo = defaultClientInfo()
	req.Params.Capabilities = mcp.ClientCapabilities{}

	res, err := c.inner.Initialize(ctx, req)
	if err != nil {
		return nil, gatewayerr.Transport("transport.Handshake", gatewayerr.ReasonConnectFailed, err)
	}

	return &HandshakeResult{
		ProtocolVersion: res.ProtocolVersion,
		Capabilities:    res.Capabilities,
		ServerInfo:      res.ServerInfo,
		Instructions:    res.Instructions,
	}, nil
}

func (c *mcpGoClient) ListTools(ctx context.Context) ([]ToolDef, error) {
	res, err := c.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, gatewayerr.Transport("transport.ListTools", gatewayerr.ReasonPeerError, err)
	}
	defs := toolDefsFromResult(res)
	kept := defs[:0]
	for _, d := range defs {
		if d.Name == "" {
			c.logger.Warn("dropping tool definition with empty name", "backend", c.name)
			continue
		}
		kept = append(kept, d)
	}
	return kept, nil
}

func (c *mcpGoClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.inner.CallTool(ctx, req)
	if err != nil {
		return nil, gatewayerr.Transport("transport.CallTool", gatewayerr.ReasonPeerError, err)
	}
	return res, nil
}

// Call dispatches methods outside the typed tools/call path (spec §4.4's
// routing table items such as resources/list, resources/read, prompts/list)
// through mcp-go's matching typed client calls, keeping one switch here
// instead of duplicating it per transport.
func (c *mcpGoClient) Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	switch method {
	case "tools/list":
		return c.ListTools(ctx)
	case "resources/list":
		res, err := c.inner.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			return nil, gatewayerr.Transport("transport.Call", gatewayerr.ReasonPeerError, err)
		}
		return res, nil
	case "resources/templates/list":
		res, err := c.inner.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
		if err != nil {
			return nil, gatewayerr.Transport("transport.Call", gatewayerr.ReasonPeerError, err)
		}
		return res, nil
	case "resources/read":
		req := mcp.ReadResourceRequest{}
		if uri, ok := params["uri"].(string); ok {
			req.Params.URI = uri
		}
		res, err := c.inner.ReadResource(ctx, req)
		if err != nil {
			return nil, gatewayerr.Transport("transport.Call", gatewayerr.ReasonPeerError, err)
		}
		return res, nil
	case "prompts/list":
		res, err := c.inner.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if err != nil {
			return nil, gatewayerr.Transport("transport.Call", gatewayerr.ReasonPeerError, err)
		}
		return res, nil
	case "ping":
		if err := c.inner.Ping(ctx); err != nil {
			return nil, gatewayerr.Transport("transport.Call", gatewayerr.ReasonTimeout, err)
		}
		return struct{}{}, nil
	default:
		return nil, gatewayerr.New(gatewayerr.KindProxy, "transport.Call", fmt.Errorf("method %q not supported", method))
	}
}

// Notify forwards a client-originated notification to the backend (spec
// §4.4's routing row for notifications/*). notifications/initialized is a
// no-op here: mcp-go's Initialize already sends it as part of the
// handshake, so repeating it would double-send.
//
// mcp-go's client.Client exposes only the typed request/response calls
// used elsewhere in this file (Initialize, ListTools, CallTool, ...); it
// has no generic outbound-notification primitive a gateway can drive with
// an arbitrary method string (see DESIGN.md). Rather than silently
// dropping notifications/cancelled, notifications/roots/list_changed, and
// the like as before, this now returns an explicit error so HandleNotify
// surfaces the gap to the caller instead of reporting false success.
func (c *mcpGoClient) Notify(_ context.Context, method string, _ map[string]interface{}) error {
	if method == "notifications/initialized" {
		return nil
	}
	return gatewayerr.New(gatewayerr.KindTransport, "transport.Notify",
		fmt.Errorf("backend %q: outbound notification %q not supported by the underlying client", c.name, method))
}

func (c *mcpGoClient) Subscribe() <-chan mcp.JSONRPCNotification {
	return c.notifyCh
}

func (c *mcpGoClient) Close() error {
	if err := c.inner.Close(); err != nil {
		return gatewayerr.New(gatewayerr.KindTransport, "transport.Close", err)
	}
	return nil
}
