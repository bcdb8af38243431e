// Package proxy implements the per-proxy routing engine (spec §4.4):
// a cached effective tool list, instructions-priority resolution, and
// method-based request dispatch into the bound Backend. Grounded on the
// teacher's internal/broker/virtual_server_handler.go (tool-list
// filtering for a named "virtual server") generalized from an HTTP
// response-rewriting middleware to a first-class routing component.
package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcp-hub/gateway/internal/backend"
	"github.com/mcp-hub/gateway/internal/compliance"
	"github.com/mcp-hub/gateway/internal/config"
	"github.com/mcp-hub/gateway/internal/gatewayerr"
	"github.com/mcp-hub/gateway/internal/transport"
)

// State is a Proxy's lifecycle position (spec §3).
type State string

const (
	StateStopped State = "Stopped"
	StateRunning State = "Running"
	StateError   State = "Error"
)

// gatewayVersion is reported in initialize responses' serverInfo.
const gatewayVersion = "0.1.0"

// Proxy is a live proxy instance bound to a Backend (spec §3/§4.4).
type Proxy struct {
	mu sync.RWMutex

	config   *config.ProxyConfig
	backend  *backend.Backend
	state    State
	lastErr  error

	toolsCached       bool
	effectiveTools    []transport.ToolDef
	exposedToolLookup map[string]struct{}
}

// New constructs a Proxy bound to b, per cfg.
func New(cfg *config.ProxyConfig, b *backend.Backend) *Proxy {
	lookup := make(map[string]struct{}, len(cfg.ExposedTools))
	for _, name := range cfg.ExposedTools {
		lookup[name] = struct{}{}
	}
	return &Proxy{
		config:            cfg,
		backend:           b,
		state:             StateStopped,
		exposedToolLookup: lookup,
	}
}

// Name returns the proxy's configured name.
func (p *Proxy) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.Name
}

// Start transitions the proxy to Running without checking the bound
// Backend's state; forwarded requests instead require the backend to be
// Verified at the time of each request, since the backend may still be
// catching up (spec §3: "transitioning the backend out of Verified does
// NOT stop the proxy").
func (p *Proxy) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateRunning
}

// Stop transitions the proxy to Stopped.
func (p *Proxy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateStopped
}

// State returns the proxy's current lifecycle state.
func (p *Proxy) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// BackendName returns the name of the Backend this proxy is bound to, so
// the top-level gateway wiring can route a Backend Registry verification
// event or a BACKEND_GRACE liveness check to the right proxy without
// holding its own separate proxy->backend-name table.
func (p *Proxy) BackendName() string {
	return p.backend.Name()
}

// InvalidateToolCache is called by the Backend Registry's VerifiedListener
// whenever the bound backend re-verifies, so the next request recomputes
// the effective tool list (spec §3's cache-invalidate-on-reverification).
func (p *Proxy) InvalidateToolCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolsCached = false
}

// EffectiveTools returns the cached subset of the backend's tool catalog
// exposed by this proxy (spec §3: all tools if ExposedTools is empty).
func (p *Proxy) EffectiveTools() []transport.ToolDef {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.toolsCached {
		return p.effectiveTools
	}

	all := p.backend.Tools()
	if len(p.exposedToolLookup) == 0 {
		p.effectiveTools = all
	} else {
		filtered := make([]transport.ToolDef, 0, len(all))
		for _, t := range all {
			if _, ok := p.exposedToolLookup[t.Name]; ok {
				filtered = append(filtered, t)
			}
		}
		p.effectiveTools = filtered
	}
	p.toolsCached = true
	return p.effectiveTools
}

// isToolExposed reports whether name is served by this proxy.
func (p *Proxy) isToolExposed(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.exposedToolLookup) == 0 {
		return true
	}
	_, ok := p.exposedToolLookup[name]
	return ok
}

// instructions resolves the instructions-priority chain (spec §4.4):
// ProxyConfig.InstructionsOverride, else the backend's handshake
// instructions, else omitted.
func (p *Proxy) instructions() string {
	p.mu.RLock()
	cfg := p.config
	p.mu.RUnlock()
	if cfg.InstructionsOverride != "" {
		return cfg.InstructionsOverride
	}
	if hr := p.backend.Handshake(); hr != nil {
		return hr.Instructions
	}
	return ""
}

// HandleInitialize builds the locally-handled initialize response (spec
// §4.4's routing table row for "initialize").
func (p *Proxy) HandleInitialize(requestedVersion string) mcp.InitializeResult {
	hr := p.backend.Handshake()
	result := &mcp.InitializeResult{
		ServerInfo: mcp.Implementation{
			Name:    fmt.Sprintf("mcp-gateway-%s", p.Name()),
			Version: gatewayVersion,
		},
		Instructions: p.instructions(),
	}
	if hr != nil {
		result.ProtocolVersion = hr.ProtocolVersion
		result.Capabilities = hr.Capabilities
	}
	normalized := compliance.NormalizeHandshake(result, requestedVersion)
	return *normalized
}

// HandleToolsList returns the effective tool list with a non-null
// nextCursor (spec §4.4: "never null, to satisfy strict validators").
func (p *Proxy) HandleToolsList() mcp.ListToolsResult {
	effective := p.EffectiveTools()
	tools := make([]mcp.Tool, 0, len(effective))
	for _, t := range effective {
		tools = append(tools, mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: toMCPInputSchema(t.InputSchema),
		})
	}
	return mcp.ListToolsResult{
		Tools:           tools,
		PaginatedResult: mcp.PaginatedResult{NextCursor: ""},
	}
}

// toMCPInputSchema converts a backend's transport-agnostic InputSchema
// (spec §3's ToolDef.inputSchema) into mcp-go's typed ToolInputSchema,
// so tools/list carries the same schema clients need to call the tool
// correctly instead of reaching them empty.
func toMCPInputSchema(schema map[string]interface{}) mcp.ToolInputSchema {
	out := mcp.ToolInputSchema{Type: "object"}
	if schema == nil {
		return out
	}
	if t, ok := schema["type"].(string); ok && t != "" {
		out.Type = t
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		out.Properties = props
	}
	switch req := schema["required"].(type) {
	case []string:
		out.Required = req
	case []interface{}:
		required := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
		out.Required = required
	}
	return out
}

// HandleToolsCall enforces tool filtering, then forwards to the backend
// (spec §4.4). Returns a JSON-RPC -32601 error via gatewayerr.KindProxy
// without contacting the backend when name isn't exposed.
func (p *Proxy) HandleToolsCall(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if p.State() != StateRunning {
		return nil, gatewayerr.New(gatewayerr.KindProxy, "proxy.HandleToolsCall", fmt.Errorf("proxy %q is not running", p.Name()))
	}
	if p.backend.State() != backend.StateVerified {
		return nil, gatewayerr.New(gatewayerr.KindProxy, "proxy.HandleToolsCall", fmt.Errorf("backend %q is not verified", p.backend.Name()))
	}
	if !p.isToolExposed(name) {
		return nil, gatewayerr.New(gatewayerr.KindProxy, "proxy.HandleToolsCall", &ToolNotExposedError{ToolName: name})
	}

	client := p.backend.ClientHandle()
	if client == nil {
		return nil, gatewayerr.New(gatewayerr.KindProxy, "proxy.HandleToolsCall", fmt.Errorf("backend %q has no active connection", p.backend.Name()))
	}
	return client.CallTool(ctx, name, args)
}

// HandleResourcesList forwards to the backend when its handshake
// advertised a resources capability (spec §9's refinement, adopted by
// this spec), otherwise synthesizes the spec §4.3 rule-6 empty result
// (spec §4.4's routing row for resources/list).
func (p *Proxy) HandleResourcesList(ctx context.Context) (mcp.ListResourcesResult, error) {
	if !p.backendAdvertisesResources() {
		return compliance.SynthesizeResourcesList(), nil
	}
	client := p.backend.ClientHandle()
	if client == nil {
		return mcp.ListResourcesResult{}, gatewayerr.New(gatewayerr.KindProxy, "proxy.HandleResourcesList", fmt.Errorf("backend %q has no active connection", p.backend.Name()))
	}
	res, err := client.Call(ctx, "resources/list", nil)
	if err != nil {
		return mcp.ListResourcesResult{}, err
	}
	result, ok := res.(*mcp.ListResourcesResult)
	if !ok || result == nil {
		return compliance.SynthesizeResourcesList(), nil
	}
	return *result, nil
}

// HandleResourceTemplatesList forwards to the backend when its handshake
// advertised a resources capability, otherwise synthesizes the rule-6
// empty result for resources/templates/list.
func (p *Proxy) HandleResourceTemplatesList(ctx context.Context) (mcp.ListResourceTemplatesResult, error) {
	if !p.backendAdvertisesResources() {
		return compliance.SynthesizeResourceTemplatesList(), nil
	}
	client := p.backend.ClientHandle()
	if client == nil {
		return mcp.ListResourceTemplatesResult{}, gatewayerr.New(gatewayerr.KindProxy, "proxy.HandleResourceTemplatesList", fmt.Errorf("backend %q has no active connection", p.backend.Name()))
	}
	res, err := client.Call(ctx, "resources/templates/list", nil)
	if err != nil {
		return mcp.ListResourceTemplatesResult{}, err
	}
	result, ok := res.(*mcp.ListResourceTemplatesResult)
	if !ok || result == nil {
		return compliance.SynthesizeResourceTemplatesList(), nil
	}
	return *result, nil
}

// backendAdvertisesResources reports whether the bound backend's
// handshake advertised a resources capability (spec §9).
func (p *Proxy) backendAdvertisesResources() bool {
	hr := p.backend.Handshake()
	return hr != nil && hr.Capabilities.Resources != nil
}

// HandleNotify forwards a notification to the backend (spec §4.4's
// routing row for notifications/*).
func (p *Proxy) HandleNotify(ctx context.Context, method string, params map[string]interface{}) error {
	client := p.backend.ClientHandle()
	if client == nil {
		return gatewayerr.New(gatewayerr.KindProxy, "proxy.HandleNotify", fmt.Errorf("backend %q has no active connection", p.backend.Name()))
	}
	return client.Notify(ctx, method, params)
}

// ToolNotExposedError is returned by HandleToolsCall when the named tool
// is not in the proxy's exposed set (spec §4.4: JSON-RPC -32601, "Method
// not found (tool not exposed)", without contacting the backend).
type ToolNotExposedError struct {
	ToolName string
}

// JSONRPCCode is the JSON-RPC error code ingress maps this error onto.
func (e *ToolNotExposedError) JSONRPCCode() int { return mcp.METHOD_NOT_FOUND }

func (e *ToolNotExposedError) Error() string {
	return fmt.Sprintf("tool %q not exposed", e.ToolName)
}

// HandleOther forwards any method not covered by the above rows as a
// call (spec §4.4's catch-all routing row).
func (p *Proxy) HandleOther(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	if p.backend.State() != backend.StateVerified {
		return nil, gatewayerr.New(gatewayerr.KindProxy, "proxy.HandleOther", fmt.Errorf("backend %q is not verified", p.backend.Name()))
	}
	client := p.backend.ClientHandle()
	if client == nil {
		return nil, gatewayerr.New(gatewayerr.KindProxy, "proxy.HandleOther", fmt.Errorf("backend %q has no active connection", p.backend.Name()))
	}
	return client.Call(ctx, method, params)
}
