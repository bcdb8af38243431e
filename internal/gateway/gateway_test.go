package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-hub/gateway/internal/config"
	"github.com/mcp-hub/gateway/internal/proxy"
	"github.com/mcp-hub/gateway/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func newTestGateway(t *testing.T, backendsJSON, proxiesJSON string) *Gateway {
	t.Helper()
	dir := t.TempDir()
	backendsPath := writeFile(t, dir, "backends.json", backendsJSON)
	proxiesPath := writeFile(t, dir, "proxies.json", proxiesJSON)

	g, err := New(Options{
		BackendsConfigPath: backendsPath,
		ProxiesConfigPath:  proxiesPath,
		CredentialMount:    t.TempDir(),
		SessionSigningKey:  "test-signing-key",
		Logger:             testLogger(),
	})
	require.NoError(t, err)
	return g
}

type fakeClient struct{}

func (c *fakeClient) Handshake(context.Context, []string) (*transport.HandshakeResult, error) {
	return &transport.HandshakeResult{ProtocolVersion: "2025-03-26"}, nil
}
func (c *fakeClient) ListTools(context.Context) ([]transport.ToolDef, error) {
	return []transport.ToolDef{{Name: "a"}}, nil
}
func (c *fakeClient) CallTool(context.Context, string, map[string]interface{}) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (c *fakeClient) Call(context.Context, string, map[string]interface{}) (interface{}, error) {
	return "ok", nil
}
func (c *fakeClient) Notify(context.Context, string, map[string]interface{}) error { return nil }
func (c *fakeClient) Subscribe() <-chan mcp.JSONRPCNotification                    { return nil }
func (c *fakeClient) Close() error                                                 { return nil }

const singleBackendJSON = `{
	"backends": {
		"echo": {
			"name": "echo",
			"transport": "LOCAL",
			"command": "echo-server",
			"auto_start": false
		}
	}
}`

const singleProxyJSON = `{
	"proxies": {
		"echo-proxy": {
			"name": "echo-proxy",
			"backend_name": "echo",
			"endpoint": "/echo",
			"transport": "EVENT",
			"auto_start": false
		}
	}
}`

func TestLoadAndReconcileCreatesBackendAndProxy(t *testing.T) {
	g := newTestGateway(t, singleBackendJSON, singleProxyJSON)
	require.NoError(t, g.Load())

	g.OnConfigChange(context.Background(), g.loader.Document())

	_, ok := g.Backends().Get("echo")
	require.True(t, ok)

	p, ok := g.Proxy("echo-proxy")
	require.True(t, ok)
	assert.Equal(t, "echo", p.BackendName())
}

func TestOnConfigChangeRemovesStaleEntries(t *testing.T) {
	g := newTestGateway(t, singleBackendJSON, singleProxyJSON)
	require.NoError(t, g.Load())
	g.OnConfigChange(context.Background(), g.loader.Document())

	_, ok := g.Proxy("echo-proxy")
	require.True(t, ok)

	empty := &config.Document{Backends: map[string]*config.BackendConfig{}, Proxies: map[string]*config.ProxyConfig{}}
	g.OnConfigChange(context.Background(), empty)

	_, ok = g.Proxy("echo-proxy")
	assert.False(t, ok)
	_, ok = g.Backends().Get("echo")
	assert.False(t, ok)
}

func TestStatusEndpointReflectsRegisteredBackends(t *testing.T) {
	g := newTestGateway(t, singleBackendJSON, singleProxyJSON)
	require.NoError(t, g.Load())
	g.OnConfigChange(context.Background(), g.loader.Document())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"echo"`)
}

func TestOnBackendVerifiedInvalidatesBoundProxyCache(t *testing.T) {
	g := newTestGateway(t, singleBackendJSON, singleProxyJSON)
	require.NoError(t, g.Load())
	g.OnConfigChange(context.Background(), g.loader.Document())

	p, ok := g.Proxy("echo-proxy")
	require.True(t, ok)
	// Fill the proxy's tool cache while the backend has no tools yet.
	assert.Empty(t, p.EffectiveTools())

	b, ok := g.Backends().Get("echo")
	require.True(t, ok)
	b.SetClientHandleForTesting(&fakeClient{})
	require.NoError(t, g.Backends().Start(context.Background(), "echo"))

	p.Start()

	tools := p.EffectiveTools()
	assert.Len(t, tools, 1)
}

func TestRunAutoStartBringsUpDependentBackendAndProxy(t *testing.T) {
	backendsJSON := `{
		"backends": {
			"base": {"name": "base", "transport": "LOCAL", "command": "base-server", "auto_start": true},
			"echo": {"name": "echo", "transport": "LOCAL", "command": "echo-server", "auto_start": true, "depends_on": ["base"]}
		}
	}`
	proxiesJSON := `{
		"proxies": {
			"echo-proxy": {"name": "echo-proxy", "backend_name": "echo", "endpoint": "/echo", "transport": "EVENT", "auto_start": true}
		}
	}`
	g := newTestGateway(t, backendsJSON, proxiesJSON)
	require.NoError(t, g.Load())
	g.OnConfigChange(context.Background(), g.loader.Document())

	for _, name := range []string{"base", "echo"} {
		b, ok := g.Backends().Get(name)
		require.True(t, ok)
		b.SetClientHandleForTesting(&fakeClient{})
	}

	res, err := g.RunAutoStart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.BackendsStarted)
	assert.Equal(t, 0, res.BackendsFailed)
	assert.Equal(t, 1, res.ProxiesStarted)

	p, ok := g.Proxy("echo-proxy")
	require.True(t, ok)
	assert.Equal(t, proxy.StateRunning, p.State())
}
