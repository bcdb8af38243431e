package backend

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-hub/gateway/internal/config"
	"github.com/mcp-hub/gateway/internal/credentials"
	"github.com/mcp-hub/gateway/internal/transport"
)

// fakeClient is a deterministic stand-in for a transport.Client, letting
// registry tests exercise the state machine without real network I/O.
type fakeClient struct {
	handshakeErr error
	listToolsErr atomic.Value // holds error, nil means success
	tools        []transport.ToolDef
	closed       atomic.Bool
}

func newFakeClient(tools []transport.ToolDef) *fakeClient {
	c := &fakeClient{tools: tools}
	c.listToolsErr.Store(errHolder{})
	return c
}

type errHolder struct{ err error }

func (c *fakeClient) setListToolsErr(err error) { c.listToolsErr.Store(errHolder{err: err}) }

func (c *fakeClient) Handshake(context.Context, []string) (*transport.HandshakeResult, error) {
	if c.handshakeErr != nil {
		return nil, c.handshakeErr
	}
	return &transport.HandshakeResult{ProtocolVersion: rPrimary}, nil
}

func (c *fakeClient) ListTools(context.Context) ([]transport.ToolDef, error) {
	if h, ok := c.listToolsErr.Load().(errHolder); ok && h.err != nil {
		return nil, h.err
	}
	return c.tools, nil
}

func (c *fakeClient) CallTool(context.Context, string, map[string]interface{}) (*mcp.CallToolResult, error) {
	return nil, nil
}
func (c *fakeClient) Call(context.Context, string, map[string]interface{}) (interface{}, error) {
	return nil, nil
}
func (c *fakeClient) Notify(context.Context, string, map[string]interface{}) error { return nil }
func (c *fakeClient) Subscribe() <-chan mcp.JSONRPCNotification                     { return nil }
func (c *fakeClient) Close() error                                                  { c.closed.Store(true); return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(credentials.NewResolver(t.TempDir()), testLogger())
}

func TestRegistryCreateRejectsDuplicateName(t *testing.T) {
	r := newTestRegistry(t)
	cfg := &config.BackendConfig{Name: "echo", Transport: config.TransportLocal, Command: "echo"}
	require.NoError(t, r.Create(cfg))
	assert.Error(t, r.Create(cfg))
}

func TestRegistryStartBackendVerifiesOnSuccess(t *testing.T) {
	r := newTestRegistry(t)
	cfg := &config.BackendConfig{Name: "echo"}
	require.NoError(t, r.Create(cfg))

	b, _ := r.Get("echo")
	fc := newFakeClient([]transport.ToolDef{{Name: "t1"}})
	b.setClientHandle(fc)

	require.NoError(t, r.startBackend(context.Background(), b))
	assert.Equal(t, StateVerified, b.State())
	assert.Len(t, b.Tools(), 1)
}

func TestRegistryStartTransportFailureSetsError(t *testing.T) {
	r := newTestRegistry(t)
	cfg := &config.BackendConfig{Name: "bad", Transport: config.Transport("WEIRD")}
	require.NoError(t, r.Create(cfg))

	err := r.Start(context.Background(), "bad")
	assert.Error(t, err)
	snap, ok := r.Snapshot("bad")
	require.True(t, ok)
	assert.Equal(t, StateError, snap.State)
}

func TestRegistryVerifyNotifiesListeners(t *testing.T) {
	r := newTestRegistry(t)
	cfg := &config.BackendConfig{Name: "echo"}
	require.NoError(t, r.Create(cfg))
	b, _ := r.Get("echo")
	fc := newFakeClient([]transport.ToolDef{{Name: "t1"}})
	b.setClientHandle(fc)
	b.setVerified(&transport.HandshakeResult{ProtocolVersion: rPrimary}, nil)

	var mu sync.Mutex
	var notified []string
	r.OnVerified(func(name string) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, name)
	})

	require.NoError(t, r.Verify(context.Background(), "echo"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"echo"}, notified)
}

func TestRegistryStopClosesClient(t *testing.T) {
	r := newTestRegistry(t)
	cfg := &config.BackendConfig{Name: "echo"}
	require.NoError(t, r.Create(cfg))
	b, _ := r.Get("echo")
	fc := newFakeClient(nil)
	b.setClientHandle(fc)
	b.setVerified(&transport.HandshakeResult{}, nil)

	require.NoError(t, r.Stop("echo"))
	assert.True(t, fc.closed.Load())
	assert.Equal(t, StateStopped, b.State())
}

func TestValidateAllDetectsToolConflicts(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Create(&config.BackendConfig{Name: "a"}))
	require.NoError(t, r.Create(&config.BackendConfig{Name: "b"}))

	ba, _ := r.Get("a")
	ba.setVerified(&transport.HandshakeResult{}, []transport.ToolDef{{Name: "shared"}})
	bb, _ := r.Get("b")
	bb.setVerified(&transport.HandshakeResult{}, []transport.ToolDef{{Name: "shared"}})

	resp := r.ValidateAll()
	assert.False(t, resp.OverallValid)
	assert.Equal(t, 2, resp.TotalBackends)
	assert.True(t, resp.ToolConflicts >= 2)
}

func TestValidateAllHealthyWhenAllVerifiedNoConflicts(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Create(&config.BackendConfig{Name: "a"}))
	ba, _ := r.Get("a")
	ba.setVerified(&transport.HandshakeResult{}, []transport.ToolDef{{Name: "only"}})

	resp := r.ValidateAll()
	assert.True(t, resp.OverallValid)
	assert.Equal(t, 1, resp.HealthyBackends)
	assert.Equal(t, 0, resp.UnhealthyBackends)
}
