// Package backend owns the set of live Backend instances: the state
// machine, handshake, tool discovery, and restart/verify operations of
// spec §4.2's Backend Registry. It is grounded on the teacher's
// internal/broker/upstream.MCPManager (one manager per upstream server,
// periodic validation, tool-list diffing) and internal/broker/broker.go
// (multi-server registry, retry/backoff, tool-conflict detection,
// status rollup).
package backend

import (
	"sync"
	"time"

	"github.com/mcp-hub/gateway/internal/config"
	"github.com/mcp-hub/gateway/internal/transport"
)

// State is a Backend's position in the spec §3 state machine:
// Stopped -> Starting -> Running -> Verified -> {Running, Error, Stopped}.
type State string

const (
	StateStopped  State = "Stopped"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateVerified State = "Verified"
	StateError    State = "Error"
)

// Backend is a live instance bound to a BackendConfig (spec §3).
type Backend struct {
	mu sync.RWMutex

	config          *config.BackendConfig
	state           State
	lastError       error
	startedAt       time.Time
	handshakeResult *transport.HandshakeResult
	tools           []transport.ToolDef

	client transport.Client
}

// newBackend constructs a Stopped Backend for cfg.
func newBackend(cfg *config.BackendConfig) *Backend {
	return &Backend{config: cfg, state: StateStopped}
}

// Name returns the backend's stable configured name.
func (b *Backend) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config.Name
}

// State returns the backend's current state machine position.
func (b *Backend) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Config returns the backend's current configuration.
func (b *Backend) Config() *config.BackendConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config
}

// Tools returns a copy of the current tool catalog. Non-empty only once
// the backend has reached Verified at least once.
func (b *Backend) Tools() []transport.ToolDef {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]transport.ToolDef, len(b.tools))
	copy(out, b.tools)
	return out
}

// Handshake returns the last handshake result, or nil if no handshake has
// completed.
func (b *Backend) Handshake() *transport.HandshakeResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handshakeResult
}

// Snapshot is an immutable observability view of a Backend (spec §4.2's
// snapshot operation).
type Snapshot struct {
	Name            string
	State           State
	LastError       string
	StartedAt       time.Time
	ToolCount       int
	ProtocolVersion string
}

// Snapshot returns an immutable view of current state.
func (b *Backend) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Snapshot{
		Name:      b.config.Name,
		State:     b.state,
		StartedAt: b.startedAt,
		ToolCount: len(b.tools),
	}
	if b.lastError != nil {
		s.LastError = b.lastError.Error()
	}
	if b.handshakeResult != nil {
		s.ProtocolVersion = b.handshakeResult.ProtocolVersion
	}
	return s
}

func (b *Backend) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

func (b *Backend) setError(s State, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	b.lastError = err
}

func (b *Backend) setVerified(hr *transport.HandshakeResult, tools []transport.ToolDef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateVerified
	b.handshakeResult = hr
	b.tools = tools
	b.lastError = nil
}

func (b *Backend) setRunningWithError(hr *transport.HandshakeResult, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateRunning
	b.handshakeResult = hr
	b.lastError = err
}

// SetVerifiedForTesting seeds a Backend directly into Verified state
// with the given handshake result and tool catalog, bypassing the
// normal Registry.Start flow. Only for use in other packages' tests.
func (b *Backend) SetVerifiedForTesting(hr *transport.HandshakeResult, tools []transport.ToolDef) {
	b.setVerified(hr, tools)
}

// SetClientHandleForTesting seeds a Backend's transport client handle
// directly. Only for use in other packages' tests.
func (b *Backend) SetClientHandleForTesting(c transport.Client) {
	b.setClientHandle(c)
}

func (b *Backend) clientHandle() transport.Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client
}

// ClientHandle returns the backend's current transport client handle, or
// nil if not connected. Used by the Proxy Engine (C4) to forward calls.
func (b *Backend) ClientHandle() transport.Client {
	return b.clientHandle()
}

func (b *Backend) setClientHandle(c transport.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = c
}

// protocolPreferenceList is R_PRIMARY then R_FALLBACK per spec §4.2.
func protocolPreferenceList() []string {
	return []string{rPrimary, rFallback}
}

const (
	rPrimary  = "2025-03-26"
	rFallback = "2024-11-05"
)
