package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcp-hub/gateway/internal/gatewayerr"
)

// Defaults from spec §4.5.
const (
	ReapInterval = 60 * time.Second
	IdleTTL      = 300 * time.Second
	InitDeadline = 30 * time.Second
	BackendGrace = 30 * time.Second
)

// ErrUnknownSession is returned (wrapped in a gatewayerr) by Dispatch when
// sessionID names no live session. Exported so internal/ingress can match
// it with errors.Is to produce the spec §6 404-equivalent response.
var ErrUnknownSession = fmt.Errorf("unknown session")

// BackendVerifiedFunc reports whether the backend bound to proxyName is
// currently Verified, consulted by the reap sweeper (spec §4.5's
// BACKEND_GRACE rule) without the session package depending on
// internal/backend directly.
type BackendVerifiedFunc func(proxyName string) bool

// Manager owns every open Session (spec §4.5, C5), generalizing the
// teacher's per-upstream session cache (internal/session/cache.go) into
// a single process-wide registry keyed by session id, and its JWT
// manager (internal/session/jwt.go) into id minting.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ids             *IDManager
	index           *Index
	backendVerified BackendVerifiedFunc
	logger          *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager constructs a Manager. backendVerified may be nil, in which
// case the BACKEND_GRACE reap rule never fires (useful in tests that
// don't wire a Backend Registry).
func NewManager(ids *IDManager, index *Index, backendVerified BackendVerifiedFunc, logger *slog.Logger) *Manager {
	return &Manager{
		sessions:        make(map[string]*Session),
		ids:             ids,
		index:           index,
		backendVerified: backendVerified,
		logger:          logger,
		stopCh:          make(chan struct{}),
	}
}

// Create allocates a new Session for a client opening an EVENT stream on
// a Running proxy (spec §4.5 steps 2-3: admission is assumed to have
// already passed — the caller, C7/C8, is responsible for that check
// before calling Create). messageEndpointBase is the proxy's message
// path without a session id (e.g. "/echo-proxy/messages"); the initial
// pendingQueue carries the discovery event pointing the client at
// "<messageEndpointBase>?sessionId=<id>", since the id only exists once
// Create has minted it.
func (m *Manager) Create(ctx context.Context, proxyName, clientAddr, userAgent, messageEndpointBase string) (*Session, error) {
	id, err := m.ids.Generate()
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindSession, "session.Create", err)
	}

	s := newSession(id, proxyName, clientAddr, userAgent)
	_ = s.Enqueue(OutboundEvent{Event: "endpoint", Data: fmt.Sprintf("%s?sessionId=%s", messageEndpointBase, id)})

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if m.index != nil {
		if err := m.index.Put(ctx, id, proxyName); err != nil {
			m.logger.Warn("session index put failed", "session", id, "error", err)
		}
	}
	return s, nil
}

// Get returns the live Session for id, if any. Unknown ids are the
// caller's cue to respond 404-equivalent (spec §4.5).
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// CountForProxy reports how many live sessions are currently bound to
// proxyName. C8's admission check keeps its own per-proxy count and does
// not call this.
func (m *Manager) CountForProxy(proxyName string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.ProxyName == proxyName {
			n++
		}
	}
	return n
}

// Dispatch resolves sessionID and enqueues event for delivery on its
// outbound stream (spec §4.5: "the response ... is enqueued onto this
// session's pendingQueue"). Returns a KindSession error if sessionID is
// unknown.
func (m *Manager) Dispatch(sessionID string, event OutboundEvent) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return gatewayerr.New(gatewayerr.KindSession, "session.Dispatch", ErrUnknownSession)
	}
	return s.Enqueue(event)
}

// Close removes and closes the Session for id. Idempotent: closing an
// already-closed or unknown session is not an error.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	if m.index != nil {
		if err := m.index.Remove(context.Background(), id); err != nil {
			m.logger.Warn("session index remove failed", "session", id, "error", err)
		}
	}
}

// Count returns the number of currently live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Run starts the idle-reap sweeper (spec §4.5) and blocks until ctx is
// canceled or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Stop halts the reap sweeper started by Run.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// sweep closes every session that violates an idle/init/backend-grace
// rule (spec §4.5). Evaluated as a snapshot to avoid holding the
// registry lock across per-session closes.
func (m *Manager) sweep() {
	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	for _, s := range candidates {
		if reason, shouldReap := m.reapReason(s); shouldReap {
			m.logger.Info("reaping session", "session", s.ID, "proxy", s.ProxyName, "reason", reason)
			m.Close(s.ID)
		}
	}
}

func (m *Manager) reapReason(s *Session) (reason string, shouldReap bool) {
	if s.IdleFor() > IdleTTL {
		return "idle_ttl", true
	}
	if !s.Initialized() && s.Age() > InitDeadline {
		return "init_deadline", true
	}
	if m.backendVerified != nil {
		verified := m.backendVerified(s.ProxyName)
		if s.NoteBackendVerified(verified, BackendGrace) {
			return "backend_grace", true
		}
	}
	return "", false
}
