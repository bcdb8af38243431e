// Package session implements the EVENT-transport Session Manager (spec
// §4.5, C5): per-session bounded outbound queues, idle/init-deadline
// reaping, and JWT-backed session identity. Grounded on the teacher's
// internal/session/jwt.go (JWT session-id generation/validation) and
// internal/session/cache.go (in-memory-or-redis session store),
// generalized from "server id -> server session id" fan-out to the
// gateway's single EVENT-session-per-client model.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/mcp-hub/gateway/internal/gatewayerr"
)

var (
	errSessionClosed = errors.New("session closed")
	errQueueOverflow = errors.New("pending queue overflow")
)

// OutboundEvent is one frame written to a session's SSE stream. Event is
// "endpoint" for the one-time discovery frame (spec §4.5 rule 2) or
// "message" for a JSON-RPC envelope; Data carries the frame payload.
type OutboundEvent struct {
	Event string
	Data  interface{}
}

// MaxQueue is the default bound on a session's pendingQueue (spec §4.5
// rule 3, P1): Enqueue refuses past this bound rather than growing memory
// without bound, and internal/ingress's message handler closes the
// session on that error.
const MaxQueue = 1024

// Metrics are the spec §4.6 per-session heartbeat counters, owned by
// the Session but mutated by the Heartbeat Controller (C6).
type Metrics struct {
	mu sync.Mutex

	HeartbeatsSent        int
	HeartbeatsFailed      int
	ConsecutiveFailures   int
	LastRTT               time.Duration
	rttSamples            []time.Duration
}

const rttWindow = 64

// RecordSuccess records a successful heartbeat RTT sample, resetting the
// consecutive-failure counter.
func (m *Metrics) RecordSuccess(rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatsSent++
	m.ConsecutiveFailures = 0
	m.LastRTT = rtt
	m.rttSamples = append(m.rttSamples, rtt)
	if len(m.rttSamples) > rttWindow {
		m.rttSamples = m.rttSamples[len(m.rttSamples)-rttWindow:]
	}
}

// RecordFailure records a failed heartbeat attempt and returns the
// updated consecutive-failure count.
func (m *Metrics) RecordFailure() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatsSent++
	m.HeartbeatsFailed++
	m.ConsecutiveFailures++
	return m.ConsecutiveFailures
}

// AverageRTT returns the mean RTT over the sliding sample window, or 0
// if no samples have been recorded yet.
func (m *Metrics) AverageRTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rttSamples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range m.rttSamples {
		total += s
	}
	return total / time.Duration(len(m.rttSamples))
}

// Snapshot returns the counters the Heartbeat Controller's N=6-tick
// adaptation rule needs in one consistent read.
func (m *Metrics) Snapshot() (sent, failed int, avgRTT time.Duration) {
	m.mu.Lock()
	sent, failed = m.HeartbeatsSent, m.HeartbeatsFailed
	var total time.Duration
	for _, s := range m.rttSamples {
		total += s
	}
	if len(m.rttSamples) > 0 {
		avgRTT = total / time.Duration(len(m.rttSamples))
	}
	m.mu.Unlock()
	return sent, failed, avgRTT
}

// Session is a live EVENT-transport client connection (spec §3).
type Session struct {
	mu sync.Mutex

	ID         string
	ProxyName  string
	ClientAddr string
	UserAgent  string

	CreatedAt    time.Time
	lastActivity time.Time
	initialized  bool

	pendingQueue           []OutboundEvent
	closed                 bool
	closeCh                chan struct{}
	notifyCh               chan struct{}
	backendUnverifiedSince time.Time

	Metrics          Metrics
	AdaptiveInterval time.Duration
}

// DefaultHeartbeatInterval is the spec §4.6 initial adaptiveInterval.
const DefaultHeartbeatInterval = 10 * time.Second

// newSession constructs a fresh, open Session.
func newSession(id, proxyName, clientAddr, userAgent string) *Session {
	now := time.Now()
	return &Session{
		ID:               id,
		ProxyName:        proxyName,
		ClientAddr:       clientAddr,
		UserAgent:        userAgent,
		CreatedAt:        now,
		lastActivity:     now,
		closeCh:          make(chan struct{}),
		notifyCh:         make(chan struct{}, 1),
		AdaptiveInterval: DefaultHeartbeatInterval,
	}
}

// Enqueue appends msg to the session's outbound FIFO (spec §4.5 rule 3).
// Returns a KindSession queue-overflow error once length would exceed
// MaxQueue. Enqueue does not close the session itself; internal/ingress's
// message handler closes it on this error.
func (s *Session) Enqueue(event OutboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gatewayerr.New(gatewayerr.KindSession, "session.Enqueue", errSessionClosed)
	}
	if len(s.pendingQueue) >= MaxQueue {
		return gatewayerr.New(gatewayerr.KindSession, "session.Enqueue", errQueueOverflow)
	}
	s.pendingQueue = append(s.pendingQueue, event)
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
	return nil
}

// Notify returns a channel that receives a signal whenever Enqueue adds
// a message, so the writer task (internal/ingress) can block instead of
// polling. The channel is buffered; a missed receive is harmless since
// the writer always drains with Dequeue in a loop until empty.
func (s *Session) Notify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyCh
}

// Dequeue pops the oldest pending message in FIFO order, or returns
// ok=false if the queue is empty. Called by the writer task.
func (s *Session) Dequeue() (OutboundEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingQueue) == 0 {
		return OutboundEvent{}, false
	}
	msg := s.pendingQueue[0]
	s.pendingQueue = s.pendingQueue[1:]
	return msg, true
}

// QueueLen reports the current pendingQueue length (P1 invariant check).
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingQueue)
}

// Touch records client activity, resetting the idle-reap clock.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// MarkInitialized records that this session's client completed a
// successful initialize call (spec §3: gates the INIT_DEADLINE reap).
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
}

// Initialized reports whether MarkInitialized has been called.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// IdleFor returns how long it has been since the last recorded activity.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Age returns how long ago the session was created.
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// Done returns a channel closed when the session is closed, for readers/
// writers/heartbeat tasks to select on (spec §5: cancellation propagates
// to all three, all must exit before the record is freed).
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCh
}

// close marks the session closed and signals Done, idempotently.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closeCh)
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// NoteBackendVerified records the latest Verified-ness of this session's
// backend and reports whether BACKEND_GRACE has elapsed since it first
// left Verified (spec §4.5: "closed if its backend leaves Verified and
// remains so for longer than BACKEND_GRACE").
func (s *Session) NoteBackendVerified(verified bool, grace time.Duration) (graceExceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if verified {
		s.backendUnverifiedSince = time.Time{}
		return false
	}
	if s.backendUnverifiedSince.IsZero() {
		s.backendUnverifiedSince = time.Now()
		return false
	}
	return time.Since(s.backendUnverifiedSince) > grace
}
