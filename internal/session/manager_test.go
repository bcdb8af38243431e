package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, backendVerified BackendVerifiedFunc) *Manager {
	t.Helper()
	ids, err := NewIDManager("test-key", testLogger())
	require.NoError(t, err)
	idx, err := NewIndex(context.Background())
	require.NoError(t, err)
	return NewManager(ids, idx, backendVerified, testLogger())
}

func TestManagerCreateSeedsDiscoveryEvent(t *testing.T) {
	m := newTestManager(t, nil)
	s, err := m.Create(context.Background(), "echo-proxy", "127.0.0.1", "test-agent", "/echo-proxy/messages?sessionId=x")
	require.NoError(t, err)

	event, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "endpoint", event.Event)
}

func TestManagerGetUnknownSession(t *testing.T) {
	m := newTestManager(t, nil)
	_, ok := m.Get("nope")
	assert.False(t, ok)
}

func TestManagerDispatchUnknownSessionErrors(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.Dispatch("nope", OutboundEvent{Event: "message"})
	assert.Error(t, err)
}

func TestManagerEnqueueRespectsMaxQueueBound(t *testing.T) {
	m := newTestManager(t, nil)
	s, err := m.Create(context.Background(), "echo-proxy", "", "", "/msg")
	require.NoError(t, err)
	// drain the discovery event first
	_, _ = s.Dequeue()

	for i := 0; i < MaxQueue; i++ {
		require.NoError(t, s.Enqueue(OutboundEvent{Event: "message", Data: i}))
	}
	err = s.Enqueue(OutboundEvent{Event: "message", Data: "overflow"})
	assert.Error(t, err)
	assert.LessOrEqual(t, s.QueueLen(), MaxQueue)
}

func TestManagerDequeueIsFIFO(t *testing.T) {
	m := newTestManager(t, nil)
	s, err := m.Create(context.Background(), "echo-proxy", "", "", "/msg")
	require.NoError(t, err)
	_, _ = s.Dequeue() // discard discovery event

	require.NoError(t, s.Enqueue(OutboundEvent{Event: "message", Data: 1}))
	require.NoError(t, s.Enqueue(OutboundEvent{Event: "message", Data: 2}))
	require.NoError(t, s.Enqueue(OutboundEvent{Event: "message", Data: 3}))

	first, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 1, first.Data)
	second, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 2, second.Data)
	third, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 3, third.Data)
}

func TestManagerCloseIsIdempotentAndPropagatesCancellation(t *testing.T) {
	m := newTestManager(t, nil)
	s, err := m.Create(context.Background(), "echo-proxy", "", "", "/msg")
	require.NoError(t, err)

	done := s.Done()
	m.Close(s.ID)
	select {
	case <-done:
	default:
		t.Fatal("expected Done channel closed after Close")
	}
	assert.True(t, s.Closed())

	// second close must not panic (idempotent)
	assert.NotPanics(t, func() { m.Close(s.ID) })

	_, ok := m.Get(s.ID)
	assert.False(t, ok)
}

func TestManagerSweepReapsIdleSession(t *testing.T) {
	m := newTestManager(t, nil)
	s, err := m.Create(context.Background(), "echo-proxy", "", "", "/msg")
	require.NoError(t, err)
	s.MarkInitialized()
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-IdleTTL - time.Second)
	s.mu.Unlock()

	m.sweep()
	_, ok := m.Get(s.ID)
	assert.False(t, ok)
}

func TestManagerSweepReapsUninitializedPastInitDeadline(t *testing.T) {
	m := newTestManager(t, nil)
	s, err := m.Create(context.Background(), "echo-proxy", "", "", "/msg")
	require.NoError(t, err)
	s.CreatedAt = time.Now().Add(-InitDeadline - time.Second)

	m.sweep()
	_, ok := m.Get(s.ID)
	assert.False(t, ok)
}

func TestManagerSweepKeepsHealthySession(t *testing.T) {
	m := newTestManager(t, nil)
	s, err := m.Create(context.Background(), "echo-proxy", "", "", "/msg")
	require.NoError(t, err)
	s.MarkInitialized()

	m.sweep()
	_, ok := m.Get(s.ID)
	assert.True(t, ok)
}

func TestManagerSweepReapsOnBackendGraceExceeded(t *testing.T) {
	verified := false
	m := newTestManager(t, func(string) bool { return verified })
	s, err := m.Create(context.Background(), "echo-proxy", "", "", "/msg")
	require.NoError(t, err)
	s.MarkInitialized()

	// first sweep just starts the grace clock, session survives
	m.sweep()
	_, ok := m.Get(s.ID)
	require.True(t, ok)

	s.mu.Lock()
	s.backendUnverifiedSince = time.Now().Add(-BackendGrace - time.Second)
	s.mu.Unlock()

	m.sweep()
	_, ok = m.Get(s.ID)
	assert.False(t, ok)
}

func TestManagerCountForProxy(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Create(context.Background(), "proxy-a", "", "", "/msg")
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "proxy-a", "", "", "/msg")
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "proxy-b", "", "", "/msg")
	require.NoError(t, err)

	assert.Equal(t, 2, m.CountForProxy("proxy-a"))
	assert.Equal(t, 1, m.CountForProxy("proxy-b"))
}
