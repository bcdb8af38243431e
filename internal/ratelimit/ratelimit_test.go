package ratelimit

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		MaxSessionsPerClient: 3,
		MaxSessionsPerProxy:  5,
		CreationWindow:       100 * time.Millisecond,
		BurstAllowance:       1,
	}
}

func TestAllowUnderCapsSucceeds(t *testing.T) {
	a := New(testConfig(), testLogger())
	require.NoError(t, a.Allow("client-a", "proxy-1"))
	require.NoError(t, a.Allow("client-a", "proxy-1"))
}

func TestAllowRejectsAtClientCapPlusOne(t *testing.T) {
	a := New(testConfig(), testLogger())
	cfg := testConfig()
	for i := 0; i < cfg.MaxSessionsPerClient; i++ {
		require.NoError(t, a.Allow("client-a", "proxy-1"))
	}
	err := a.Allow("client-a", "proxy-1")
	assert.Error(t, err)

	violations := a.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, KindPerClientCap, violations[0].Kind)
}

func TestAllowRejectsAtProxyCap(t *testing.T) {
	cfg := Config{
		MaxSessionsPerClient: 100,
		MaxSessionsPerProxy:  2,
		CreationWindow:       time.Second,
		BurstAllowance:       100,
	}
	a := New(cfg, testLogger())
	require.NoError(t, a.Allow("client-a", "proxy-1"))
	require.NoError(t, a.Allow("client-b", "proxy-1"))

	err := a.Allow("client-c", "proxy-1")
	assert.Error(t, err)

	violations := a.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, KindPerProxyCap, violations[0].Kind)
}

func TestAllowRejectsOnBurstWindow(t *testing.T) {
	cfg := Config{
		MaxSessionsPerClient: 100,
		MaxSessionsPerProxy:  100,
		CreationWindow:       time.Hour,
		BurstAllowance:       2,
	}
	a := New(cfg, testLogger())

	// burstCap = MaxSessionsPerClient(100) + BurstAllowance(2), but the
	// client cap of 100 would trip first unless we release between
	// creates, so lower the client cap for this test case instead.
	cfg.MaxSessionsPerClient = 2
	a.SetConfig(cfg)

	require.NoError(t, a.Allow("client-a", "proxy-1"))
	a.Release("client-a", "proxy-1")
	require.NoError(t, a.Allow("client-a", "proxy-1"))
	a.Release("client-a", "proxy-1")
	// two creations recorded in the burst window (client cap released
	// each time so only the burst-window check remains binding); the
	// client cap of 2 plus the allowance of 2 gives a burst cap of 4, so
	// two more should still pass.
	require.NoError(t, a.Allow("client-a", "proxy-1"))
	a.Release("client-a", "proxy-1")
	require.NoError(t, a.Allow("client-a", "proxy-1"))
	a.Release("client-a", "proxy-1")

	err := a.Allow("client-a", "proxy-1")
	assert.Error(t, err)

	violations := a.Violations()
	require.NotEmpty(t, violations)
	assert.Equal(t, KindBurstWindow, violations[len(violations)-1].Kind)
}

func TestBurstWindowRollsOver(t *testing.T) {
	cfg := Config{
		MaxSessionsPerClient: 1,
		MaxSessionsPerProxy:  100,
		CreationWindow:       20 * time.Millisecond,
		BurstAllowance:       0,
	}
	a := New(cfg, testLogger())

	require.NoError(t, a.Allow("client-a", "proxy-1"))
	a.Release("client-a", "proxy-1")

	err := a.Allow("client-a", "proxy-1")
	assert.Error(t, err, "second creation within the window should trip the burst cap")

	time.Sleep(30 * time.Millisecond)

	err = a.Allow("client-a", "proxy-1")
	assert.NoError(t, err, "creation after the window rolls over should be allowed again")
}

func TestReleaseFreesProxyAndClientSlots(t *testing.T) {
	cfg := Config{
		MaxSessionsPerClient: 1,
		MaxSessionsPerProxy:  1,
		CreationWindow:       time.Second,
		// burst cap 2, so the post-Release creation is not the one that
		// trips the burst window.
		BurstAllowance: 1,
	}
	a := New(cfg, testLogger())

	require.NoError(t, a.Allow("client-a", "proxy-1"))
	assert.Error(t, a.Allow("client-a", "proxy-1"))

	a.Release("client-a", "proxy-1")
	assert.NoError(t, a.Allow("client-a", "proxy-1"))
}

func TestSeverityEscalatesWithOverage(t *testing.T) {
	assert.Equal(t, SeverityLow, severityFor(10, 10))
	assert.Equal(t, SeverityMedium, severityFor(13, 10))
	assert.Equal(t, SeverityHigh, severityFor(17, 10))
	assert.Equal(t, SeverityCritical, severityFor(25, 10))
}

func TestViolationsPruneOlderThanRetentionWindow(t *testing.T) {
	a := New(testConfig(), testLogger())
	now := time.Now()
	a.mu.Lock()
	a.violations = []Violation{
		{Timestamp: now.Add(-2 * violationRetention), Kind: KindPerClientCap},
		{Timestamp: now, Kind: KindPerProxyCap},
	}
	a.mu.Unlock()

	violations := a.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, KindPerProxyCap, violations[0].Kind)
}
