// Package ratelimit implements Rate Limit & Admission (spec §4.8, C8):
// per-client-IP and per-proxy session caps plus a rolling creation-burst
// window, with a bounded, time-retained violation log.
//
// No example repo in the reference pack ships a rate-limiting library
// (no golang.org/x/time/rate, no token-bucket package); this stays on
// the standard library (sync, time) the way the teacher's own counters
// in internal/broker do for similar bookkeeping.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcp-hub/gateway/internal/gatewayerr"
)

// Defaults from spec §4.8.
const (
	DefaultMaxSessionsPerClient = 10
	DefaultMaxSessionsPerProxy  = 50
	DefaultCreationWindow       = 60 * time.Second
	DefaultBurstAllowance       = 3

	violationRetention = 1 * time.Hour
)

// Severity classifies how far an admission rejection exceeded its
// threshold, per spec §4.8 ("severity based on how far over the
// threshold").
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Kind identifies which admission rule rejected a session-creation
// request.
type Kind string

const (
	KindPerClientCap Kind = "per_client_cap"
	KindPerProxyCap  Kind = "per_proxy_cap"
	KindBurstWindow  Kind = "burst_window"
)

// Violation is one recorded admission rejection (spec §3 RateLimitState).
type Violation struct {
	Timestamp  time.Time
	ClientAddr string
	ProxyName  string
	Kind       Kind
	Severity   Severity
}

// Config holds the spec §4.8 runtime-adjustable thresholds.
type Config struct {
	MaxSessionsPerClient int
	MaxSessionsPerProxy  int
	CreationWindow       time.Duration
	BurstAllowance       int
}

// DefaultConfig returns the spec §4.8 defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessionsPerClient: DefaultMaxSessionsPerClient,
		MaxSessionsPerProxy:  DefaultMaxSessionsPerProxy,
		CreationWindow:       DefaultCreationWindow,
		BurstAllowance:       DefaultBurstAllowance,
	}
}

type clientState struct {
	sessionCount  int
	creationTimes []time.Time // ring of recent session-creation timestamps, pruned to CreationWindow
}

// Metrics receives observability events from Admission decisions. Nil by
// default (SetMetrics is optional); internal/metrics supplies the
// Prometheus-backed implementation wired in by internal/gateway.
type Metrics interface {
	ObserveRejection(kind Kind, severity Severity)
	ObserveAllowed()
}

// Admission enforces spec §4.8's per-client/per-proxy caps and creation
// burst window, and retains recent violations for observability.
type Admission struct {
	mu sync.Mutex

	cfg Config

	clients           map[string]*clientState
	proxySessionCount map[string]int
	violations        []Violation

	logger  *slog.Logger
	metrics Metrics
}

// New constructs an Admission controller.
func New(cfg Config, logger *slog.Logger) *Admission {
	return &Admission{
		cfg:               cfg,
		clients:           make(map[string]*clientState),
		proxySessionCount: make(map[string]int),
		logger:            logger,
	}
}

// SetMetrics wires an observability sink; passing nil (the default)
// disables metrics recording entirely.
func (a *Admission) SetMetrics(m Metrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = m
}

// SetConfig swaps the active thresholds, supporting spec §4.8's
// "adjustable at runtime" requirement.
func (a *Admission) SetConfig(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
}

// Allow evaluates a session-creation request for clientAddr against
// proxyName. On success it reserves the slot (caller must call Release
// when the session closes). On rejection it records a Violation and
// returns a KindSession gatewayerr.
func (a *Admission) Allow(clientAddr, proxyName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cs, ok := a.clients[clientAddr]
	if !ok {
		cs = &clientState{}
		a.clients[clientAddr] = cs
	}

	now := time.Now()
	cs.creationTimes = pruneOlderThan(cs.creationTimes, now, a.cfg.CreationWindow)

	if cs.sessionCount >= a.cfg.MaxSessionsPerClient {
		a.recordViolation(now, clientAddr, proxyName, KindPerClientCap,
			severityFor(cs.sessionCount, a.cfg.MaxSessionsPerClient))
		return a.rejectError(clientAddr, proxyName, KindPerClientCap)
	}

	if a.proxySessionCount[proxyName] >= a.cfg.MaxSessionsPerProxy {
		a.recordViolation(now, clientAddr, proxyName, KindPerProxyCap,
			severityFor(a.proxySessionCount[proxyName], a.cfg.MaxSessionsPerProxy))
		return a.rejectError(clientAddr, proxyName, KindPerProxyCap)
	}

	burstCap := a.cfg.MaxSessionsPerClient + a.cfg.BurstAllowance
	if len(cs.creationTimes) >= burstCap {
		a.recordViolation(now, clientAddr, proxyName, KindBurstWindow,
			severityFor(len(cs.creationTimes), burstCap))
		return a.rejectError(clientAddr, proxyName, KindBurstWindow)
	}

	cs.sessionCount++
	cs.creationTimes = append(cs.creationTimes, now)
	a.proxySessionCount[proxyName]++
	if a.metrics != nil {
		a.metrics.ObserveAllowed()
	}
	return nil
}

// Release returns a previously-allowed session's slot, called when the
// session closes.
func (a *Admission) Release(clientAddr, proxyName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cs, ok := a.clients[clientAddr]; ok && cs.sessionCount > 0 {
		cs.sessionCount--
	}
	if n := a.proxySessionCount[proxyName]; n > 0 {
		a.proxySessionCount[proxyName] = n - 1
	}
}

// Violations returns a copy of the violation log within the retention
// window (spec §3: "bounded ring ... for recent 1-hour window").
func (a *Admission) Violations() []Violation {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.violations = pruneViolations(a.violations, time.Now())
	out := make([]Violation, len(a.violations))
	copy(out, a.violations)
	return out
}

func (a *Admission) recordViolation(now time.Time, clientAddr, proxyName string, kind Kind, sev Severity) {
	a.violations = pruneViolations(a.violations, now)
	a.violations = append(a.violations, Violation{
		Timestamp:  now,
		ClientAddr: clientAddr,
		ProxyName:  proxyName,
		Kind:       kind,
		Severity:   sev,
	})
	a.logger.Warn("admission rejected", "client", clientAddr, "proxy", proxyName, "kind", kind, "severity", sev)
	if a.metrics != nil {
		a.metrics.ObserveRejection(kind, sev)
	}
}

// RejectedError is the concrete cause wrapped inside the gatewayerr
// returned by a rejected Allow call. Exported so internal/ingress can
// distinguish an admission rejection (HTTP 429) from an unknown-session
// lookup (HTTP 404), both of which surface as KindSession.
type RejectedError struct {
	ClientAddr string
	ProxyName  string
	Kind       Kind
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("admission rejected for client %q on proxy %q: %s", e.ClientAddr, e.ProxyName, e.Kind)
}

func (a *Admission) rejectError(clientAddr, proxyName string, kind Kind) error {
	return gatewayerr.New(gatewayerr.KindSession, "ratelimit.Allow",
		&RejectedError{ClientAddr: clientAddr, ProxyName: proxyName, Kind: kind})
}

// severityFor buckets how far over a threshold the offending count is.
func severityFor(count, limit int) Severity {
	if limit <= 0 {
		return SeverityCritical
	}
	ratio := float64(count) / float64(limit)
	switch {
	case ratio < 1.25:
		return SeverityLow
	case ratio < 1.5:
		return SeverityMedium
	case ratio < 2.0:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

func pruneOlderThan(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}

func pruneViolations(v []Violation, now time.Time) []Violation {
	cutoff := now.Add(-violationRetention)
	i := 0
	for i < len(v) && v[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return v
	}
	return append([]Violation(nil), v[i:]...)
}
