// Package heartbeat implements the Heartbeat Controller (spec §4.6, C6):
// a per-EVENT-session ticker that sends a "ping" request on the
// outbound stream, adapts its interval to observed error rate and RTT,
// and triggers a reap after three consecutive failures. Grounded on
// other_examples/ea10e8c2_yduwcui-ai-gateway's streamNotifications
// heartbeat ticker (fixed-interval server->client ping with a unique
// per-ping request id), generalized here to an adaptive per-session
// interval and explicit pong-matching instead of a fire-and-forget tick.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcp-hub/gateway/internal/session"
)

// Bounds and cadence from spec §4.6.
const (
	InitialInterval = 10 * time.Second
	MinInterval     = 5 * time.Second
	MaxInterval     = 30 * time.Second
	EvalEveryTicks  = 6

	// SendTimeout is the spec §5 EVENT heartbeat send deadline: a ping
	// that goes unanswered this long counts as a failure.
	SendTimeout = 5 * time.Second

	growFactor   = 1.5
	shrinkFactor = 0.8
	highErrorPct = 0.20
	lowErrorPct  = 0.02
	lowRTT       = 200 * time.Millisecond

	unhealthyConsecutiveFailures = 3

	pingIDPrefix = "mcp-gateway-ping-"
)

// Dispatcher is the subset of *session.Manager the controller needs,
// kept as an interface so tests can fake it without a real Manager.
type Dispatcher interface {
	Dispatch(sessionID string, event session.OutboundEvent) error
}

// ReapFunc forcibly closes a session that went unhealthy (three
// consecutive heartbeat failures).
type ReapFunc func(sessionID string)

// Metrics receives observability events from every heartbeat loop. Nil
// by default (SetMetrics is optional); internal/metrics supplies the
// Prometheus-backed implementation wired in by internal/gateway.
type Metrics interface {
	ObservePing(success bool, rtt time.Duration)
	ObserveReap()
}

// Controller runs one heartbeat loop per registered session.
type Controller struct {
	dispatcher Dispatcher
	reap       ReapFunc
	logger     *slog.Logger
	metrics    Metrics

	mu      sync.Mutex
	pending     map[string]chan time.Time // keyed by pingID
	wg          sync.WaitGroup
	sendTimeout time.Duration
}

// New constructs a Controller. dispatcher delivers ping frames onto a
// session's outbound queue; reap is invoked when a session's heartbeat
// fails three times consecutively.
func New(dispatcher Dispatcher, reap ReapFunc, logger *slog.Logger) *Controller {
	return &Controller{
		dispatcher:  dispatcher,
		reap:        reap,
		logger:      logger,
		pending:     make(map[string]chan time.Time),
		sendTimeout: SendTimeout,
	}
}

// SetMetrics wires an observability sink; passing nil (the default)
// disables metrics recording entirely.
func (c *Controller) SetMetrics(m Metrics) {
	c.metrics = m
}

// Start launches the heartbeat loop for s, running until ctx is
// canceled or s closes (spec §5: cancellation propagates to the
// heartbeat task, which must exit before the session record is freed).
func (c *Controller) Start(ctx context.Context, s *session.Session) {
	c.wg.Add(1)
	go c.run(ctx, s)
}

// Wait blocks until every started heartbeat loop has exited.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context, s *session.Session) {
	defer c.wg.Done()

	if s.AdaptiveInterval == 0 {
		s.AdaptiveInterval = InitialInterval
	}
	timer := time.NewTimer(s.AdaptiveInterval)
	defer timer.Stop()

	ticks, sentWindow, failedWindow := 0, 0, 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-timer.C:
			ok := c.sendAndWait(ctx, s)
			ticks++
			sentWindow++
			if !ok {
				failedWindow++
				if n := s.Metrics.RecordFailure(); n >= unhealthyConsecutiveFailures {
					c.logger.Warn("session heartbeat unhealthy, reaping", "session", s.ID, "consecutive_failures", n)
					if c.metrics != nil {
						c.metrics.ObserveReap()
					}
					if c.reap != nil {
						c.reap(s.ID)
					}
					return
				}
			}
			if ticks >= EvalEveryTicks {
				c.adapt(s, sentWindow, failedWindow)
				ticks, sentWindow, failedWindow = 0, 0, 0
			}
			timer.Reset(s.AdaptiveInterval)
		}
	}
}

// adapt implements the spec §4.6 N=6-tick rule.
func (c *Controller) adapt(s *session.Session, sent, failed int) {
	if sent == 0 {
		return
	}
	errorRate := float64(failed) / float64(sent)
	avgRTT := s.Metrics.AverageRTT()

	switch {
	case errorRate > highErrorPct:
		s.AdaptiveInterval = capDuration(time.Duration(float64(s.AdaptiveInterval)*growFactor), MaxInterval)
	case errorRate < lowErrorPct && avgRTT < lowRTT && avgRTT > 0:
		s.AdaptiveInterval = floorDuration(time.Duration(float64(s.AdaptiveInterval)*shrinkFactor), MinInterval)
	}
}

func capDuration(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

func floorDuration(d, min time.Duration) time.Duration {
	if d < min {
		return min
	}
	return d
}

// sendAndWait dispatches a ping frame and waits up to SendTimeout for a
// matching reply, recording success/failure metrics.
func (c *Controller) sendAndWait(ctx context.Context, s *session.Session) bool {
	id := pingIDPrefix + uuid.NewString()
	reply := make(chan time.Time, 1)

	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	sentAt := time.Now()
	if err := c.dispatcher.Dispatch(s.ID, OutboundPing(id)); err != nil {
		c.logger.Warn("heartbeat dispatch failed", "session", s.ID, "error", err)
		if c.metrics != nil {
			c.metrics.ObservePing(false, 0)
		}
		return false
	}

	select {
	case <-reply:
		rtt := time.Since(sentAt)
		s.Metrics.RecordSuccess(rtt)
		if c.metrics != nil {
			c.metrics.ObservePing(true, rtt)
		}
		return true
	case <-time.After(c.sendTimeout):
		if c.metrics != nil {
			c.metrics.ObservePing(false, 0)
		}
		return false
	case <-ctx.Done():
		return false
	case <-s.Done():
		return false
	}
}

// ObservePong is called by Request Ingress when an inbound message's id
// matches an outstanding ping, unblocking sendAndWait and recording RTT.
func (c *Controller) ObservePong(id string) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- time.Now():
	default:
	}
}

// pingFrame is the literal wire shape of a server-initiated ping
// request. It's a plain struct rather than mcp.JSONRPCRequest because
// the gateway is acting as the MCP *server* on the EVENT stream here,
// writing the frame directly rather than routing it through mcp-go's
// client-side request machinery.
type pingFrame struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
}

// OutboundPing builds the session.OutboundEvent carrying a ping request
// with the given id (spec §4.6). Exported so ingress/tests can
// construct identical frames.
func OutboundPing(id string) session.OutboundEvent {
	return session.OutboundEvent{
		Event: "message",
		Data: pingFrame{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      id,
			Method:  "ping",
		},
	}
}

// IsPingID reports whether id was minted by this controller, so ingress
// can distinguish a pong reply from a regular client request before
// forwarding anything else to the Proxy Engine.
func IsPingID(id string) bool {
	return len(id) > len(pingIDPrefix) && id[:len(pingIDPrefix)] == pingIDPrefix
}
