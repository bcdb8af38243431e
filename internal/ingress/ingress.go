// Package ingress implements Request Ingress (spec §4.7/§6, C7): the
// net/http surface that routes client calls by path onto the Proxy
// Engine (C4) and Session Manager (C5), consulting Admission (C8)
// before opening a new EVENT session. Grounded on the teacher's
// cmd/mcp-broker-router/main.go (mux setup per listen address) and
// internal/broker/virtual_server_handler.go (parsing/re-encoding raw
// JSON-RPC envelopes at the HTTP boundary).
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcp-hub/gateway/internal/backend"
	"github.com/mcp-hub/gateway/internal/compliance"
	"github.com/mcp-hub/gateway/internal/gatewayerr"
	"github.com/mcp-hub/gateway/internal/heartbeat"
	"github.com/mcp-hub/gateway/internal/proxy"
	"github.com/mcp-hub/gateway/internal/ratelimit"
	"github.com/mcp-hub/gateway/internal/session"
)

// httpCallDeadline is the spec §5 single-request HTTP-transport deadline.
const httpCallDeadline = 300 * time.Second

// rpcEnvelope is the wire shape of an inbound JSON-RPC request, decoded
// locally rather than via mcp.JSONRPCRequest: at this boundary params
// are forwarded opaquely to whichever proxy routing row handles the
// method, so a raw-message field serves better than a typed request.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      mcp.RequestId   `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Registry is the subset of proxy lookup the Router needs.
type Registry interface {
	Get(name string) (*proxy.Proxy, bool)
}

// StatusProvider is the subset of the Backend Registry the Router needs
// to serve the /status validation rollup. Nil by default (SetStatusProvider
// is optional), matching the SetMetrics pattern elsewhere.
type StatusProvider interface {
	ValidateAll() backend.StatusResponse
}

// Router is the C7 Request Ingress HTTP handler.
type Router struct {
	mux *http.ServeMux

	proxies    Registry
	sessions   *session.Manager
	heartbeats *heartbeat.Controller
	admission  *ratelimit.Admission
	status     StatusProvider
	logger     *slog.Logger
}

// New constructs a Router with no routes registered yet; call
// RegisterProxy once per configured proxy (spec §3's Proxy.endpoint).
func New(proxies Registry, sessions *session.Manager, heartbeats *heartbeat.Controller, admission *ratelimit.Admission, logger *slog.Logger) *Router {
	rt := &Router{
		mux:        http.NewServeMux(),
		proxies:    proxies,
		sessions:   sessions,
		heartbeats: heartbeats,
		admission:  admission,
		logger:     logger,
	}
	rt.mux.HandleFunc("/.well-known/oauth-protected-resource", rt.handleProtectedResource)
	rt.mux.HandleFunc("/status", rt.handleStatus)
	return rt
}

// SetStatusProvider wires the Backend Registry so /status can serve the
// validation rollup for the external UI collaborator; passing nil (the
// default) makes /status report 503.
func (rt *Router) SetStatusProvider(p StatusProvider) {
	rt.status = p
}

// handleStatus serves the spec's supplemental /status validation
// snapshot, grounded on the teacher's status.go HTTP handler style.
func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	if rt.status == nil {
		writeHTTPError(w, http.StatusServiceUnavailable, "status provider not configured")
		return
	}
	writeJSON(w, http.StatusOK, rt.status.ValidateAll())
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// RegisterProxy wires the spec §4.7 routes for a named proxy:
// `{proxyName}{endpoint}` (GET SSE / POST single-call) and
// `{proxyName}/messages` (POST into an existing EVENT session).
func (rt *Router) RegisterProxy(proxyName, endpoint string) {
	base := "/" + strings.TrimPrefix(proxyName, "/") + endpoint
	messagesPath := "/" + strings.TrimPrefix(proxyName, "/") + "/messages"

	rt.mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		rt.handleProxyEndpoint(w, r, proxyName)
	})
	rt.mux.HandleFunc(messagesPath, func(w http.ResponseWriter, r *http.Request) {
		rt.handleMessages(w, r, proxyName)
	})
}

func (rt *Router) handleProxyEndpoint(w http.ResponseWriter, r *http.Request, proxyName string) {
	p, ok := rt.proxies.Get(proxyName)
	if !ok {
		writeHTTPError(w, http.StatusNotFound, "unknown proxy")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !acceptsEventStream(r) {
			writeHTTPError(w, http.StatusBadRequest, "GET requires Accept: text/event-stream")
			return
		}
		rt.handleOpenEventSession(w, r, proxyName, p)
	case http.MethodPost:
		rt.handleHTTPCall(w, r, p)
	default:
		writeHTTPError(w, http.StatusBadRequest, "method not allowed")
	}
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// handleHTTPCall serves a single HTTP-transport JSON-RPC request/response
// (spec §4.7/§6, HTTP proxies) with the spec §5 300s deadline.
func (rt *Router) handleHTTPCall(w http.ResponseWriter, r *http.Request, p *proxy.Proxy) {
	env, err := decodeEnvelope(r)
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, "malformed JSON-RPC envelope")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), httpCallDeadline)
	defer cancel()

	body, status := rt.dispatch(ctx, p, env)
	writeJSON(w, status, body)
}

// handleOpenEventSession opens a new EVENT session (spec §4.5 steps
// 1-3): consults Admission, allocates a Session, streams its
// pendingQueue as SSE frames until the session closes.
func (rt *Router) handleOpenEventSession(w http.ResponseWriter, r *http.Request, proxyName string, p *proxy.Proxy) {
	if p.State() != proxy.StateRunning {
		writeHTTPError(w, http.StatusServiceUnavailable, "proxy not running")
		return
	}

	clientAddr := r.RemoteAddr
	if rt.admission != nil {
		if err := rt.admission.Allow(clientAddr, proxyName); err != nil {
			writeHTTPError(w, http.StatusTooManyRequests, "admission rejected")
			return
		}
	}

	messageEndpointBase := fmt.Sprintf("/%s/messages", strings.TrimPrefix(proxyName, "/"))
	s, err := rt.sessions.Create(r.Context(), proxyName, clientAddr, r.UserAgent(), messageEndpointBase)
	if err != nil {
		if rt.admission != nil {
			rt.admission.Release(clientAddr, proxyName)
		}
		writeHTTPError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeHTTPError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if rt.heartbeats != nil {
		rt.heartbeats.Start(r.Context(), s)
	}

	rt.logger.Info("event session opened", "session", s.ID, "proxy", proxyName, "client", clientAddr)

	defer func() {
		rt.sessions.Close(s.ID)
		if rt.admission != nil {
			rt.admission.Release(clientAddr, proxyName)
		}
	}()

	for {
		for {
			event, ok := s.Dequeue()
			if !ok {
				break
			}
			if err := writeSSEFrame(w, event); err != nil {
				rt.logger.Warn("event session write failed", "session", s.ID, "error", err)
				return
			}
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-s.Done():
			return
		case <-s.Notify():
		}
	}
}

// handleMessages dispatches a POST into an existing EVENT session (spec
// §4.5's message-endpoint rule, §6).
func (rt *Router) handleMessages(w http.ResponseWriter, r *http.Request, proxyName string) {
	if r.Method != http.MethodPost {
		writeHTTPError(w, http.StatusBadRequest, "method not allowed")
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeHTTPError(w, http.StatusBadRequest, "missing sessionId parameter")
		return
	}

	s, ok := rt.sessions.Get(sessionID)
	if !ok {
		writeHTTPError(w, http.StatusNotFound, "unknown session")
		return
	}
	s.Touch()

	env, err := decodeEnvelope(r)
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, "malformed JSON-RPC envelope")
		return
	}

	if rt.heartbeats != nil {
		if id, isPong := replyID(env); isPong && heartbeat.IsPingID(id) {
			rt.heartbeats.ObservePong(id)
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}

	p, ok := rt.proxies.Get(proxyName)
	if !ok {
		writeHTTPError(w, http.StatusNotFound, "unknown proxy")
		return
	}

	if env.Method == "initialize" {
		s.MarkInitialized()
	}

	body, status := rt.dispatch(r.Context(), p, env)
	if body != nil {
		if err := s.Enqueue(session.OutboundEvent{Event: "message", Data: body}); err != nil {
			rt.logger.Warn("failed to enqueue response, closing session", "session", s.ID, "error", err)
			rt.sessions.Close(s.ID)
			writeHTTPError(w, http.StatusInternalServerError, "session queue overflow")
			return
		}
	}
	w.WriteHeader(statusForAsyncAck(status))
}

// replyID extracts a bare id string from an envelope carrying no method
// (a client's reply to a server-initiated ping has no "method" field).
func replyID(env rpcEnvelope) (string, bool) {
	if env.Method != "" {
		return "", false
	}
	raw, err := json.Marshal(env.ID)
	if err != nil {
		return "", false
	}
	id := strings.Trim(string(raw), `"`)
	return id, id != ""
}

// statusForAsyncAck maps a dispatch's synchronous-equivalent status onto
// the 202-acknowledged convention used once a response is routed via the
// session's outbound stream instead of returned inline.
func statusForAsyncAck(status int) int {
	if status >= 400 {
		return status
	}
	return http.StatusAccepted
}

// dispatch routes env onto p per spec §4.4's method table and returns
// the JSON-RPC response body (nil for a bare notification) plus the
// spec §6 HTTP status to report.
func (rt *Router) dispatch(ctx context.Context, p *proxy.Proxy, env rpcEnvelope) (interface{}, int) {
	switch {
	case env.Method == "initialize":
		var params struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(env.Params, &params)
		result := p.HandleInitialize(params.ProtocolVersion)
		return okResponse(env.ID, result), http.StatusOK

	case env.Method == "tools/list":
		return okResponse(env.ID, p.HandleToolsList()), http.StatusOK

	case env.Method == "tools/call":
		var params struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		_ = json.Unmarshal(env.Params, &params)
		result, err := p.HandleToolsCall(ctx, params.Name, params.Arguments)
		if err != nil {
			return rt.errorResponse(env.ID, err)
		}
		return okResponse(env.ID, result), http.StatusOK

	case env.Method == "resources/list":
		result, err := p.HandleResourcesList(ctx)
		if err != nil {
			return rt.errorResponse(env.ID, err)
		}
		return okResponse(env.ID, result), http.StatusOK

	case env.Method == "resources/templates/list":
		result, err := p.HandleResourceTemplatesList(ctx)
		if err != nil {
			return rt.errorResponse(env.ID, err)
		}
		return okResponse(env.ID, result), http.StatusOK

	case strings.HasPrefix(env.Method, "notifications/"):
		params := paramsMap(env.Params)
		if err := p.HandleNotify(ctx, env.Method, params); err != nil {
			rt.logger.Warn("notify forwarding failed", "method", env.Method, "error", err)
		}
		return nil, http.StatusAccepted

	default:
		params := paramsMap(env.Params)
		result, err := p.HandleOther(ctx, env.Method, params)
		if err != nil {
			return rt.errorResponse(env.ID, err)
		}
		return okResponse(env.ID, result), http.StatusOK
	}
}

func paramsMap(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	_ = json.Unmarshal(raw, &m)
	return m
}

func okResponse(id mcp.RequestId, result interface{}) mcp.JSONRPCResponse {
	return mcp.JSONRPCResponse{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Result: result}
}

// errorResponse maps a routing-layer error onto a JSON-RPC error envelope
// and an HTTP status: 503 for a KindProxy error (such as a backend that is
// not Verified), 500 otherwise; a ToolNotExposedError is a well-formed
// application-level response, so it reports 200. It never returns 404.
func (rt *Router) errorResponse(id mcp.RequestId, err error) (mcp.JSONRPCError, int) {
	var notExposed *proxy.ToolNotExposedError
	if errors.As(err, &notExposed) {
		return compliance.NewErrorResponse(id, notExposed.JSONRPCCode(), notExposed.Error(), nil), http.StatusOK
	}

	status := http.StatusInternalServerError
	if kind, ok := gatewayerr.KindOf(err); ok && kind == gatewayerr.KindProxy {
		status = http.StatusServiceUnavailable
	}
	code := compliance.ErrorCodeForHTTPStatus(status)
	return compliance.NewErrorResponse(id, code, err.Error(), nil), status
}

func decodeEnvelope(r *http.Request) (rpcEnvelope, error) {
	defer r.Body.Close()
	var env rpcEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return rpcEnvelope{}, err
	}
	return env, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeHTTPError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeSSEFrame writes event as an SSE frame: "event: <name>\ndata:
// <payload>\n\n" (spec §4.5's outbound stream framing). The one-time
// "endpoint" discovery frame carries a literal path string per the SSE
// transport convention; "message" frames carry a JSON-RPC envelope and
// are JSON-encoded.
func writeSSEFrame(w http.ResponseWriter, event session.OutboundEvent) error {
	if event.Event == "endpoint" {
		path, _ := event.Data.(string)
		_, err := fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", path)
		return err
	}
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, payload)
	return err
}
