// Package gateway wires every component (config, credentials, backend
// registry, proxy engine, session manager, heartbeat controller, rate
// limiter, ingress router, auto-start orchestrator) into a single
// process-wide instance, generalizing the teacher's package-level
// mcpConfig/mcpBroker/mcpServer globals in cmd/mcp-broker-router/main.go
// into one owned struct built once by cmd/gateway.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mcp-hub/gateway/internal/autostart"
	"github.com/mcp-hub/gateway/internal/backend"
	"github.com/mcp-hub/gateway/internal/config"
	"github.com/mcp-hub/gateway/internal/credentials"
	"github.com/mcp-hub/gateway/internal/heartbeat"
	"github.com/mcp-hub/gateway/internal/ingress"
	"github.com/mcp-hub/gateway/internal/metrics"
	"github.com/mcp-hub/gateway/internal/proxy"
	"github.com/mcp-hub/gateway/internal/ratelimit"
	"github.com/mcp-hub/gateway/internal/session"
)

// Options configures a Gateway's dependencies at construction time.
type Options struct {
	BackendsConfigPath string
	ProxiesConfigPath  string
	CredentialMount    string
	SessionSigningKey  string
	SessionIndexURL    string // optional; empty uses an in-process Index
	RateLimit          ratelimit.Config
	Logger             *slog.Logger
}

// Gateway owns every live component and is the single Observer the
// config.Loader notifies on every reload (spec §6).
type Gateway struct {
	logger *slog.Logger

	loader      *config.Loader
	credentials *credentials.Resolver
	backends    *backend.Registry
	sessions    *session.Manager
	heartbeats  *heartbeat.Controller
	admission   *ratelimit.Admission
	router      *ingress.Router
	metrics     *metrics.Registry

	mu      sync.RWMutex
	proxies map[string]*proxy.Proxy
}

// New builds every component and wires them together, but does not load
// configuration or start anything: call Load, then OnConfigChange with
// the loaded Document, then RunAutoStart.
func New(opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	credMount := opts.CredentialMount
	if credMount == "" {
		credMount = credentials.MountPath
	}
	resolver := credentials.NewResolver(credMount)
	backends := backend.New(resolver, logger)

	ids, err := session.NewIDManager(opts.SessionSigningKey, logger)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	indexOpts := []func(*session.Index){}
	if opts.SessionIndexURL != "" {
		indexOpts = append(indexOpts, session.WithRedisURL(opts.SessionIndexURL))
	}
	idx, err := session.NewIndex(context.Background(), indexOpts...)
	if err != nil {
		return nil, fmt.Errorf("gateway: session index: %w", err)
	}

	g := &Gateway{
		logger:      logger,
		credentials: resolver,
		backends:    backends,
		proxies:     make(map[string]*proxy.Proxy),
	}

	g.sessions = session.NewManager(ids, idx, g.backendVerifiedForProxy, logger)

	dispatcher := sessionDispatcher{g.sessions}
	g.heartbeats = heartbeat.New(dispatcher, g.sessions.Close, logger)

	rlCfg := opts.RateLimit
	if rlCfg == (ratelimit.Config{}) {
		rlCfg = ratelimit.DefaultConfig()
	}
	g.admission = ratelimit.New(rlCfg, logger)

	g.metrics = metrics.New()
	g.heartbeats.SetMetrics(g.metrics)
	g.admission.SetMetrics(g.metrics)

	g.router = ingress.New(proxyRegistry{g}, g.sessions, g.heartbeats, g.admission, logger)
	g.router.SetStatusProvider(g.backends)

	g.loader = config.NewLoader(opts.BackendsConfigPath, opts.ProxiesConfigPath, logger)
	g.loader.RegisterObserver(g)
	backends.OnVerified(g.onBackendVerified)

	return g, nil
}

// sessionDispatcher adapts *session.Manager to heartbeat.Dispatcher.
type sessionDispatcher struct{ m *session.Manager }

func (d sessionDispatcher) Dispatch(sessionID string, event session.OutboundEvent) error {
	return d.m.Dispatch(sessionID, event)
}

// proxyRegistry adapts *Gateway to ingress.Registry.
type proxyRegistry struct{ g *Gateway }

func (r proxyRegistry) Get(name string) (*proxy.Proxy, bool) {
	return r.g.getProxy(name)
}

func (g *Gateway) getProxy(name string) (*proxy.Proxy, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.proxies[name]
	return p, ok
}

// Router returns the HTTP handler serving every registered proxy
// endpoint (spec §4.7, C7), for cmd/gateway to mount on its listener.
func (g *Gateway) Router() *ingress.Router {
	return g.router
}

// Backends returns the live Backend Registry, for observability
// endpoints and tests that need to seed a backend's transport client
// handle directly.
func (g *Gateway) Backends() *backend.Registry {
	return g.backends
}

// Proxy returns the live Proxy instance registered under name, if any.
func (g *Gateway) Proxy(name string) (*proxy.Proxy, bool) {
	return g.getProxy(name)
}

// MetricsHandler serves the gateway's Prometheus metrics, for cmd/gateway
// to mount at /metrics.
func (g *Gateway) MetricsHandler() http.Handler {
	return g.metrics.Handler()
}

// backendVerifiedForProxy adapts proxy-name-keyed session bookkeeping to
// the backend-state question the Session Manager's BACKEND_GRACE reap
// rule needs (spec §4.5).
func (g *Gateway) backendVerifiedForProxy(proxyName string) bool {
	p, ok := g.getProxy(proxyName)
	if !ok {
		return false
	}
	b, ok := g.backends.Get(p.BackendName())
	if !ok {
		return false
	}
	return b.State() == backend.StateVerified
}

// onBackendVerified invalidates the tool cache of every proxy bound to
// backendName (spec §3's cache-invalidate-on-reverification), registered
// as the Backend Registry's VerifiedListener.
func (g *Gateway) onBackendVerified(backendName string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, p := range g.proxies {
		if p.BackendName() == backendName {
			p.InvalidateToolCache()
		}
	}
}

// Load reads the persisted configuration once, ahead of the first
// OnConfigChange notification (spec §6, mirroring the teacher's explicit
// LoadConfig-then-Notify sequencing in main.go).
func (g *Gateway) Load() error {
	return g.loader.Load()
}

// Document returns the most recently loaded configuration document, for
// cmd/gateway to pass into the first OnConfigChange call.
func (g *Gateway) Document() *config.Document {
	return g.loader.Document()
}

// OnConfigChange implements config.Observer: it reconciles the live
// backend registry and proxy set against the freshly loaded Document.
// Backends/proxies present in doc but not yet live are created; those no
// longer present are torn down; existing ones whose config changed are
// updated in place.
func (g *Gateway) OnConfigChange(ctx context.Context, doc *config.Document) {
	g.reconcileBackends(ctx, doc)
	g.reconcileProxies(doc)
}

func (g *Gateway) reconcileBackends(ctx context.Context, doc *config.Document) {
	seen := make(map[string]struct{}, len(doc.Backends))
	for name, cfg := range doc.Backends {
		seen[name] = struct{}{}
		if b, ok := g.backends.Get(name); ok {
			if !b.Config().Equal(cfg) {
				if err := g.backends.Update(name, cfg); err != nil {
					g.logger.Error("backend update failed", "backend", name, "error", err)
				}
			}
			continue
		}
		if err := g.backends.Create(cfg); err != nil {
			g.logger.Error("backend registration failed", "backend", name, "error", err)
		}
	}
	for _, name := range g.backends.Names() {
		if _, ok := seen[name]; !ok {
			if err := g.backends.Delete(ctx, name); err != nil {
				g.logger.Error("backend removal failed", "backend", name, "error", err)
			}
		}
	}
}

func (g *Gateway) reconcileProxies(doc *config.Document) {
	g.mu.Lock()
	defer g.mu.Unlock()

	seen := make(map[string]struct{}, len(doc.Proxies))
	for name, cfg := range doc.Proxies {
		seen[name] = struct{}{}
		b, ok := g.backends.Get(cfg.BackendName)
		if !ok {
			g.logger.Error("proxy references unknown backend, skipping", "proxy", name, "backend", cfg.BackendName)
			continue
		}
		// Config changes to an existing proxy (exposed tools,
		// instructions override) take effect by rebuilding the instance
		// bound to the same backend, carrying its Running state forward.
		wasRunning := false
		if existing, ok := g.proxies[name]; ok {
			wasRunning = existing.State() == proxy.StateRunning
		}
		p := proxy.New(cfg, b)
		if wasRunning {
			p.Start()
		}
		g.proxies[name] = p
		g.router.RegisterProxy(name, cfg.Endpoint)
	}
	for name, p := range g.proxies {
		if _, ok := seen[name]; !ok {
			p.Stop()
			delete(g.proxies, name)
		}
	}
}

// RunAutoStart executes the spec §4.9 auto-start pass against the
// currently loaded Document, bringing up every auto_start backend (in
// dependency order) and every auto_start proxy whose backend verified.
// Call once, after Load and the first OnConfigChange notification have
// populated the registry and proxy set.
func (g *Gateway) RunAutoStart(ctx context.Context) (autostart.Result, error) {
	doc := g.loader.Document()

	g.mu.RLock()
	proxies := make(map[string]autostart.Proxy, len(g.proxies))
	for name, p := range g.proxies {
		proxies[name] = p
	}
	g.mu.RUnlock()

	orch := autostart.New(g.backends, proxies, g.logger)
	return orch.Run(ctx, doc)
}

// RunSessionReaper starts the Session Manager's idle-reap sweeper and
// blocks until ctx is canceled.
func (g *Gateway) RunSessionReaper(ctx context.Context) {
	g.sessions.Run(ctx)
}

// Watch starts watching the configuration documents on disk for changes,
// reloading and reconciling on each change (spec §6).
func (g *Gateway) Watch(ctx context.Context) {
	g.loader.Watch(ctx)
}

// Shutdown stops the session reaper. Open sessions and their heartbeat
// loops are not closed here; each loop ends with its request's context.
func (g *Gateway) Shutdown() {
	g.sessions.Stop()
}
