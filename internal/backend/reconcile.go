package backend

import (
	"context"

	"github.com/mcp-hub/gateway/internal/config"
)

// OnConfigChange implements config.Observer: it reconciles the registry
// against the latest Document, un-registering decommissioned backends,
// creating new ones, and restarting any whose configuration changed.
// Grounded on the teacher's mcpBrokerImpl.OnConfigChange.
func (r *Registry) OnConfigChange(ctx context.Context, doc *config.Document) {
	r.mu.RLock()
	existing := make(map[string]*Backend, len(r.backends))
	for n, b := range r.backends {
		existing[n] = b
	}
	r.mu.RUnlock()

	for name := range existing {
		if _, stillConfigured := doc.Backends[name]; !stillConfigured {
			if err := r.Delete(ctx, name); err != nil {
				r.logger.Warn("failed to remove decommissioned backend", "backend", name, "error", err)
			}
		}
	}

	for name, cfg := range doc.Backends {
		b, ok := existing[name]
		switch {
		case !ok:
			if err := r.Create(cfg); err != nil {
				r.logger.Warn("failed to register new backend", "backend", name, "error", err)
				continue
			}
			if cfg.AutoStart {
				if err := r.Start(ctx, name); err != nil {
					r.logger.Warn("auto-start failed for new backend", "backend", name, "error", err)
				}
			}
		case !b.Config().Equal(cfg):
			if err := r.Update(name, cfg); err != nil {
				r.logger.Warn("failed to update backend config", "backend", name, "error", err)
				continue
			}
			if err := r.Restart(ctx, name); err != nil {
				r.logger.Warn("restart after config change failed", "backend", name, "error", err)
			}
		}
	}
}
