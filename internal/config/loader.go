package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Loader reads the backend and proxy JSON documents (spec §6) and
// notifies registered Observers whenever either changes. It mirrors the
// teacher's viper+fsnotify pattern in cmd/mcp-broker-router/main.go
// (LoadConfig / viper.WatchConfig / viper.OnConfigChange), generalized
// from a single server list to the full backends+proxies Document and
// moved off of package-level globals into an owned value.
type Loader struct {
	backendsViper *viper.Viper
	proxiesViper  *viper.Viper

	mu        sync.RWMutex
	doc       *Document
	observers []Observer
	logger    *slog.Logger
}

// NewLoader creates a Loader that reads backendsPath and proxiesPath (two
// separate JSON documents, per spec §6's "two JSON documents" layout).
func NewLoader(backendsPath, proxiesPath string, logger *slog.Logger) *Loader {
	bv := viper.New()
	bv.SetConfigFile(backendsPath)
	pv := viper.New()
	pv.SetConfigFile(proxiesPath)

	return &Loader{
		backendsViper: bv,
		proxiesViper:  pv,
		doc:           &Document{Backends: map[string]*BackendConfig{}, Proxies: map[string]*ProxyConfig{}},
		logger:        logger,
	}
}

// RegisterObserver registers obs to be notified of future config changes.
func (l *Loader) RegisterObserver(obs Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, obs)
}

// Load reads both documents from disk, normalizing legacy field casings
// (spec §6: "imported legacy documents may use alternate field casings").
// It does not notify observers; call Notify explicitly once startup
// wiring is complete, matching the teacher's explicit
// LoadConfig-then-Notify sequencing in main.go.
func (l *Loader) Load() error {
	if err := l.backendsViper.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read backends document: %w", err)
	}
	if err := l.proxiesViper.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read proxies document: %w", err)
	}

	backends, err := decodeBackends(l.backendsViper)
	if err != nil {
		return fmt.Errorf("config: decode backends document: %w", err)
	}
	proxies, err := decodeProxies(l.proxiesViper)
	if err != nil {
		return fmt.Errorf("config: decode proxies document: %w", err)
	}

	l.mu.Lock()
	l.doc = &Document{Backends: backends, Proxies: proxies}
	l.mu.Unlock()
	return nil
}

// Document returns an immutable-by-convention snapshot of the last
// successfully loaded configuration. Callers must not mutate the result.
func (l *Loader) Document() *Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.doc
}

// Notify fans out the current Document to every registered Observer,
// concurrently, matching MCPServersConfig.Notify in the teacher.
func (l *Loader) Notify(ctx context.Context) {
	l.mu.RLock()
	doc := l.doc
	obs := make([]Observer, len(l.observers))
	copy(obs, l.observers)
	l.mu.RUnlock()

	for _, o := range obs {
		go o.OnConfigChange(ctx, doc)
	}
}

// Watch starts watching both documents for changes on disk and reloads +
// notifies on each change, mirroring viper.WatchConfig/OnConfigChange in
// the teacher's main.go.
func (l *Loader) Watch(ctx context.Context) {
	onChange := func(in fsnotify.Event) {
		l.logger.Info("config document changed on disk", "file", in.Name)
		if err := l.Load(); err != nil {
			l.logger.Error("config reload failed, keeping previous document", "error", err)
			return
		}
		l.Notify(ctx)
	}
	l.backendsViper.OnConfigChange(onChange)
	l.backendsViper.WatchConfig()
	l.proxiesViper.OnConfigChange(onChange)
	l.proxiesViper.WatchConfig()
}

// decodeBackends normalizes legacy casing (PascalCase/camelCase keys from
// older config generations) onto the canonical snake_case BackendConfig
// shape before unmarshaling, per spec §6.
func decodeBackends(v *viper.Viper) (map[string]*BackendConfig, error) {
	raw := v.GetStringMap("backends")
	out := make(map[string]*BackendConfig, len(raw))
	for name, val := range raw {
		m, ok := val.(map[string]interface{})
		if !ok {
			continue
		}
		normalized := normalizeKeys(m)
		var bc BackendConfig
		if err := mapToStruct(normalized, &bc); err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
		if bc.Name == "" {
			bc.Name = name
		}
		out[name] = &bc
	}
	return out, nil
}

func decodeProxies(v *viper.Viper) (map[string]*ProxyConfig, error) {
	raw := v.GetStringMap("proxies")
	out := make(map[string]*ProxyConfig, len(raw))
	for name, val := range raw {
		m, ok := val.(map[string]interface{})
		if !ok {
			continue
		}
		normalized := normalizeKeys(m)
		var pc ProxyConfig
		if err := mapToStruct(normalized, &pc); err != nil {
			return nil, fmt.Errorf("proxy %q: %w", name, err)
		}
		if pc.Name == "" {
			pc.Name = name
		}
		out[name] = &pc
	}
	return out, nil
}

// normalizeKeys rewrites camelCase/PascalCase map keys to snake_case so
// legacy documents decode onto the canonical struct tags.
func normalizeKeys(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[toSnakeCase(k)] = v
	}
	return out
}

// mapToStruct decodes a generic map (already key-normalized) onto a typed
// config struct using its json tags, so BackendConfig/ProxyConfig need not
// carry a second set of mapstructure tags.
func mapToStruct(m map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		// viper lowercases every key before decode ("autoStart" arrives as
		// "autostart"), so match tags ignoring case and underscores.
		MatchName: func(mapKey, fieldName string) bool {
			return strings.EqualFold(strings.ReplaceAll(mapKey, "_", ""), strings.ReplaceAll(fieldName, "_", ""))
		},
		Result: out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
