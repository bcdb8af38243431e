// Package config holds the persistent descriptors for backends and
// proxies (spec §3) and the loader that reads them from the two JSON
// documents the external config-store collaborator owns (spec §6).
package config

import "context"

// Transport identifies one of the three MCP wire transports a backend or
// proxy speaks.
type Transport string

const (
	TransportLocal Transport = "LOCAL"
	TransportEvent Transport = "EVENT"
	TransportHTTP  Transport = "HTTP"
)

// BackendConfig is the persistent descriptor of a backend MCP server
// (spec §3). Exactly one of the LOCAL or EVENT/HTTP field groups is
// populated, depending on Transport.
type BackendConfig struct {
	Name      string    `json:"name"`
	Transport Transport `json:"transport"`

	// LOCAL
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	// EVENT / HTTP
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	AutoStart    bool     `json:"auto_start"`
	Instructions string   `json:"instructions,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`

	// LegacyEventEndpointProbe controls whether the EVENT transport also
	// adds the legacy-compat "<url>/mcp/sse" endpoint as a second
	// candidate (spec §4.2, §9 open question). The second candidate is
	// used only when the client for the bare url cannot be constructed; a
	// handshake failure against the bare url does not fall back to it.
	// Defaults to off for
	// new configs; imported legacy documents may set it.
	LegacyEventEndpointProbe bool `json:"legacy_event_endpoint_probe,omitempty"`
}

// Equal reports whether two configs are semantically identical, used to
// detect no-op reconfiguration (mirrors MCPServer.ConfigChanged in the
// teacher, generalized to every field that participates in identity).
func (b *BackendConfig) Equal(other *BackendConfig) bool {
	if other == nil {
		return false
	}
	if b.Name != other.Name || b.Transport != other.Transport ||
		b.Command != other.Command || b.Cwd != other.Cwd ||
		b.URL != other.URL || b.AutoStart != other.AutoStart ||
		b.Instructions != other.Instructions ||
		b.LegacyEventEndpointProbe != other.LegacyEventEndpointProbe {
		return false
	}
	if !stringSlicesEqual(b.Args, other.Args) || !stringSlicesEqual(b.DependsOn, other.DependsOn) {
		return false
	}
	if !stringMapsEqual(b.Env, other.Env) || !stringMapsEqual(b.Headers, other.Headers) {
		return false
	}
	return true
}

// ProxyConfig is the persistent descriptor of an exposed proxy (spec §3).
type ProxyConfig struct {
	Name                 string    `json:"name"`
	BackendName          string    `json:"backend_name"`
	Endpoint             string    `json:"endpoint"`
	Transport            Transport `json:"transport"`
	ExposedTools         []string  `json:"exposed_tools,omitempty"`
	InstructionsOverride string    `json:"instructions_override,omitempty"`
	AutoStart            bool      `json:"auto_start"`
}

// Document is the shape persisted in the two JSON documents described in
// spec §6: backend name -> BackendConfig, and proxy name -> ProxyConfig.
type Document struct {
	Backends map[string]*BackendConfig `json:"backends"`
	Proxies  map[string]*ProxyConfig   `json:"proxies"`
}

// Observer is notified whenever the loaded configuration changes,
// generalizing config.Observer from the teacher (there scoped to
// MCPServersConfig) to the full Document.
type Observer interface {
	OnConfigChange(ctx context.Context, doc *Document)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
