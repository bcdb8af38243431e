package ingress

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
)

// The gateway core has no authentication Non-goal to implement itself
// (that's the external UI collaborator's job), but it still serves the
// static OAuth protected-resource discovery document at a well-known
// path so a bearer-token-issuing identity provider can be pointed at
// any proxy endpoint, the way the teacher's
// oauth_protected_resource_handler.go does.
const (
	envOAuthResourceName           = "OAUTH_RESOURCE_NAME"
	envOAuthResource               = "OAUTH_RESOURCE"
	envOAuthAuthorizationServers   = "OAUTH_AUTHORIZATION_SERVERS"
	envOAuthBearerMethodsSupported = "OAUTH_BEARER_METHODS_SUPPORTED"
	envOAuthScopesSupported        = "OAUTH_SCOPES_SUPPORTED"
)

// protectedResource is the RFC 9728 OAuth protected-resource metadata
// document shape.
type protectedResource struct {
	ResourceName           string   `json:"resource_name"`
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported"`
}

func loadProtectedResourceConfig() protectedResource {
	cfg := protectedResource{
		ResourceName:           "MCP Gateway",
		Resource:               "/mcp",
		AuthorizationServers:   []string{},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        []string{"basic"},
	}
	if v := os.Getenv(envOAuthResourceName); v != "" {
		cfg.ResourceName = v
	}
	if v := os.Getenv(envOAuthResource); v != "" {
		cfg.Resource = v
	}
	if v := os.Getenv(envOAuthAuthorizationServers); v != "" {
		cfg.AuthorizationServers = splitTrimmed(v)
	}
	if v := os.Getenv(envOAuthBearerMethodsSupported); v != "" {
		cfg.BearerMethodsSupported = splitTrimmed(v)
	}
	if v := os.Getenv(envOAuthScopesSupported); v != "" {
		cfg.ScopesSupported = splitTrimmed(v)
	}
	return cfg
}

func splitTrimmed(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

// handleProtectedResource serves /.well-known/oauth-protected-resource.
func (rt *Router) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	cfg := loadProtectedResourceConfig()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		rt.logger.Error("protected resource: encode failed", "error", err)
	}
}
