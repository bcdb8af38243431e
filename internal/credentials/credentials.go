// Package credentials resolves header values that reference mounted
// secrets, generalizing the teacher's pkg/credentials (which only read a
// secret file by name) to the gateway's credRef: header-value convention.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MountPath is the standard mount path for credential secrets.
	MountPath = "/etc/mcp-credentials"

	// refPrefix marks a BackendConfig.Headers value as a credential
	// reference rather than a literal, e.g. "credRef:github-token".
	refPrefix = "credRef:"
)

// Resolver resolves header values, reading mounted secrets for any value
// carrying the credRef: prefix and passing literals through unchanged.
type Resolver struct {
	mountPath string
}

// NewResolver builds a Resolver rooted at mountPath. Pass MountPath in
// production; tests may point it at a temp directory.
func NewResolver(mountPath string) *Resolver {
	return &Resolver{mountPath: mountPath}
}

// ResolveHeaders returns a copy of headers with every credRef: value
// replaced by the contents of the named mounted secret. Literal values
// pass through untouched.
func (r *Resolver) ResolveHeaders(headers map[string]string) (map[string]string, error) {
	if len(headers) == 0 {
		return headers, nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		resolved, err := r.resolveValue(v)
		if err != nil {
			return nil, fmt.Errorf("credentials: resolve header %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *Resolver) resolveValue(v string) (string, error) {
	name, ok := strings.CutPrefix(v, refPrefix)
	if !ok {
		return v, nil
	}
	return r.Get(name)
}

// Get reads a credential from the mounted secret file named name.
func (r *Resolver) Get(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	credPath := filepath.Join(r.mountPath, name)
	data, err := os.ReadFile(credPath) //nolint:gosec // reading mounted-secret files by configured name
	if err != nil {
		return "", fmt.Errorf("failed to read credential from file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
