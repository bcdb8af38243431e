package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveHeadersPassesLiteralsThrough(t *testing.T) {
	r := NewResolver(t.TempDir())
	headers := map[string]string{"X-Api-Key": "plain-value"}

	resolved, err := r.ResolveHeaders(headers)
	require.NoError(t, err)
	assert.Equal(t, "plain-value", resolved["X-Api-Key"])
}

func TestResolveHeadersReadsMountedSecret(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "github-token"), []byte("tok-123\n"), 0o600))

	r := NewResolver(dir)
	resolved, err := r.ResolveHeaders(map[string]string{"Authorization": "credRef:github-token"})
	require.NoError(t, err)
	assert.Equal(t, "tok-123", resolved["Authorization"])
}

func TestResolveHeadersMissingSecretErrors(t *testing.T) {
	r := NewResolver(t.TempDir())
	_, err := r.ResolveHeaders(map[string]string{"Authorization": "credRef:does-not-exist"})
	assert.Error(t, err)
}

func TestGetEmptyName(t *testing.T) {
	r := NewResolver(t.TempDir())
	v, err := r.Get("")
	require.NoError(t, err)
	assert.Empty(t, v)
}
