package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoaderDecodesCanonicalSnakeCase(t *testing.T) {
	dir := t.TempDir()
	backendsPath := writeFile(t, dir, "backends.json", `{
		"backends": {
			"echo": {
				"name": "echo",
				"transport": "LOCAL",
				"command": "echo-server",
				"auto_start": true,
				"depends_on": ["other"]
			}
		}
	}`)
	proxiesPath := writeFile(t, dir, "proxies.json", `{
		"proxies": {
			"echo-proxy": {
				"name": "echo-proxy",
				"backend_name": "echo",
				"endpoint": "/echo",
				"transport": "EVENT",
				"auto_start": true
			}
		}
	}`)

	l := NewLoader(backendsPath, proxiesPath, noopLogger())
	require.NoError(t, l.Load())

	doc := l.Document()
	require.Contains(t, doc.Backends, "echo")
	b := doc.Backends["echo"]
	assert.Equal(t, TransportLocal, b.Transport)
	assert.True(t, b.AutoStart)
	assert.Equal(t, []string{"other"}, b.DependsOn)

	require.Contains(t, doc.Proxies, "echo-proxy")
	p := doc.Proxies["echo-proxy"]
	assert.Equal(t, "echo", p.BackendName)
	assert.Equal(t, TransportEvent, p.Transport)
}

func TestLoaderNormalizesLegacyCamelCase(t *testing.T) {
	dir := t.TempDir()
	// Legacy document uses camelCase keys; canonical shape is snake_case.
	backendsPath := writeFile(t, dir, "backends.json", `{
		"backends": {
			"legacy": {
				"name": "legacy",
				"transport": "EVENT",
				"url": "http://localhost:9000",
				"autoStart": true,
				"dependsOn": ["echo"],
				"legacyEventEndpointProbe": true
			}
		}
	}`)
	proxiesPath := writeFile(t, dir, "proxies.json", `{"proxies": {}}`)

	l := NewLoader(backendsPath, proxiesPath, noopLogger())
	require.NoError(t, l.Load())

	b := l.Document().Backends["legacy"]
	require.NotNil(t, b)
	assert.True(t, b.AutoStart)
	assert.Equal(t, []string{"echo"}, b.DependsOn)
	assert.True(t, b.LegacyEventEndpointProbe)
}

type recordingObserver struct {
	mu    sync.Mutex
	calls int
	last  *Document
}

func (r *recordingObserver) OnConfigChange(_ context.Context, doc *Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = doc
}

func (r *recordingObserver) snapshot() (int, *Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.last
}

func TestLoaderNotifyFansOutToObservers(t *testing.T) {
	dir := t.TempDir()
	backendsPath := writeFile(t, dir, "backends.json", `{"backends": {}}`)
	proxiesPath := writeFile(t, dir, "proxies.json", `{"proxies": {}}`)

	l := NewLoader(backendsPath, proxiesPath, noopLogger())
	require.NoError(t, l.Load())

	obs := &recordingObserver{}
	l.RegisterObserver(obs)
	l.Notify(context.Background())

	assert.Eventually(t, func() bool {
		calls, _ := obs.snapshot()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLoaderLoadErrorOnMissingFile(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(filepath.Join(dir, "missing.json"), filepath.Join(dir, "also-missing.json"), noopLogger())
	assert.Error(t, l.Load())
}
