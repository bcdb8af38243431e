package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexPutAndExists(t *testing.T) {
	ctx := context.Background()
	idx, err := NewIndex(ctx)
	require.NoError(t, err)

	exists, err := idx.Exists(ctx, "sess-1")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, idx.Put(ctx, "sess-1", "echo-proxy"))

	exists, err = idx.Exists(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestIndexProxyOf(t *testing.T) {
	ctx := context.Background()
	idx, err := NewIndex(ctx)
	require.NoError(t, err)

	_, ok, err := idx.ProxyOf(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, idx.Put(ctx, "sess-1", "echo-proxy"))
	proxy, ok, err := idx.ProxyOf(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "echo-proxy", proxy)
}

func TestIndexRemove(t *testing.T) {
	ctx := context.Background()
	idx, err := NewIndex(ctx)
	require.NoError(t, err)

	require.NoError(t, idx.Put(ctx, "sess-1", "echo-proxy"))
	require.NoError(t, idx.Remove(ctx, "sess-1"))

	exists, err := idx.Exists(ctx, "sess-1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestIndexOverwritesExistingProxy(t *testing.T) {
	ctx := context.Background()
	idx, err := NewIndex(ctx)
	require.NoError(t, err)

	require.NoError(t, idx.Put(ctx, "sess-1", "echo-proxy"))
	require.NoError(t, idx.Put(ctx, "sess-1", "other-proxy"))

	proxy, ok, err := idx.ProxyOf(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "other-proxy", proxy)
}

func TestNewIndexDefaultsToInMemory(t *testing.T) {
	ctx := context.Background()
	idx, err := NewIndex(ctx)
	require.NoError(t, err)
	require.NotNil(t, idx.inmemory)
	require.Nil(t, idx.extClient)
}
