package session

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// indexKey is the single hash key under which every live gateway
// session id is tracked. There is one gateway process per spec §1
// Non-goals ("no replication or clustering"), so a redis-backed Index
// is an optional durability layer for process-restart recovery rather
// than a clustering mechanism: entries are keyed by session id and
// carry only the owning proxy name, enough to rebuild admission-count
// bookkeeping without replaying full session state.
const indexKey = "mcp-gateway:sessions"

// Index tracks which session ids are currently live and which proxy
// owns each, adapted from the teacher's Cache (internal/session/cache.go),
// which mapped one gateway session to many per-backend upstream session
// ids; this gateway's Proxy Engine binds one Session to exactly one
// proxy, so the hash degenerates to sessionID -> proxyName.
type Index struct {
	connectionString string
	inmemory         *sync.Map
	extClient        *redis.Client
}

// NewIndex returns an Index backed by an in-process map, or (if
// WithRedisURL is passed) a shared redis instance.
func NewIndex(ctx context.Context, opts ...func(*Index)) (*Index, error) {
	idx := &Index{}
	for _, opt := range opts {
		opt(idx)
	}
	if idx.connectionString != "" {
		o, err := redis.ParseURL(idx.connectionString)
		if err != nil {
			return nil, err
		}
		idx.extClient = redis.NewClient(o)
		return idx, idx.extClient.Ping(ctx).Err()
	}
	idx.inmemory = &sync.Map{}
	return idx, nil
}

// WithRedisURL backs the Index with redis instead of an in-process map,
// e.g. "redis://<user>:<pass>@localhost:6379/<db>".
func WithRedisURL(url string) func(*Index) {
	return func(idx *Index) {
		idx.inmemory = nil
		idx.connectionString = url
	}
}

// Put records sessionID as live, owned by proxyName.
func (idx *Index) Put(ctx context.Context, sessionID, proxyName string) error {
	if idx.inmemory != nil {
		idx.inmemory.Store(sessionID, proxyName)
		return nil
	}
	return idx.extClient.HSet(ctx, indexKey, sessionID, proxyName).Err()
}

// Exists reports whether sessionID is currently tracked as live.
func (idx *Index) Exists(ctx context.Context, sessionID string) (bool, error) {
	if idx.inmemory != nil {
		_, ok := idx.inmemory.Load(sessionID)
		return ok, nil
	}
	n, err := idx.extClient.HExists(ctx, indexKey, sessionID).Result()
	return n, err
}

// ProxyOf returns the proxy name sessionID was registered under.
func (idx *Index) ProxyOf(ctx context.Context, sessionID string) (string, bool, error) {
	if idx.inmemory != nil {
		v, ok := idx.inmemory.Load(sessionID)
		if !ok {
			return "", false, nil
		}
		return v.(string), true, nil
	}
	v, err := idx.extClient.HGet(ctx, indexKey, sessionID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Remove drops sessionID from the index.
func (idx *Index) Remove(ctx context.Context, sessionID string) error {
	if idx.inmemory != nil {
		idx.inmemory.Delete(sessionID)
		return nil
	}
	return idx.extClient.HDel(ctx, indexKey, sessionID).Err()
}

// Close releases the backing redis connection, if any.
func (idx *Index) Close() error {
	if idx.inmemory != nil {
		return nil
	}
	return idx.extClient.Close()
}
