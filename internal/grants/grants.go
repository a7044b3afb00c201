// Package grants records which dapp origins enabled the wallet.
package grants

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store persists origin grants.
type Store interface {
	Granted(ctx context.Context, origin string) (bool, error)
	Grant(ctx context.Context, origin string) error
	Revoke(ctx context.Context, origin string) error
	List(ctx context.Context) ([]string, error)
}

// Memory is a process-local Store.
type Memory struct {
	mu      sync.RWMutex
	origins map[string]struct{}
}

// NewMemory returns an empty in-memory store.
func NewMemory(origins ...string) *Memory {
	m := &Memory{origins: map[string]struct{}{}}
	for _, o := range origins {
		m.origins[o] = struct{}{}
	}
	return m
}

func (m *Memory) Granted(_ context.Context, origin string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.origins[origin]
	return ok, nil
}

func (m *Memory) Grant(_ context.Context, origin string) error {
	m.mu.Lock()
	m.origins[origin] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Revoke(_ context.Context, origin string) error {
	m.mu.Lock()
	delete(m.origins, origin)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	out := make([]string, 0, len(m.origins))
	for o := range m.origins {
		out = append(out, o)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// DefaultRedisKey is the set holding granted origins.
const DefaultRedisKey = "walletbridge:grants"

// Redis keeps grants in a Redis set so several hosts share them.
type Redis struct {
	client redis.UniversalClient
	key    string
}

// NewRedis returns a store using key on client.
func NewRedis(client redis.UniversalClient, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) Granted(ctx context.Context, origin string) (bool, error) {
	return r.client.SIsMember(ctx, r.key, origin).Result()
}

func (r *Redis) Grant(ctx context.Context, origin string) error {
	return r.client.SAdd(ctx, r.key, origin).Err()
}

func (r *Redis) Revoke(ctx context.Context, origin string) error {
	return r.client.SRem(ctx, r.key, origin).Err()
}

func (r *Redis) List(ctx context.Context) ([]string, error) {
	out, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
