package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/go-redis/redis/v8"

	"github.com/marketroute/marketroute/internal/priority"
)

// SnapshotStore persists the exported priority configuration so a
// restarted process can pick up runtime re-rankings. History is not
// kept; each Save overwrites the previous snapshot.
type SnapshotStore interface {
	Save(ctx context.Context, snap priority.Export) error
	Load(ctx context.Context) (priority.Export, bool, error)
}

// Memory is an in-process SnapshotStore.
type Memory struct {
	mu   sync.Mutex
	snap priority.Export
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Save(_ context.Context, snap priority.Export) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	return nil
}

func (m *Memory) Load(_ context.Context) (priority.Export, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, false, nil
	}
	return m.snap, true, nil
}

// Redis stores the snapshot as JSON under a single key.
type Redis struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedis wraps an existing client. Zero ttl means the snapshot never
// expires.
func NewRedis(client redis.Cmdable, key string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: key, ttl: ttl}
}

func (r *Redis) Save(ctx context.Context, snap priority.Export) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, b, r.ttl).Err()
}

func (r *Redis) Load(ctx context.Context) (priority.Export, bool, error) {
	b, err := r.client.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snap priority.Export
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, false, err
	}
	return snap, true, nil
}
