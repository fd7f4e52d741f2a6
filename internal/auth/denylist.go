package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Denylist records revoked token IDs until they expire.
type Denylist interface {
	Add(ctx context.Context, tokenID string, ttl time.Duration) error
	Contains(ctx context.Context, tokenID string) (bool, error)
}

// MemoryDenylist is a process-local Denylist.
type MemoryDenylist struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryDenylist creates an empty in-memory denylist.
func NewMemoryDenylist() *MemoryDenylist {
	return &MemoryDenylist{entries: make(map[string]time.Time)}
}

func (d *MemoryDenylist) Add(_ context.Context, tokenID string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[tokenID] = time.Now().Add(ttl)
	return nil
}

func (d *MemoryDenylist) Contains(_ context.Context, tokenID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for id, exp := range d.entries {
		if now.After(exp) {
			delete(d.entries, id)
		}
	}
	_, ok := d.entries[tokenID]
	return ok, nil
}

const redisDenylistPrefix = "collab:revoked:"

// RedisDenylist shares revocations between hub processes through Redis.
type RedisDenylist struct {
	client *redis.Client
}

// NewRedisDenylist connects to the Redis server at url (redis://host:port/db).
func NewRedisDenylist(ctx context.Context, url string) (*RedisDenylist, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisDenylist{client: client}, nil
}

func (d *RedisDenylist) Add(ctx context.Context, tokenID string, ttl time.Duration) error {
	return d.client.Set(ctx, redisDenylistPrefix+tokenID, 1, ttl).Err()
}

func (d *RedisDenylist) Contains(ctx context.Context, tokenID string) (bool, error) {
	n, err := d.client.Exists(ctx, redisDenylistPrefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close releases the Redis connection pool.
func (d *RedisDenylist) Close() error {
	return d.client.Close()
}
