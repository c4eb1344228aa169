// Package cache remembers recently seen request ids so an event delivered by
// several relays is processed once.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenStore reports whether a key was already marked inside the TTL window.
// MarkSeen returns true only for the first caller.
type SeenStore interface {
	MarkSeen(ctx context.Context, key string) (bool, error)
}

type Config struct {
	TTL        time.Duration
	MaxEntries int
}

type MemorySeen struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewMemorySeen(config Config) *MemorySeen {
	if config.TTL <= 0 {
		config.TTL = 15 * time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	return &MemorySeen{
		entries:    make(map[string]time.Time),
		ttl:        config.TTL,
		maxEntries: config.MaxEntries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *MemorySeen) MarkSeen(_ context.Context, key string) (bool, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if expiresAt, exists := c.entries[key]; exists && now.Before(expiresAt) {
		return false, nil
	}
	if len(c.entries) >= c.maxEntries {
		c.evict(now)
	}
	c.entries[key] = now.Add(c.ttl)
	return true, nil
}

func (c *MemorySeen) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evict drops expired entries, then the oldest one if the map is still full.
func (c *MemorySeen) evict(now time.Time) {
	for key, expiresAt := range c.entries {
		if !now.Before(expiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}

	type pair struct {
		key       string
		expiresAt time.Time
	}
	pairs := make([]pair, 0, len(c.entries))
	for key, expiresAt := range c.entries {
		pairs = append(pairs, pair{key: key, expiresAt: expiresAt})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].expiresAt.Before(pairs[j].expiresAt)
	})
	delete(c.entries, pairs[0].key)
}

// RedisSeen shares the seen set between processes with SET NX EX.
type RedisSeen struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSeen(client *redis.Client, prefix string, ttl time.Duration) *RedisSeen {
	if strings.TrimSpace(prefix) == "" {
		prefix = "dvm:seen:"
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisSeen{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisSeen) MarkSeen(ctx context.Context, key string) (bool, error) {
	first, err := c.client.SetNX(ctx, c.prefix+key, 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return first, nil
}
