package swarm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/redis/go-redis/v9"
)

// Cache stores encoded replies by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set implements Cache. A zero ttl never expires.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache stores replies in Redis.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// DialRedisCache connects to the Redis server at addr.
func DialRedisCache(addr, password string, db int) *RedisCache {
	return NewRedisCache(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return b, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// CacheOptions tunes CacheInterceptor.
type CacheOptions struct {
	TTL time.Duration
	// CacheAgents also caches agent replies; they are skipped by default
	CacheAgents bool
	// Prefix namespaces keys (default "langswarm:cache:")
	Prefix string
}

// CacheKey derives a stable key from the canonical JSON form of a request.
func CacheKey(req *Request) (string, error) {
	params := make(map[string]interface{}, len(req.Params))
	for k, v := range req.Params {
		if k != ContextVariablesName {
			params[k] = v
		}
	}
	raw, err := json.Marshal(map[string]interface{}{
		"kind":   req.Kind,
		"target": req.Target,
		"method": req.Method,
		"input":  req.Input,
		"params": params,
	})
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize cache key: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CacheInterceptor serves repeated requests from cache.
// Cache failures are logged and bypassed.
func CacheInterceptor(cache Cache, opts CacheOptions) Interceptor {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "langswarm:cache:"
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
			if req.Kind == TargetAgent && !opts.CacheAgents {
				return next.Handle(ctx, req)
			}
			key, err := CacheKey(req)
			if err != nil {
				Logger().DebugContext(ctx, "request not cacheable", slog.String("target", req.Target), slog.Any("error", err))
				return next.Handle(ctx, req)
			}
			key = prefix + key

			if b, ok, err := cache.Get(ctx, key); err != nil {
				Logger().WarnContext(ctx, "cache read failed", slog.Any("error", err))
			} else if ok {
				var reply Reply
				if err := json.Unmarshal(b, &reply); err == nil {
					reply.CacheHit = true
					reply.Latency = 0
					return &reply, nil
				}
			}

			reply, err := next.Handle(ctx, req)
			if err != nil {
				return nil, err
			}
			b, err := json.Marshal(reply)
			if err != nil {
				return reply, nil
			}
			if err := cache.Set(ctx, key, b, opts.TTL); err != nil {
				Logger().WarnContext(ctx, "cache write failed", slog.Any("error", err))
			}
			return reply, nil
		})
	}
}
