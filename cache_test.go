package swarm

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "forever", []byte("2"), 0))

	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = c.Get(ctx, "forever")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestCacheKeyIsCanonical(t *testing.T) {
	a := &Request{Kind: TargetTool, Target: "t", Params: map[string]interface{}{"x": 1, "y": []interface{}{"a", "b"}}}
	b := &Request{ID: "different", Kind: TargetTool, Target: "t", Params: map[string]interface{}{
		"y": []interface{}{"a", "b"}, "x": 1, ContextVariablesName: map[string]interface{}{"ignored": true},
	}}
	c := &Request{Kind: TargetTool, Target: "t", Params: map[string]interface{}{"x": 2}}

	ka, err := CacheKey(a)
	require.NoError(t, err)
	kb, err := CacheKey(b)
	require.NoError(t, err)
	kc, err := CacheKey(c)
	require.NoError(t, err)

	assert.Equal(t, ka, kb)
	assert.NotEqual(t, ka, kc)
	assert.Len(t, ka, 64)
}

func TestCacheInterceptor(t *testing.T) {
	var calls atomic.Int32
	next := HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		calls.Add(1)
		return &Reply{Output: map[string]interface{}{"n": 1.0}, Content: "fresh", Usage: Usage{TotalTokens: 3}}, nil
	})
	cache := NewMemoryCache()
	h := CacheInterceptor(cache, CacheOptions{TTL: time.Minute})(next)
	ctx := context.Background()

	first, err := h.Handle(ctx, &Request{Kind: TargetTool, Target: "t", Params: map[string]interface{}{"q": "x"}})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := h.Handle(ctx, &Request{Kind: TargetTool, Target: "t", Params: map[string]interface{}{"q": "x"}})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, "fresh", second.Content)
	assert.Equal(t, map[string]interface{}{"n": 1.0}, second.Output)
	assert.Equal(t, int32(1), calls.Load())

	// Agents are not cached unless asked for.
	for i := 0; i < 2; i++ {
		_, err := h.Handle(ctx, &Request{Kind: TargetAgent, Target: "a", Input: "same"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())

	agents := CacheInterceptor(cache, CacheOptions{CacheAgents: true})(next)
	for i := 0; i < 2; i++ {
		_, err := agents.Handle(ctx, &Request{Kind: TargetAgent, Target: "a", Input: "same"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(4), calls.Load())
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("LANGSWARM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LANGSWARM_TEST_REDIS_ADDR not set")
	}
	c := DialRedisCache(addr, "", 0)
	ctx := context.Background()
	key := "langswarm:test:" + time.Now().Format(time.RFC3339Nano)

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, []byte("v"), time.Minute))
	v, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}
