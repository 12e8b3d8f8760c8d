package swarm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Context carries a run's event stream and its live status values.
// It wraps a standard context.Context so consumers can stop listening with Cancel.
//
// The Context is safe for concurrent use by multiple goroutines.
type Context struct {
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan Event
	dropped atomic.Int64
	state   map[string]interface{}
	mu      sync.RWMutex
}

// NewContext creates a new Context with the provided parent context.
// The event channel buffers 100 events.
func NewContext(ctx context.Context) *Context {
	return NewContextSize(ctx, 100)
}

// NewContextSize creates a Context whose event channel buffers size events.
func NewContextSize(ctx context.Context, size int) *Context {
	ctx, cancel := context.WithCancel(ctx)
	return &Context{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, size),
		state:  make(map[string]interface{}),
	}
}

// Context returns the underlying context.Context that this Context wraps.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Cancel cancels the Context. Publishing afterwards fails with context.Canceled.
func (c *Context) Cancel() {
	c.cancel()
}

// Publish offers event to the stream without blocking. When the buffer is
// full the event is dropped and counted.
func (c *Context) Publish(event Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if err := c.ctx.Err(); err != nil {
		return err
	}
	select {
	case c.events <- event:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// SendEvent delivers event, blocking until there is room or the Context is canceled.
func (c *Context) SendEvent(event Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if err := c.ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.events <- event:
		return nil
	}
}

// Events returns a receive-only channel for consuming events.
func (c *Context) Events() <-chan Event {
	return c.events
}

// Dropped returns how many published events were discarded.
func (c *Context) Dropped() int64 {
	return c.dropped.Load()
}

// Set stores a key-value pair in the Context's state map.
func (c *Context) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key] = value
}

// Get retrieves a value from the Context's state map.
func (c *Context) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.state[key]
	return value, ok
}

// GetString retrieves a string value from the Context's state map.
func (c *Context) GetString(key string) (string, bool) {
	value, ok := c.Get(key)
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// Clone returns a copy of the Context's state map.
func (c *Context) Clone() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneMap(c.state)
}
