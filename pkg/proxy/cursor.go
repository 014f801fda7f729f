package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cursor holds the round-robin position and the start of the current time
// window. LocalCursor keeps it in memory; RedisCursor shares it between
// processes that rotate over the same proxy table.
type Cursor interface {
	Position(ctx context.Context) (int64, error)
	Advance(ctx context.Context) (int64, error)
	WindowStart(ctx context.Context) (time.Time, error)
	SetWindowStart(ctx context.Context, t time.Time) error
}

// LocalCursor is an in-process Cursor.
type LocalCursor struct {
	mu     sync.Mutex
	pos    int64
	window time.Time
}

func NewLocalCursor() *LocalCursor { return &LocalCursor{} }

func (c *LocalCursor) Position(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos, nil
}

func (c *LocalCursor) Advance(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos++
	return c.pos, nil
}

func (c *LocalCursor) WindowStart(context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window, nil
}

func (c *LocalCursor) SetWindowStart(_ context.Context, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = t
	return nil
}

// RedisCursor keeps the cursor in two redis keys under a prefix.
type RedisCursor struct {
	client *redis.Client
	prefix string
}

// NewRedisCursor creates a cursor stored under prefix (default "snare:proxy").
func NewRedisCursor(client *redis.Client, prefix string) *RedisCursor {
	if prefix == "" {
		prefix = "snare:proxy"
	}
	return &RedisCursor{client: client, prefix: prefix}
}

func (c *RedisCursor) posKey() string    { return c.prefix + ":cursor" }
func (c *RedisCursor) windowKey() string { return c.prefix + ":window" }

func (c *RedisCursor) Position(ctx context.Context) (int64, error) {
	n, err := c.client.Get(ctx, c.posKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("proxy: redis cursor: %w", err)
	}
	return n, nil
}

func (c *RedisCursor) Advance(ctx context.Context) (int64, error) {
	n, err := c.client.Incr(ctx, c.posKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("proxy: redis advance: %w", err)
	}
	return n, nil
}

func (c *RedisCursor) WindowStart(ctx context.Context) (time.Time, error) {
	ms, err := c.client.Get(ctx, c.windowKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("proxy: redis window: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func (c *RedisCursor) SetWindowStart(ctx context.Context, t time.Time) error {
	if err := c.client.Set(ctx, c.windowKey(), t.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("proxy: redis window: %w", err)
	}
	return nil
}
