package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/FranksOps/snare/internal/storage"
)

// Store is the persistence the pool rotates over. storage.Backend satisfies it.
type Store interface {
	SelectableProxies(ctx context.Context) ([]*storage.Proxy, error)
	TouchProxy(ctx context.Context, id int64) error
	ResetProxyUsage(ctx context.Context, id int64) error
	ResetAllProxyUsage(ctx context.Context) error
	MarkProxySuccess(ctx context.Context, url string) error
	MarkProxyFailed(ctx context.Context, url string, maxFailures int) error
}

// Rotation holds the rotation windows for a selection. Zero disables a window.
type Rotation struct {
	// ByCount advances the cursor once the current proxy served this many requests.
	ByCount int
	// ByTime advances the cursor once this much time passed since the last rotation.
	ByTime time.Duration
}

// Pool selects proxies round-robin under rotation windows. Selections are
// serialised so a failure recorded before a Select is visible to it.
type Pool struct {
	mu     sync.Mutex
	store  Store
	cursor Cursor
	now    func() time.Time
}

// NewPool creates a pool. A nil cursor uses an in-process LocalCursor.
func NewPool(store Store, cursor Cursor) *Pool {
	if cursor == nil {
		cursor = NewLocalCursor()
	}
	return &Pool{
		store:  store,
		cursor: cursor,
		now:    time.Now,
	}
}

// Select returns the proxy to use for the next request, or nil when no proxy
// is selectable.
func (p *Pool) Select(ctx context.Context, rot Rotation) (*storage.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool, err := p.store.SelectableProxies(ctx)
	if err != nil {
		return nil, fmt.Errorf("proxy: load pool: %w", err)
	}
	if len(pool) == 0 {
		return nil, nil
	}

	now := p.now()
	start, err := p.cursor.WindowStart(ctx)
	if err != nil {
		return nil, fmt.Errorf("proxy: window: %w", err)
	}
	if start.IsZero() {
		if err := p.cursor.SetWindowStart(ctx, now); err != nil {
			return nil, fmt.Errorf("proxy: window: %w", err)
		}
		start = now
	}

	if rot.ByTime > 0 && now.Sub(start) >= rot.ByTime {
		if _, err := p.cursor.Advance(ctx); err != nil {
			return nil, fmt.Errorf("proxy: advance: %w", err)
		}
		if err := p.store.ResetAllProxyUsage(ctx); err != nil {
			return nil, fmt.Errorf("proxy: reset usage: %w", err)
		}
		for _, px := range pool {
			px.UsageCount = 0
		}
		if err := p.cursor.SetWindowStart(ctx, now); err != nil {
			return nil, fmt.Errorf("proxy: window: %w", err)
		}
	}

	pos, err := p.cursor.Position(ctx)
	if err != nil {
		return nil, fmt.Errorf("proxy: position: %w", err)
	}
	current := pool[index(pos, len(pool))]

	if rot.ByCount > 0 && current.UsageCount >= rot.ByCount {
		if err := p.store.ResetProxyUsage(ctx, current.ID); err != nil {
			return nil, fmt.Errorf("proxy: reset usage: %w", err)
		}
		current.UsageCount = 0
		if pos, err = p.cursor.Advance(ctx); err != nil {
			return nil, fmt.Errorf("proxy: advance: %w", err)
		}
		current = pool[index(pos, len(pool))]
	}

	if err := p.store.TouchProxy(ctx, current.ID); err != nil {
		return nil, fmt.Errorf("proxy: touch: %w", err)
	}
	current.UsageCount++
	current.TotalUsageCount++
	current.LastUsedAt = &now
	return current, nil
}

// MarkSuccess records a successful request through url.
func (p *Pool) MarkSuccess(ctx context.Context, url string) error {
	if err := p.store.MarkProxySuccess(ctx, url); err != nil {
		return fmt.Errorf("proxy: mark success: %w", err)
	}
	return nil
}

// MarkFailed records a failed request through url. The proxy leaves the
// selection pool once it has failed maxFailures times.
func (p *Pool) MarkFailed(ctx context.Context, url string, maxFailures int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.MarkProxyFailed(ctx, url, maxFailures); err != nil {
		return fmt.Errorf("proxy: mark failed: %w", err)
	}
	return nil
}

// ForceNext advances the cursor regardless of the rotation windows.
func (p *Pool) ForceNext(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.cursor.Advance(ctx); err != nil {
		return fmt.Errorf("proxy: advance: %w", err)
	}
	return nil
}

func index(pos int64, n int) int {
	i := int(pos % int64(n))
	if i < 0 {
		i += n
	}
	return i
}
