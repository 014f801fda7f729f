package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/FranksOps/snare/internal/storage"
)

// ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store for runs without a database.
type MemoryStore struct {
	mu      sync.Mutex
	proxies []*storage.Proxy
	nextID  int64
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Add parses and appends proxies, skipping invalid and duplicate lines.
func (m *MemoryStore) Add(raw ...string) storage.ProxyImport {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res storage.ProxyImport
	for _, r := range raw {
		u, err := ParseURL(r)
		if err != nil {
			res.Invalid++
			continue
		}
		if m.find(u.String()) != nil {
			continue
		}
		m.nextID++
		m.proxies = append(m.proxies, &storage.Proxy{
			ID:       m.nextID,
			URL:      u.String(),
			RawInput: r,
			Status:   storage.ProxyPending,
		})
		res.Added++
	}
	return res
}

// Snapshot returns copies of every stored proxy.
func (m *MemoryStore) Snapshot() []storage.Proxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.Proxy, len(m.proxies))
	for i, p := range m.proxies {
		out[i] = *p
	}
	return out
}

func (m *MemoryStore) find(url string) *storage.Proxy {
	for _, p := range m.proxies {
		if p.URL == url {
			return p
		}
	}
	return nil
}

func (m *MemoryStore) byID(id int64) *storage.Proxy {
	for _, p := range m.proxies {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (m *MemoryStore) SelectableProxies(context.Context) ([]*storage.Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.Proxy
	for _, p := range m.proxies {
		if p.Status == storage.ProxyFailed {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) TouchProxy(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.byID(id); p != nil {
		now := time.Now()
		p.UsageCount++
		p.TotalUsageCount++
		p.LastUsedAt = &now
	}
	return nil
}

func (m *MemoryStore) ResetProxyUsage(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.byID(id); p != nil {
		p.UsageCount = 0
	}
	return nil
}

func (m *MemoryStore) ResetAllProxyUsage(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.proxies {
		p.UsageCount = 0
	}
	return nil
}

func (m *MemoryStore) MarkProxySuccess(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.find(url); p != nil {
		p.SuccessCount++
	}
	return nil
}

func (m *MemoryStore) MarkProxyFailed(_ context.Context, url string, maxFailures int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.find(url); p != nil {
		p.FailCount++
		if p.FailCount >= maxFailures {
			p.Status = storage.ProxyFailed
		}
	}
	return nil
}
