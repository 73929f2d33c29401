package chain

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Cache remembers addresses already seen on the allow-list. Only positive
// results are cached: an allow-listed address never leaves the list through
// this service, while a negative answer can flip at any moment.
type Cache interface {
	Authorized(ctx context.Context, address string) (bool, error)
	MarkAuthorized(ctx context.Context, address string) error
}

// MemoryCache is an in-process Cache with a fixed TTL.
type MemoryCache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryCache creates a cache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryCache) Authorized(_ context.Context, address string) (bool, error) {
	m.mu.RLock()
	exp, ok := m.expires[strings.ToLower(address)]
	m.mu.RUnlock()
	return ok && m.now().Before(exp), nil
}

func (m *MemoryCache) MarkAuthorized(_ context.Context, address string) error {
	if m.ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	// Sweep on write; the set is bounded by the number of institutions.
	for k, exp := range m.expires {
		if !now.Before(exp) {
			delete(m.expires, k)
		}
	}
	m.expires[strings.ToLower(address)] = now.Add(m.ttl)
	return nil
}

var _ Cache = (*MemoryCache)(nil)
