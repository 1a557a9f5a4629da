package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryTier is the in-process L1 tier. It holds at most maxKeys entries and evicts
// the entry closest to expiry when full.
type MemoryTier struct {
	mu      sync.Mutex
	items   map[string]memoryItem
	maxKeys int
	now     func() time.Time
}

func NewMemoryTier(maxKeys int, now func() time.Time) *MemoryTier {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryTier{
		items:   make(map[string]memoryItem),
		maxKeys: maxKeys,
		now:     now,
	}
}

func (m *MemoryTier) Name() string { return TierMemory }

func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return nil, 0, false, nil
	}
	left := it.expiresAt.Sub(m.now())
	if left <= 0 {
		delete(m.items, key)
		return nil, 0, false, nil
	}
	return it.value, left, true, nil
}

func (m *MemoryTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[key]; !exists && len(m.items) >= m.maxKeys {
		m.evictLocked(now)
	}
	m.items[key] = memoryItem{value: value, expiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryTier) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	delete(m.items, key)
	return ok && it.expiresAt.After(m.now()), nil
}

func (m *MemoryTier) DeleteMatching(_ context.Context, glob string) (int64, error) {
	re := globMatcher(glob)
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.items {
		if re.MatchString(k) {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

// evictLocked drops expired entries, or the soonest-expiring one if none are expired.
func (m *MemoryTier) evictLocked(now time.Time) {
	var (
		victim string
		soon   time.Time
	)
	for k, it := range m.items {
		if !it.expiresAt.After(now) {
			delete(m.items, k)
			continue
		}
		if victim == "" || it.expiresAt.Before(soon) {
			victim, soon = k, it.expiresAt
		}
	}
	if len(m.items) >= m.maxKeys && victim != "" {
		delete(m.items, victim)
	}
}
