// Package cache implements the tiered read-through/write-through cache.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Options configures a Manager.
type Options struct {
	Prefix     string
	Version    string
	DefaultTTL time.Duration
	Memory     Tier // optional L1
	Redis      Tier // optional L2
	Durable    *DurableTier
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Stats is a snapshot of the manager counters.
type Stats struct {
	Hits     int64            `json:"hits"`
	Misses   int64            `json:"misses"`
	Writes   int64            `json:"writes"`
	Deletes  int64            `json:"deletes"`
	HitRate  float64          `json:"hit_rate"`
	TierHits map[string]int64 `json:"tier_hits"`
}

// Manager fronts the configured tiers, fastest first.
type Manager struct {
	prefix     string
	version    string
	defaultTTL time.Duration
	tiers      []Tier
	durable    *DurableTier
	metrics    *Metrics
	logger     *slog.Logger
	group      singleflight.Group

	hits, misses, writes, deletes atomic.Int64
	tierMu                        sync.Mutex
	tierHits                      map[string]int64
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	m := &Manager{
		prefix:     opts.Prefix,
		version:    opts.Version,
		defaultTTL: ttl,
		durable:    opts.Durable,
		metrics:    opts.Metrics,
		logger:     logger,
		tierHits:   make(map[string]int64),
	}
	if opts.Memory != nil {
		m.tiers = append(m.tiers, opts.Memory)
	}
	if opts.Redis != nil {
		m.tiers = append(m.tiers, opts.Redis)
	}
	if opts.Durable != nil {
		m.tiers = append(m.tiers, opts.Durable)
	}
	return m
}

// Key returns the namespaced, versioned form of a logical key.
func (m *Manager) Key(key string) string {
	return m.prefix + m.version + "_" + key
}

// Get probes the tiers in order and decodes the first hit into dst. Hits from slower
// tiers are copied into the faster ones. It reports false on a miss and leaves dst untouched.
func (m *Manager) Get(ctx context.Context, key string, dst any) bool {
	if m.lookup(ctx, key, dst) {
		return true
	}
	m.misses.Add(1)
	if m.metrics != nil {
		m.metrics.misses.Inc()
	}
	return false
}

func (m *Manager) lookup(ctx context.Context, key string, dst any) bool {
	k := m.Key(key)
	for i, t := range m.tiers {
		data, ttl, found, err := t.Get(ctx, k)
		if err != nil {
			m.logger.Warn("cache.get.tier_error", "tier", t.Name(), "key", key, "error", err)
			continue
		}
		if !found {
			continue
		}
		if err := decode(data, dst); err != nil {
			// A slower tier may still hold a readable copy.
			m.logger.Warn("cache.get.decode_error", "tier", t.Name(), "key", key, "error", err)
			continue
		}
		m.recordHit(t.Name())
		if i > 0 {
			if ttl <= 0 {
				ttl = m.defaultTTL
			}
			m.promote(ctx, k, data, ttl, m.tiers[:i])
		}
		return true
	}
	return false
}

// GetString returns the cached string for key, or def on a miss.
func (m *Manager) GetString(ctx context.Context, key, def string) string {
	var s string
	if m.Get(ctx, key, &s) {
		return s
	}
	return def
}

func (m *Manager) promote(ctx context.Context, k string, data []byte, ttl time.Duration, faster []Tier) {
	for _, t := range faster {
		if err := t.Set(ctx, k, data, ttl); err != nil {
			m.logger.Warn("cache.promote.failed", "tier", t.Name(), "key", k, "error", err)
		}
	}
}

// Set writes v to every tier. The result reflects the durable write; failures in
// faster tiers are only logged. A ttl <= 0 uses the default.
func (m *Manager) Set(ctx context.Context, key string, v any, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	data, err := encode(v)
	if err != nil {
		m.logger.Error("cache.set.encode_error", "key", key, "error", err)
		return false
	}
	k := m.Key(key)
	ok := true
	for _, t := range m.tiers {
		if err := t.Set(ctx, k, data, ttl); err != nil {
			if t == Tier(m.durable) {
				m.logger.Error("cache.set.failed", "tier", t.Name(), "key", key, "error", err)
				ok = false
				continue
			}
			m.logger.Warn("cache.set.failed", "tier", t.Name(), "key", key, "error", err)
		}
	}
	if m.durable == nil {
		ok = len(m.tiers) > 0
	}
	if ok {
		m.writes.Add(1)
		if m.metrics != nil {
			m.metrics.writes.Inc()
		}
	}
	return ok
}

// Delete removes key from every tier. Absent keys are not an error and are not
// counted as deletes.
func (m *Manager) Delete(ctx context.Context, key string) bool {
	k := m.Key(key)
	ok, removed := true, false
	for _, t := range m.tiers {
		present, err := t.Delete(ctx, k)
		if err != nil {
			m.logger.Warn("cache.delete.failed", "tier", t.Name(), "key", key, "error", err)
			ok = false
			continue
		}
		removed = removed || present
	}
	if removed {
		m.countDeletes(1)
	}
	return ok
}

// Flush clears the whole namespace, every version included.
func (m *Manager) Flush(ctx context.Context) bool {
	_, ok := m.deleteMatching(ctx, m.prefix+"*")
	m.logger.Info("cache.flush", "prefix", m.prefix, "ok", ok)
	return ok
}

// FlushPattern removes keys of the current version matching glob and returns the
// number of durable rows removed.
func (m *Manager) FlushPattern(ctx context.Context, glob string) int64 {
	n, _ := m.deleteMatching(ctx, m.Key(glob))
	m.logger.Debug("cache.flush_pattern", "pattern", glob, "rows", n)
	return n
}

func (m *Manager) deleteMatching(ctx context.Context, glob string) (int64, bool) {
	var (
		durableRows int64
		ok          = true
	)
	for _, t := range m.tiers {
		n, err := t.DeleteMatching(ctx, glob)
		if err != nil {
			m.logger.Warn("cache.flush.failed", "tier", t.Name(), "pattern", glob, "error", err)
			ok = false
			continue
		}
		if t == Tier(m.durable) {
			durableRows = n
		}
	}
	m.countDeletes(durableRows)
	return durableRows, ok
}

// SweepExpired deletes durable rows whose expiry has passed.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	if m.durable == nil {
		return 0, nil
	}
	return m.durable.SweepExpired(ctx)
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		Hits:     m.hits.Load(),
		Misses:   m.misses.Load(),
		Writes:   m.writes.Load(),
		Deletes:  m.deletes.Load(),
		TierHits: make(map[string]int64),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	m.tierMu.Lock()
	for k, v := range m.tierHits {
		s.TierHits[k] = v
	}
	m.tierMu.Unlock()
	return s
}

func (m *Manager) recordHit(tier string) {
	m.hits.Add(1)
	m.tierMu.Lock()
	m.tierHits[tier]++
	m.tierMu.Unlock()
	if m.metrics != nil {
		m.metrics.hits.WithLabelValues(tier).Inc()
	}
}

func (m *Manager) countDeletes(n int64) {
	if n <= 0 {
		return
	}
	m.deletes.Add(n)
	if m.metrics != nil {
		m.metrics.deletes.Add(float64(n))
	}
}

// Remember returns the cached value for key, or calls fn, caches its result and returns
// it. Concurrent misses for the same key share a single fn call. Errors from fn are
// returned and nothing is cached.
func Remember[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var out T
	if m.Get(ctx, key, &out) {
		return out, nil
	}
	v, err, shared := m.group.Do(key, func() (any, error) {
		// A call that started after a previous flight landed finds the value here.
		var cached T
		if m.lookup(ctx, key, &cached) {
			return cached, nil
		}
		v, err := fn(ctx)
		if err != nil {
			return v, err
		}
		m.Set(ctx, key, v, ttl)
		return v, nil
	})
	if shared {
		m.logger.Debug("cache.remember.coalesced", "key", key)
	}
	if err != nil {
		return out, err
	}
	out, _ = v.(T)
	return out, nil
}
