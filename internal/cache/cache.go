// Package cache provides the TTL key-value cache that fronts the query layer.
//
// Keys are namespaced as <scope>:<identifier>:<facet> (e.g. "workspace:123:kpis")
// so invalidation can target exactly one workspace's cached facets without
// touching any other tenant.
package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/vigil-ai/vigil/internal/telemetry"
)

// Cache is the narrow capability interface the query layer depends on.
// Production uses Memory; tests may substitute fakes.
type Cache interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (any, bool)
	Invalidate(ctx context.Context, pattern string) (int, error)
}

// entry is one cached value. Entries are replaced whole, never mutated.
type entry struct {
	value     any
	expiresAt time.Time
}

// Memory is an in-process Cache with lazy expiry on read plus a background
// sweep that evicts expired entries to bound memory. Safe for concurrent use;
// each operation is individually atomic.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry

	hits   atomic.Int64
	misses atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemory creates a Memory cache. sweepInterval controls how often the
// background sweep evicts expired entries; <= 0 disables the sweep (expiry
// is then enforced at read time only). Call Close to stop the sweep.
func NewMemory(sweepInterval time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go m.sweep(sweepInterval)
	}
	return m
}

// Set stores value under key for ttl. An existing entry is overwritten whole.
func (m *Memory) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Get returns the value for key, or (nil, false) for unset or expired keys.
// No caller ever observes a value past its TTL: expiry is checked at read
// time even if the sweep has not run yet.
func (m *Memory) Get(_ context.Context, key string) (any, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.misses.Add(1)
		m.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have refreshed it.
		if cur, still := m.entries[key]; still && time.Now().After(cur.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false
	}
	m.hits.Add(1)
	return e.value, true
}

// Invalidate removes every key matching pattern and returns how many were
// removed. A trailing '*' matches any suffix; without one the pattern is an
// exact key. Keys outside the pattern are never affected.
func (m *Memory) Invalidate(ctx context.Context, pattern string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		removed := 0
		for k := range m.entries {
			if strings.HasPrefix(k, prefix) {
				delete(m.entries, k)
				removed++
			}
		}
		return removed, nil
	}

	if _, ok := m.entries[pattern]; ok {
		delete(m.entries, pattern)
		return 1, nil
	}
	return 0, nil
}

// Len returns the number of entries currently held, including not-yet-swept
// expired ones.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stats returns cumulative hit and miss counts.
func (m *Memory) Stats() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}

// RegisterMetrics registers observable counters for cache effectiveness.
// Call after the global meter provider has been initialized.
func (m *Memory) RegisterMetrics() {
	meter := telemetry.Meter("vigil/cache")
	_, _ = meter.Int64ObservableCounter("vigil.cache.hits",
		metric.WithDescription("Cumulative cache hits"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			hits, _ := m.Stats()
			o.Observe(hits)
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("vigil.cache.misses",
		metric.WithDescription("Cumulative cache misses"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			_, misses := m.Stats()
			o.Observe(misses)
			return nil
		}),
	)
}

// Close stops the background sweep goroutine.
func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.entries {
				if now.After(e.expiresAt) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		}
	}
}
