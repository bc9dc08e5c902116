package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// memEntry holds one serialized envelope with its own expiry; TTLs vary by
// query mode.
type memEntry struct {
	payload   []byte
	expiresAt time.Time
	storedAt  time.Time
}

// MemoryBackend is the default backend: a TTL-bounded, size-limited in-memory
// map. The oldest entry is evicted when capacity is exceeded and a background
// goroutine prunes expired entries.
type MemoryBackend struct {
	mu         sync.Mutex
	entries    map[string]*memEntry
	maxEntries int
	evictions  atomic.Uint64
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMemory creates a MemoryBackend holding at most maxEntries envelopes.
func NewMemory(maxEntries int) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	b := &MemoryBackend{
		entries:    make(map[string]*memEntry),
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go b.cleanupLoop()
	return b
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(b.entries, key)
		return nil, false, nil
	}
	return e.payload, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[key]; !exists && len(b.entries) >= b.maxEntries {
		b.evictOldest()
	}
	now := time.Now()
	b.entries[key] = &memEntry{payload: payload, expiresAt: now.Add(ttl), storedAt: now}
	return nil
}

// Len returns the current entry count.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Evictions returns the number of capacity evictions since start.
func (b *MemoryBackend) Evictions() uint64 { return b.evictions.Load() }

// Close terminates the background cleanup goroutine.
func (b *MemoryBackend) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *MemoryBackend) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.prune()
		case <-b.stop:
			return
		}
	}
}

func (b *MemoryBackend) prune() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for k, e := range b.entries {
		if now.After(e.expiresAt) {
			delete(b.entries, k)
		}
	}
}

// evictOldest removes the entry stored earliest. Caller must hold b.mu.
func (b *MemoryBackend) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range b.entries {
		if first || e.storedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.storedAt
			first = false
		}
	}
	if !first {
		delete(b.entries, oldestKey)
		b.evictions.Add(1)
	}
}
