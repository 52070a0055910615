// Package cache implements the fingerprint → response cache with TTL, LRU
// eviction, and single-flight coalescing of concurrent identical requests.
//
// The in-memory LRU is the source of truth for reads; writes go through to
// the state store's cache_entries table so the cache survives restarts.
// Persistence failures degrade gracefully — the in-memory entry stays valid
// and the miss is only on the next cold start.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ccbridge/gateway/internal/store"
)

// Persister is the slice of the state store the cache writes through to.
type Persister interface {
	CachePut(ctx context.Context, e *store.CacheEntry) error
	CacheEvict(ctx context.Context, fingerprints ...string) error
	CacheClear(ctx context.Context) (int64, error)
	CachePurgeExpired(ctx context.Context, now time.Time) (int64, error)
	CacheLoad(ctx context.Context) ([]*store.CacheEntry, error)
}

// Stats is a point-in-time snapshot of cache state and counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	InFlight  int   `json:"in_flight"`
}

// Manager owns the LRU, the persisted mirror, and the single-flight map.
// Safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	maxEntries int
	maxBytes   int64

	ll    *list.List // front = most recently used
	items map[string]*list.Element
	bytes int64

	flights map[string]*Flight

	hits, misses, evictions int64

	persist Persister // nil-safe: nil means in-memory only
	log     *slog.Logger
}

type lruEntry struct {
	entry *store.CacheEntry
}

// NewManager creates a cache bounded by maxEntries and/or maxBytes
// (whichever limits are > 0). persist may be nil.
func NewManager(maxEntries int, maxBytes int64, persist Persister, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		flights:    make(map[string]*Flight),
		persist:    persist,
		log:        log.With(slog.String("component", "cache")),
	}
}

// Load rebuilds the LRU from the persisted mirror, dropping entries that
// expired while the gateway was down.
func (m *Manager) Load(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}
	entries, err := m.persist.CacheLoad(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	var expired []string

	m.mu.Lock()
	for _, e := range entries {
		if e.Expired(now) {
			expired = append(expired, e.Fingerprint)
			continue
		}
		m.insertLocked(e)
	}
	loaded := m.ll.Len()
	m.mu.Unlock()

	if len(expired) > 0 {
		if err := m.persist.CacheEvict(ctx, expired...); err != nil {
			m.log.Warn("failed to drop expired entries", slog.String("error", err.Error()))
		}
	}
	if loaded > 0 {
		m.log.Info("cache warmed from store", slog.Int("entries", loaded))
	}
	return nil
}

// Get returns the entry for fingerprint when present and unexpired.
// An expired entry is evicted on access; a read issued after the eviction
// commits will miss.
func (m *Manager) Get(ctx context.Context, fingerprint string) (*store.CacheEntry, bool) {
	m.mu.Lock()
	elem, ok := m.items[fingerprint]
	if !ok {
		m.misses++
		m.mu.Unlock()
		return nil, false
	}

	e := elem.Value.(*lruEntry).entry
	if e.Expired(time.Now()) {
		m.removeLocked(fingerprint, elem)
		m.misses++
		m.mu.Unlock()

		if m.persist != nil {
			if err := m.persist.CacheEvict(ctx, fingerprint); err != nil {
				m.log.Warn("evict persist failed", slog.String("error", err.Error()))
			}
		}
		return nil, false
	}

	m.ll.MoveToFront(elem)
	m.hits++
	m.mu.Unlock()
	return e, true
}

// Put inserts (or replaces) an entry and evicts LRU overflow.
func (m *Manager) Put(ctx context.Context, e *store.CacheEntry) {
	m.mu.Lock()
	if old, ok := m.items[e.Fingerprint]; ok {
		m.removeLocked(e.Fingerprint, old)
	}
	m.insertLocked(e)
	evicted := m.evictOverflowLocked()
	m.mu.Unlock()

	if m.persist == nil {
		return
	}
	if err := m.persist.CachePut(ctx, e); err != nil {
		m.log.Warn("cache persist failed",
			slog.String("fingerprint", e.Fingerprint),
			slog.String("error", err.Error()))
	}
	if len(evicted) > 0 {
		if err := m.persist.CacheEvict(ctx, evicted...); err != nil {
			m.log.Warn("evict persist failed", slog.String("error", err.Error()))
		}
	}
}

// Evict removes a single fingerprint.
func (m *Manager) Evict(ctx context.Context, fingerprint string) {
	m.mu.Lock()
	if elem, ok := m.items[fingerprint]; ok {
		m.removeLocked(fingerprint, elem)
	}
	m.mu.Unlock()

	if m.persist != nil {
		if err := m.persist.CacheEvict(ctx, fingerprint); err != nil {
			m.log.Warn("evict persist failed", slog.String("error", err.Error()))
		}
	}
}

// Clear drops every entry, in memory and persisted. Returns the count removed.
func (m *Manager) Clear(ctx context.Context) int64 {
	m.mu.Lock()
	n := int64(m.ll.Len())
	m.ll.Init()
	m.items = make(map[string]*list.Element)
	m.bytes = 0
	m.mu.Unlock()

	if m.persist != nil {
		if _, err := m.persist.CacheClear(ctx); err != nil {
			m.log.Warn("cache clear persist failed", slog.String("error", err.Error()))
		}
	}
	return n
}

// Cleanup removes expired entries. Returns the count removed.
func (m *Manager) Cleanup(ctx context.Context) int64 {
	now := time.Now()
	var expired []string

	m.mu.Lock()
	for fp, elem := range m.items {
		if elem.Value.(*lruEntry).entry.Expired(now) {
			expired = append(expired, fp)
		}
	}
	for _, fp := range expired {
		m.removeLocked(fp, m.items[fp])
	}
	m.mu.Unlock()

	if m.persist != nil {
		if _, err := m.persist.CachePurgeExpired(ctx, now); err != nil {
			m.log.Warn("cache purge persist failed", slog.String("error", err.Error()))
		}
	}
	return int64(len(expired))
}

// Stats returns a snapshot of counters and sizes.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Entries:   m.ll.Len(),
		Bytes:     m.bytes,
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		InFlight:  len(m.flights),
	}
}

// ── LRU internals (m.mu held) ────────────────────────────────────────────────

func (m *Manager) insertLocked(e *store.CacheEntry) {
	elem := m.ll.PushFront(&lruEntry{entry: e})
	m.items[e.Fingerprint] = elem
	m.bytes += e.SizeBytes()
}

func (m *Manager) removeLocked(fingerprint string, elem *list.Element) {
	m.ll.Remove(elem)
	delete(m.items, fingerprint)
	m.bytes -= elem.Value.(*lruEntry).entry.SizeBytes()
}

// evictOverflowLocked pops LRU entries until both configured bounds hold.
// Returns the evicted fingerprints for persistence cleanup.
func (m *Manager) evictOverflowLocked() []string {
	var evicted []string
	for {
		overEntries := m.maxEntries > 0 && m.ll.Len() > m.maxEntries
		overBytes := m.maxBytes > 0 && m.bytes > m.maxBytes
		if !overEntries && !overBytes {
			return evicted
		}
		oldest := m.ll.Back()
		if oldest == nil {
			return evicted
		}
		fp := oldest.Value.(*lruEntry).entry.Fingerprint
		m.removeLocked(fp, oldest)
		m.evictions++
		evicted = append(evicted, fp)
	}
}
