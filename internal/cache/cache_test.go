package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ccbridge/gateway/internal/store"
)

// newTestStore opens a throwaway persisted store for write-through tests.
func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(fp, text string, ttl time.Duration) *store.CacheEntry {
	return &store.CacheEntry{
		Fingerprint: fp,
		Text:        text,
		Provider:    "stub",
		StoredAt:    time.Now().UTC(),
		TTL:         ttl,
	}
}

func TestFingerprintNormalization(t *testing.T) {
	base := Fingerprint("OpenAI", "GPT-4o", "agent", "  hello  ")

	// Case of provider/model and prompt whitespace do not matter.
	if Fingerprint("openai", "gpt-4o", "agent", "hello") != base {
		t.Error("case/whitespace variants must share a fingerprint")
	}

	// NFC: decomposed é (e + combining acute) equals precomposed é.
	composed := Fingerprint("p", "m", "", "café")
	decomposed := Fingerprint("p", "m", "", "café")
	if composed != decomposed {
		t.Error("NFC variants must share a fingerprint")
	}

	// Distinct fields are separated — no concatenation collisions.
	if Fingerprint("p", "ab", "", "x") == Fingerprint("p", "a", "b", "x") {
		t.Error("field boundaries must be preserved")
	}
	if Fingerprint("p", "m", "", "different") == base {
		t.Error("different prompts must differ")
	}
}

func TestCacheGetPut(t *testing.T) {
	m := NewManager(10, 0, nil, nil)
	ctx := context.Background()

	if _, ok := m.Get(ctx, "missing"); ok {
		t.Fatal("empty cache must miss")
	}

	m.Put(ctx, entry("fp1", "cached", time.Hour))
	got, ok := m.Get(ctx, "fp1")
	if !ok || got.Text != "cached" {
		t.Fatalf("get after put: ok=%v got=%+v", ok, got)
	}

	stats := m.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	m := NewManager(10, 0, nil, nil)
	ctx := context.Background()

	e := entry("fp1", "stale", time.Hour)
	e.StoredAt = time.Now().Add(-2 * time.Hour)
	m.Put(ctx, e)

	if _, ok := m.Get(ctx, "fp1"); ok {
		t.Error("expired entry must miss")
	}
	if m.Stats().Entries != 0 {
		t.Error("expired entry must be evicted on access")
	}
}

func TestCacheLRUEvictionByCount(t *testing.T) {
	m := NewManager(2, 0, nil, nil)
	ctx := context.Background()

	m.Put(ctx, entry("a", "1", time.Hour))
	m.Put(ctx, entry("b", "2", time.Hour))

	// Touch a so b is the least recently used.
	if _, ok := m.Get(ctx, "a"); !ok {
		t.Fatal("a must be present")
	}

	m.Put(ctx, entry("c", "3", time.Hour))

	if _, ok := m.Get(ctx, "b"); ok {
		t.Error("b should have been evicted as LRU")
	}
	if _, ok := m.Get(ctx, "a"); !ok {
		t.Error("a must survive")
	}
	if _, ok := m.Get(ctx, "c"); !ok {
		t.Error("c must survive")
	}
	if m.Stats().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", m.Stats().Evictions)
	}
}

func TestCacheEvictionByBytes(t *testing.T) {
	// Each entry is ~64 bytes of overhead plus payload; cap small enough for
	// exactly one big entry.
	m := NewManager(0, 300, nil, nil)
	ctx := context.Background()

	m.Put(ctx, entry("big1", string(make([]byte, 150)), time.Hour))
	m.Put(ctx, entry("big2", string(make([]byte, 150)), time.Hour))

	if m.Stats().Entries != 1 {
		t.Errorf("entries = %d, want 1 after byte-bound eviction", m.Stats().Entries)
	}
	if _, ok := m.Get(ctx, "big2"); !ok {
		t.Error("most recent insert must survive byte eviction")
	}
}

func TestCachePersistWriteThrough(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(10, 0, st, nil)
	ctx := context.Background()

	m.Put(ctx, entry("fp1", "durable", time.Hour))

	// A fresh manager over the same store sees the entry after Load.
	m2 := NewManager(10, 0, st, nil)
	if err := m2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := m2.Get(ctx, "fp1")
	if !ok || got.Text != "durable" {
		t.Errorf("warm start miss: ok=%v got=%+v", ok, got)
	}
}

func TestCacheClearAndCleanup(t *testing.T) {
	m := NewManager(10, 0, nil, nil)
	ctx := context.Background()

	fresh := entry("fresh", "x", time.Hour)
	stale := entry("stale", "y", time.Minute)
	stale.StoredAt = time.Now().Add(-time.Hour)
	m.Put(ctx, fresh)
	m.Put(ctx, stale)

	if n := m.Cleanup(ctx); n != 1 {
		t.Errorf("cleanup removed %d, want 1", n)
	}
	if _, ok := m.Get(ctx, "fresh"); !ok {
		t.Error("cleanup must keep fresh entries")
	}

	if n := m.Clear(ctx); n != 1 {
		t.Errorf("clear removed %d, want 1", n)
	}
	if m.Stats().Entries != 0 {
		t.Error("clear must empty the cache")
	}
}
