package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ccbridge/gateway/internal/model"
)

// CachePut writes (or replaces) the persisted entry for a fingerprint.
func (s *SQLiteStore) CachePut(ctx context.Context, e *CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (
			fingerprint, text, thinking, input_tokens, output_tokens,
			total_tokens, provider, backend, stored_at, ttl_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			text = excluded.text,
			thinking = excluded.thinking,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			total_tokens = excluded.total_tokens,
			provider = excluded.provider,
			backend = excluded.backend,
			stored_at = excluded.stored_at,
			ttl_ms = excluded.ttl_ms`,
		e.Fingerprint, e.Text, e.Thinking, e.InputTokens, e.OutputTokens,
		e.TotalTokens, e.Provider, string(e.Backend),
		toMillis(e.StoredAt), e.TTL.Milliseconds())
	if err != nil {
		return fmt.Errorf("store: cache put: %w", err)
	}
	return nil
}

// CacheGet returns the persisted entry for fingerprint, or ErrNotFound.
// Expiry is the cache manager's concern; this returns whatever is stored.
func (s *SQLiteStore) CacheGet(ctx context.Context, fingerprint string) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, text, thinking, input_tokens, output_tokens,
		       total_tokens, provider, backend, stored_at, ttl_ms
		FROM cache_entries WHERE fingerprint = ?`, fingerprint)

	e, err := scanCacheEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: cache entry: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: cache get: %w", err)
	}
	return e, nil
}

// CacheEvict removes the entries for the given fingerprints.
func (s *SQLiteStore) CacheEvict(ctx context.Context, fingerprints ...string) error {
	for _, fp := range fingerprints {
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM cache_entries WHERE fingerprint = ?", fp); err != nil {
			return fmt.Errorf("store: cache evict: %w", err)
		}
	}
	return nil
}

// CacheClear drops every persisted entry.
func (s *SQLiteStore) CacheClear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries")
	if err != nil {
		return 0, fmt.Errorf("store: cache clear: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CachePurgeExpired removes entries past stored_at+ttl at now.
func (s *SQLiteStore) CachePurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE stored_at + ttl_ms < ?", toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("store: cache purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CacheLoad returns every persisted entry, oldest first. Used to rebuild the
// in-memory LRU on startup.
func (s *SQLiteStore) CacheLoad(ctx context.Context) ([]*CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, text, thinking, input_tokens, output_tokens,
		       total_tokens, provider, backend, stored_at, ttl_ms
		FROM cache_entries ORDER BY stored_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: cache load: %w", err)
	}
	defer rows.Close()

	var out []*CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: cache load: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanCacheEntry(row rowScanner) (*CacheEntry, error) {
	var e CacheEntry
	var backend string
	var storedAt, ttlMs int64
	err := row.Scan(&e.Fingerprint, &e.Text, &e.Thinking,
		&e.InputTokens, &e.OutputTokens, &e.TotalTokens,
		&e.Provider, &backend, &storedAt, &ttlMs)
	if err != nil {
		return nil, err
	}
	e.Backend = model.BackendType(backend)
	e.StoredAt = fromMillis(storedAt)
	e.TTL = time.Duration(ttlMs) * time.Millisecond
	return &e, nil
}
