package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// hashSecret returns the hex SHA-256 digest stored for an api key secret.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// newSecret generates an opaque bearer secret. The plaintext is returned to
// the caller exactly once at creation; only the hash is persisted.
func newSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("store: generate secret: %w", err)
	}
	return "gw_" + hex.EncodeToString(buf), nil
}

// CreateAPIKey mints a new active key and returns it with the plaintext
// secret. rpm = 0 means the gateway default rate limit applies.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, name string, rpm int) (*APIKey, string, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, "", err
	}

	key := &APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    "active",
		RPM:       rpm,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, secret_hash, name, status, rpm, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, hashSecret(secret), key.Name, key.Status, key.RPM, toMillis(key.CreatedAt))
	if err != nil {
		return nil, "", fmt.Errorf("store: create api key: %w", err)
	}

	return key, secret, nil
}

// AuthenticateAPIKey resolves a plaintext secret to its active key.
// Disabled and unknown keys both return ErrNotFound so callers cannot
// distinguish them.
func (s *SQLiteStore) AuthenticateAPIKey(ctx context.Context, secret string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, name, status, rpm, created_at, last_used_at
		FROM api_keys WHERE secret_hash = ? AND status = 'active'`,
		hashSecret(secret))

	key, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: api key: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: authenticate api key: %w", err)
	}
	return key, nil
}

// GetAPIKey returns the key with the given id.
func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, name, status, rpm, created_at, last_used_at
		FROM api_keys WHERE key_id = ?`, id)

	key, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: api key %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get api key: %w", err)
	}
	return key, nil
}

// ListAPIKeys returns all keys, newest first.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, name, status, rpm, created_at, last_used_at
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list api keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list api keys: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// SetAPIKeyStatus switches a key between active and disabled.
func (s *SQLiteStore) SetAPIKeyStatus(ctx context.Context, id, status string) error {
	if status != "active" && status != "disabled" {
		return fmt.Errorf("store: invalid api key status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET status = ? WHERE key_id = ?", status, id)
	if err != nil {
		return fmt.Errorf("store: set api key status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: api key %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteAPIKey removes the key permanently.
func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM api_keys WHERE key_id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: api key %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchAPIKey updates the key's last-used timestamp. Best effort; callers on
// the intake path ignore the error.
func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = ? WHERE key_id = ?",
		toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: touch api key: %w", err)
	}
	return nil
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var key APIKey
	var createdAt int64
	var lastUsed sql.NullInt64
	err := row.Scan(&key.ID, &key.Name, &key.Status, &key.RPM, &createdAt, &lastUsed)
	if err != nil {
		return nil, err
	}
	key.CreatedAt = fromMillis(createdAt)
	if lastUsed.Valid {
		t := fromMillis(lastUsed.Int64)
		key.LastUsedAt = &t
	}
	return &key, nil
}
