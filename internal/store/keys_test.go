package store

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key, secret, err := s.CreateAPIKey(ctx, "ci-bot", 120)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if !strings.HasPrefix(secret, "gw_") {
		t.Errorf("secret %q missing prefix", secret)
	}
	if key.Status != "active" || key.RPM != 120 {
		t.Errorf("key = %+v", key)
	}

	// The plaintext secret authenticates; a wrong secret does not.
	got, err := s.AuthenticateAPIKey(ctx, secret)
	if err != nil {
		t.Fatalf("AuthenticateAPIKey: %v", err)
	}
	if got.ID != key.ID {
		t.Errorf("authenticated id = %s, want %s", got.ID, key.ID)
	}
	if _, err := s.AuthenticateAPIKey(ctx, "gw_wrong"); !errors.Is(err, ErrNotFound) {
		t.Errorf("wrong secret err = %v, want ErrNotFound", err)
	}

	// Disabled keys stop authenticating but still list.
	if err := s.SetAPIKeyStatus(ctx, key.ID, "disabled"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AuthenticateAPIKey(ctx, secret); !errors.Is(err, ErrNotFound) {
		t.Errorf("disabled key err = %v, want ErrNotFound", err)
	}
	keys, err := s.ListAPIKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].Status != "disabled" {
		t.Errorf("list = %+v", keys)
	}

	if err := s.DeleteAPIKey(ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAPIKey(ctx, key.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestTouchAPIKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key, _, err := s.CreateAPIKey(ctx, "cli", 0)
	if err != nil {
		t.Fatal(err)
	}
	if key.LastUsedAt != nil {
		t.Error("fresh key must have no last_used_at")
	}

	if err := s.TouchAPIKey(ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetAPIKey(ctx, key.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at not set after touch")
	}
}

// TestSecretHashedAtRest verifies the plaintext secret is never stored.
func TestSecretHashedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, secret, err := s.CreateAPIKey(ctx, "hash-check", 0)
	if err != nil {
		t.Fatal(err)
	}

	var count int
	row := s.db.QueryRow("SELECT COUNT(*) FROM api_keys WHERE secret_hash = ?", secret)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Error("plaintext secret found in secret_hash column")
	}
	row = s.db.QueryRow("SELECT COUNT(*) FROM api_keys WHERE secret_hash = ?", hashSecret(secret))
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Error("hashed secret not stored")
	}
}
