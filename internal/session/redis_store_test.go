package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestCreateAndLookup(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	identity := Identity{ID: "u_9f2a", Nickname: "peatfreak"}

	token, err := store.Create(ctx, identity, 24*time.Hour)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	got, err := store.Lookup(ctx, token)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	if got.ID != identity.ID {
		t.Errorf("expected identity ID %s, got %s", identity.ID, got.ID)
	}
	if got.Nickname != identity.Nickname {
		t.Errorf("expected nickname %s, got %s", identity.Nickname, got.Nickname)
	}
	if got.Anonymous {
		t.Error("expected member identity, got anonymous")
	}
}

func TestTokensAreUnique(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		token, err := store.Create(ctx, Identity{ID: "u_dupe"}, time.Hour)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if seen[token] {
			t.Fatalf("duplicate token issued: %s", token)
		}
		seen[token] = true
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	// Save with very short TTL
	token, err := store.Create(ctx, Identity{ID: "u_456"}, 1*time.Millisecond)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Fast-forward time in miniredis
	s.FastForward(2 * time.Millisecond)

	// Lookup should fail (token expired)
	_, err = store.Lookup(ctx, token)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired token, got %v", err)
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	_, err := store.Lookup(ctx, "non-existent-token")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown token, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	token, err := store.Create(ctx, Identity{ID: "u_789"}, 24*time.Hour)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Verify it exists
	if _, err := store.Lookup(ctx, token); err != nil {
		t.Fatalf("Lookup before revoke failed: %v", err)
	}

	if err := store.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	// Lookup should fail (token revoked)
	if _, err := store.Lookup(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for revoked token, got %v", err)
	}
}

func TestRevokeNonExistentSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	// Revoking an unknown token should not error
	if err := store.Revoke(ctx, "non-existent-token"); err != nil {
		t.Errorf("Revoke for non-existent token failed: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	token1, err := store.Create(ctx, Identity{ID: "u_1", Nickname: "islay"}, 24*time.Hour)
	if err != nil {
		t.Fatalf("Create 1 failed: %v", err)
	}
	token2, err := store.Create(ctx, Identity{ID: "u_2", Nickname: "speyside"}, 24*time.Hour)
	if err != nil {
		t.Fatalf("Create 2 failed: %v", err)
	}

	id1, err := store.Lookup(ctx, token1)
	if err != nil {
		t.Fatalf("Lookup token1 failed: %v", err)
	}
	if id1.ID != "u_1" {
		t.Errorf("expected u_1, got %s", id1.ID)
	}

	id2, err := store.Lookup(ctx, token2)
	if err != nil {
		t.Fatalf("Lookup token2 failed: %v", err)
	}
	if id2.ID != "u_2" {
		t.Errorf("expected u_2, got %s", id2.ID)
	}

	// Revoke one session
	if err := store.Revoke(ctx, token1); err != nil {
		t.Fatalf("Revoke token1 failed: %v", err)
	}

	if _, err := store.Lookup(ctx, token1); !errors.Is(err, ErrNotFound) {
		t.Error("expected ErrNotFound for revoked token1")
	}

	// token2 should still exist
	id2, err = store.Lookup(ctx, token2)
	if err != nil {
		t.Fatalf("Lookup token2 after revoke failed: %v", err)
	}
	if id2.ID != "u_2" {
		t.Errorf("expected u_2 after revoke, got %s", id2.ID)
	}
}
