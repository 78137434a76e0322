package identity

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/crypto"
	"wireline/internal/domain"
	"wireline/internal/storage/memkv"
)

func newTestRegistry() *Registry {
	tokens := NewTokenService([]byte("test-secret"))
	return NewRegistry(memkv.New(), tokens)
}

func mustIdentity(t *testing.T) *crypto.IdentityKeyPair {
	t.Helper()
	id, err := crypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	return id
}

func TestRegistry_RegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := mustIdentity(t)

	user, err := r.RegisterUser(ctx, "alice", "correct horse battery staple", "alice@example.com", domain.Device{Type: domain.DeviceMobileA}, id.Public)
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if user.Username != "alice" {
		t.Fatalf("got username %q, want alice", user.Username)
	}

	_, err = r.RegisterUser(ctx, "alice", "another long password", "x@example.com", domain.Device{}, id.Public)
	if appErr, ok := err.(*apperr.Error); !ok || appErr.Code != apperr.Conflict {
		t.Fatalf("expected Conflict on duplicate username, got %v", err)
	}

	access, refresh, loggedIn, err := r.Login(ctx, "alice", "correct horse battery staple", user.ID)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if access == "" || refresh == "" {
		t.Fatalf("expected non-empty tokens")
	}
	if loggedIn.ID != user.ID {
		t.Fatalf("login returned wrong user")
	}

	if _, _, _, err := r.Login(ctx, "alice", "wrong password entirely", user.ID); err == nil {
		t.Fatalf("expected login failure on wrong password")
	}
}

func TestRegistry_RegisterRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := mustIdentity(t)

	if _, err := r.RegisterUser(ctx, "ab", "correct horse battery staple", "", domain.Device{}, id.Public); err == nil {
		t.Fatalf("expected InvalidRequest for too-short username")
	}
	if _, err := r.RegisterUser(ctx, "validuser", "short", "", domain.Device{}, id.Public); err == nil {
		t.Fatalf("expected InvalidRequest for too-short password")
	}
}

func TestRegistry_RefreshTokenRotates(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := mustIdentity(t)

	user, err := r.RegisterUser(ctx, "bob", "correct horse battery staple", "", domain.Device{}, id.Public)
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	_, refresh, _, err := r.Login(ctx, "bob", "correct horse battery staple", user.ID)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	newAccess, newRefresh, err := r.RefreshToken(ctx, refresh)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if newAccess == "" || newRefresh == "" || newRefresh == refresh {
		t.Fatalf("expected a fresh refresh token distinct from the old one")
	}

	if _, _, err := r.RefreshToken(ctx, refresh); err == nil {
		t.Fatalf("expected the rotated-out refresh token to be rejected")
	}
}

func TestRegistry_SearchUsers(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := mustIdentity(t)

	for _, name := range []string{"carol", "carolyn", "dave"} {
		if _, err := r.RegisterUser(ctx, name, "correct horse battery staple", "", domain.Device{}, id.Public); err != nil {
			t.Fatalf("RegisterUser(%s): %v", name, err)
		}
	}

	if _, err := r.SearchUsers(ctx, "c", 10); err == nil {
		t.Fatalf("expected InvalidRequest for a one-character prefix")
	}

	results, err := r.SearchUsers(ctx, "carol", 10)
	if err != nil {
		t.Fatalf("SearchUsers: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (carol, carolyn)", len(results))
	}
}

func TestRegistry_DeleteAccountCascades(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := mustIdentity(t)

	user, err := r.RegisterUser(ctx, "erin", "correct horse battery staple", "", domain.Device{}, id.Public)
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	_, refresh, _, err := r.Login(ctx, "erin", "correct horse battery staple", user.ID)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := r.DeleteAccount(ctx, user.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := r.GetUserByID(ctx, user.ID); err == nil {
		t.Fatalf("expected profile to be gone after DeleteAccount")
	}
	if _, err := r.GetUserByUsername(ctx, "erin"); err == nil {
		t.Fatalf("expected username index to be gone after DeleteAccount")
	}
	if _, err := r.sessions.Get(ctx, refresh); err == nil {
		t.Fatalf("expected session to be revoked by DeleteAccount")
	}
}

func TestTokenService_RejectsWrongKind(t *testing.T) {
	svc := NewTokenService([]byte("test-secret"))

	access, err := svc.IssueAccessToken(uuid.New(), uuid.New(), "frank", nil)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if _, err := svc.Validate(access, TokenRefresh); err == nil {
		t.Fatalf("expected kind mismatch error when validating an access token as refresh")
	}
	claims, err := svc.Validate(access, TokenAccess)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Username != "frank" {
		t.Fatalf("got username %q, want frank", claims.Username)
	}
}
