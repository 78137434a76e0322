package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/domain"
	dcrypto "wireline/internal/crypto"
	"wireline/internal/storage"
	"wireline/internal/utils"
)

// Registry implements the Identity Registry's public contract (spec.md
// §4.1): register-user, token issuance/validation/refresh, key-bundle
// upload/fetch, MLS key-package upload/fetch, user search, delete-account.
// Grounded on actuallydan-pollis's internal/services/{user,device,
// identity_key,prekey}_service.go CRUD shapes, adapted from sql.DB rows to
// the KV key layout spec.md §6.3 names.
type Registry struct {
	kv       storage.KV
	tokens   *TokenService
	sessions *SessionStore
}

func NewRegistry(kv storage.KV, tokens *TokenService) *Registry {
	return &Registry{kv: kv, tokens: tokens, sessions: NewSessionStore(kv)}
}

// RegisterUser validates the username/password, hashes the password, and
// persists the user plus its first device's identity key.
func (r *Registry) RegisterUser(ctx context.Context, username, password, email string, device domain.Device, identityPub ed25519.PublicKey) (*domain.User, error) {
	if !utils.ValidateUsername(username) {
		return nil, apperr.New(apperr.InvalidRequest, "username must be 3-32 alphanumeric/underscore characters")
	}
	if !utils.ValidatePassword(password) {
		return nil, apperr.New(apperr.InvalidRequest, "password must be at least 12 bytes")
	}
	if !utils.ValidateEmail(email) {
		return nil, apperr.New(apperr.InvalidRequest, "malformed email")
	}
	if len(identityPub) != ed25519.PublicKeySize {
		return nil, apperr.New(apperr.InvalidRequest, "malformed identity key")
	}

	if _, err := r.kv.Get(ctx, storage.UsernameIndexKey(username)); err == nil {
		return nil, apperr.ErrUsernameTaken
	} else if err != storage.ErrNotFound {
		return nil, apperr.Wrap(apperr.InternalError, "check username", err)
	}

	hash, salt, err := dcrypto.HashPassword(password)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "hash password", err)
	}

	now := time.Now().Unix()
	user := &domain.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		PasswordSalt: salt,
		CreatedAt:    now,
		LastSeenAt:   now,
	}
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	device.UserID = user.ID
	device.CreatedAt = now
	device.LastSeenAt = now

	if err := r.putJSON(ctx, storage.UserProfileKey(user.ID.String()), user); err != nil {
		return nil, err
	}
	if err := r.kv.Put(ctx, storage.UsernameIndexKey(username), []byte(user.ID.String())); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "index username", err)
	}
	if err := r.putJSON(ctx, storage.DeviceKey(user.ID.String(), device.ID.String()), device); err != nil {
		return nil, err
	}
	idKey := domain.IdentityKey{UserID: user.ID, DeviceID: device.ID, PublicKey: identityPub}
	if err := r.putJSON(ctx, identityKeyKey(user.ID.String(), device.ID.String()), idKey); err != nil {
		return nil, err
	}

	return user, nil
}

func identityKeyKey(userID, deviceID string) string {
	return "/devices/" + userID + "/" + deviceID + "/identity_key"
}

// GetUserByID fetches a user profile.
func (r *Registry) GetUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	if err := r.getJSON(ctx, storage.UserProfileKey(userID.String()), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByUsername resolves the username index then loads the profile.
func (r *Registry) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	idBytes, err := r.kv.Get(ctx, storage.UsernameIndexKey(username))
	if err == storage.ErrNotFound {
		return nil, apperr.ErrUserNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "lookup username", err)
	}
	id, err := uuid.Parse(string(idBytes))
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "decode username index", err)
	}
	return r.GetUserByID(ctx, id)
}

// SearchUsers performs a prefix search over the username index, per
// spec.md §8 seed scenario 5 (min length 2, default limit 20, cap 100).
func (r *Registry) SearchUsers(ctx context.Context, prefix string, limit int) ([]domain.User, error) {
	if !utils.ValidateSearchPrefix(prefix) {
		return nil, apperr.ErrSearchPrefix
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	entries, err := r.kv.Scan(ctx, storage.UsernameIndexKey(strings.ToLower(prefix)), limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "scan usernames", err)
	}

	users := make([]domain.User, 0, len(entries))
	for _, e := range entries {
		id, err := uuid.Parse(string(e.Value))
		if err != nil {
			continue
		}
		u, err := r.GetUserByID(ctx, id)
		if err != nil {
			continue
		}
		users = append(users, *u)
	}
	return users, nil
}

// Login verifies the password and issues a fresh access/refresh token pair
// bound to the given device, creating a session record for the refresh
// token.
func (r *Registry) Login(ctx context.Context, username, password string, deviceID uuid.UUID) (accessToken, refreshToken string, user *domain.User, err error) {
	user, err = r.GetUserByUsername(ctx, username)
	if err != nil {
		return "", "", nil, err
	}
	if !dcrypto.VerifyPassword(password, user.PasswordHash, user.PasswordSalt) {
		return "", "", nil, apperr.New(apperr.Unauthorized, "invalid credentials")
	}

	accessToken, err = r.tokens.IssueAccessToken(user.ID, deviceID, user.Username, nil)
	if err != nil {
		return "", "", nil, err
	}
	refreshToken, err = r.tokens.IssueRefreshToken(user.ID, deviceID, user.Username, nil)
	if err != nil {
		return "", "", nil, err
	}

	now := time.Now()
	rec := SessionRecord{
		UserID: user.ID, DeviceID: deviceID, Username: user.Username,
		RefreshToken: refreshToken, CreatedAt: now.Unix(), ExpiresAt: now.Add(RefreshTokenTTL).Unix(),
	}
	if err := r.sessions.Create(ctx, rec); err != nil {
		return "", "", nil, err
	}
	return accessToken, refreshToken, user, nil
}

// Logout revokes the session identified by refreshToken.
func (r *Registry) Logout(ctx context.Context, refreshToken string) error {
	rec, err := r.sessions.Get(ctx, refreshToken)
	if err != nil {
		return err
	}
	return r.sessions.Revoke(ctx, *rec)
}

// RefreshToken rotates the refresh token: the presented token is validated,
// its session looked up and revoked, and a fresh access/refresh pair is
// issued under a new session record (spec.md §4.1 "Refresh rotates").
func (r *Registry) RefreshToken(ctx context.Context, presented string) (accessToken, newRefreshToken string, err error) {
	if _, err := r.tokens.Validate(presented, TokenRefresh); err != nil {
		return "", "", err
	}
	rec, err := r.sessions.Get(ctx, presented)
	if err != nil {
		return "", "", err
	}

	accessToken, err = r.tokens.IssueAccessToken(rec.UserID, rec.DeviceID, rec.Username, nil)
	if err != nil {
		return "", "", err
	}
	newRefreshToken, err = r.tokens.IssueRefreshToken(rec.UserID, rec.DeviceID, rec.Username, nil)
	if err != nil {
		return "", "", err
	}

	now := time.Now()
	if _, err := r.sessions.Rotate(ctx, *rec, newRefreshToken, now.Unix(), now.Add(RefreshTokenTTL).Unix()); err != nil {
		return "", "", err
	}
	return accessToken, newRefreshToken, nil
}

// ValidateToken is a thin pass-through kept on Registry so handlers have a
// single dependency for auth.
func (r *Registry) ValidateToken(token string, kind TokenKind) (*Claims, error) {
	return r.tokens.Validate(token, kind)
}

// DeleteAccount cascades: revoke all sessions, remove the device records,
// key material, conversation views, delivery states, and the user profile
// plus username index. Ratchet session records are not removed. Supplemented
// from original_source's auth-service delete_account.rs handler (spec.md
// SPEC_FULL.md §C "cascading delete-account").
func (r *Registry) DeleteAccount(ctx context.Context, userID uuid.UUID) error {
	user, err := r.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := r.sessions.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}

	prefixes := []string{
		"/devices/" + userID.String() + "/",
		storage.ConversationViewPrefix(userID.String()),
		storage.DeliveryPrefix(userID.String()),
	}
	for _, prefix := range prefixes {
		entries, err := r.kv.Scan(ctx, prefix, 0)
		if err != nil {
			return apperr.Wrap(apperr.InternalError, "scan account records", err)
		}
		for _, e := range entries {
			if err := r.kv.Delete(ctx, e.Key); err != nil {
				return apperr.Wrap(apperr.InternalError, "delete account record", err)
			}
		}
	}

	if err := r.kv.Delete(ctx, storage.UsernameIndexKey(user.Username)); err != nil {
		return apperr.Wrap(apperr.InternalError, "delete username index", err)
	}
	if err := r.kv.Delete(ctx, storage.UserProfileKey(userID.String())); err != nil {
		return apperr.Wrap(apperr.InternalError, "delete user profile", err)
	}
	return nil
}

func (r *Registry) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "marshal", err)
	}
	if err := r.kv.Put(ctx, key, data); err != nil {
		return apperr.Wrap(apperr.InternalError, "store", err)
	}
	return nil
}

func (r *Registry) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := r.kv.Get(ctx, key)
	if err == storage.ErrNotFound {
		return apperr.ErrUserNotFound
	}
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "load", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Wrap(apperr.InternalError, "decode", err)
	}
	return nil
}

var _ = rand.Reader
