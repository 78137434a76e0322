package identity

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/storage"
)

// SessionRecord is the KV record keyed by refresh token (spec.md §4.1
// "Session record"): exists for the refresh window, indexed both by token
// and by (user, token) so either index entry's deletion invalidates the
// refresh chain.
type SessionRecord struct {
	UserID        uuid.UUID `json:"user_id"`
	DeviceID      uuid.UUID `json:"device_id"`
	Username      string    `json:"username"`
	RefreshToken  string    `json:"refresh_token"`
	CreatedAt     int64     `json:"created_at"`
	ExpiresAt     int64     `json:"expires_at"`
}

// SessionStore manages the refresh-token session record, grounded on
// actuallydan-pollis/internal/services/auth_session_service.go's CRUD shape,
// adapted from sql.DB rows to the KV key layout spec.md §6.3 names.
type SessionStore struct {
	kv storage.KV
}

func NewSessionStore(kv storage.KV) *SessionStore {
	return &SessionStore{kv: kv}
}

// Create persists a new session under both index keys.
func (s *SessionStore) Create(ctx context.Context, rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "marshal session", err)
	}
	if err := s.kv.Put(ctx, storage.SessionKey(rec.RefreshToken), data); err != nil {
		return apperr.Wrap(apperr.InternalError, "store session", err)
	}
	if err := s.kv.Put(ctx, storage.SessionUserIndexKey(rec.UserID.String(), rec.RefreshToken), data); err != nil {
		return apperr.Wrap(apperr.InternalError, "store session user index", err)
	}
	return nil
}

// Get looks up a session by its refresh token. Returns apperr.ErrInvalidToken
// when absent — callers never distinguish "absent" from "revoked".
func (s *SessionStore) Get(ctx context.Context, refreshToken string) (*SessionRecord, error) {
	data, err := s.kv.Get(ctx, storage.SessionKey(refreshToken))
	if err == storage.ErrNotFound {
		return nil, apperr.ErrInvalidToken
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "load session", err)
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "decode session", err)
	}
	return &rec, nil
}

// Revoke deletes both index entries, invalidating the refresh chain.
func (s *SessionStore) Revoke(ctx context.Context, rec SessionRecord) error {
	if err := s.kv.Delete(ctx, storage.SessionKey(rec.RefreshToken)); err != nil {
		return apperr.Wrap(apperr.InternalError, "revoke session", err)
	}
	if err := s.kv.Delete(ctx, storage.SessionUserIndexKey(rec.UserID.String(), rec.RefreshToken)); err != nil {
		return apperr.Wrap(apperr.InternalError, "revoke session user index", err)
	}
	return nil
}

// RevokeAllForUser scans the user index and revokes every session found,
// used by delete-account's cascading cleanup.
func (s *SessionStore) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	prefix := "/sessions/user/" + userID.String() + "/"
	entries, err := s.kv.Scan(ctx, prefix, 0)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "scan user sessions", err)
	}
	for _, e := range entries {
		var rec SessionRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			continue
		}
		if err := s.Revoke(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Rotate replaces an existing refresh token with a new one atomically from
// the caller's perspective: the old session is revoked and a new one
// created with the same user/device/username.
func (s *SessionStore) Rotate(ctx context.Context, old SessionRecord, newToken string, createdAt, expiresAt int64) (*SessionRecord, error) {
	if err := s.Revoke(ctx, old); err != nil {
		return nil, err
	}
	next := SessionRecord{
		UserID:       old.UserID,
		DeviceID:     old.DeviceID,
		Username:     old.Username,
		RefreshToken: newToken,
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
	}
	if err := s.Create(ctx, next); err != nil {
		return nil, err
	}
	return &next, nil
}
