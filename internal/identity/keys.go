package identity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/crypto"
	"wireline/internal/domain"
	"wireline/internal/storage"
)

// KeyPackageTTL is the default lifetime of an uploaded MLS key package
// before it is considered stale (spec.md SPEC_FULL.md "30-day TTL").
const KeyPackageTTL = 30 * 24 * time.Hour

// UploadSignedPreKey verifies the device's identity-key signature over the
// new signed pre-key before persisting it, per spec.md §4.1 "InvalidRequest
// for ... bad signatures".
func (r *Registry) UploadSignedPreKey(ctx context.Context, userID, deviceID uuid.UUID, publicKey, signature []byte) error {
	var idKey domain.IdentityKey
	if err := r.getJSON(ctx, identityKeyKey(userID.String(), deviceID.String()), &idKey); err != nil {
		if appErr, ok := err.(*apperr.Error); ok && appErr.Code == apperr.NotFound {
			return apperr.ErrDeviceNotFound
		}
		return err
	}

	if !crypto.Verify(idKey.PublicKey, publicKey, signature) {
		return apperr.ErrBadSignature
	}

	spk := domain.SignedPreKey{
		UserID: userID, DeviceID: deviceID,
		PublicKey: publicKey, Signature: signature,
		CreatedAt: time.Now().Unix(),
	}
	return r.putJSON(ctx, storage.SignedPreKeyKey(userID.String(), deviceID.String()), spk)
}

// UploadOneTimePreKeys appends a batch of one-time pre-keys for later
// consumption by get-key-bundle.
func (r *Registry) UploadOneTimePreKeys(ctx context.Context, userID, deviceID uuid.UUID, startID uint32, publicKeys [][]byte) error {
	for i, pk := range publicKeys {
		otk := domain.OneTimePreKey{
			UserID: userID, DeviceID: deviceID,
			KeyID: startID + uint32(i), PublicKey: pk,
		}
		if err := r.putJSON(ctx, storage.OneTimeKeyKey(userID.String(), deviceID.String(), otk.KeyID), otk); err != nil {
			return err
		}
	}
	return nil
}

// GetKeyBundle assembles a PreKeyBundle for an X3DH initiator: the device's
// identity key, its current signed pre-key, and — if any remain — one
// atomically consumed one-time pre-key. Absence of a one-time pre-key is not
// an error (spec.md §4.1 "bundle without an OPK is still valid").
func (r *Registry) GetKeyBundle(ctx context.Context, userID, deviceID uuid.UUID) (*domain.PreKeyBundle, error) {
	var idKey domain.IdentityKey
	if err := r.getJSON(ctx, identityKeyKey(userID.String(), deviceID.String()), &idKey); err != nil {
		if appErr, ok := err.(*apperr.Error); ok && appErr.Code == apperr.NotFound {
			return nil, apperr.ErrDeviceNotFound
		}
		return nil, err
	}

	var spk domain.SignedPreKey
	if err := r.getJSON(ctx, storage.SignedPreKeyKey(userID.String(), deviceID.String()), &spk); err != nil {
		if appErr, ok := err.(*apperr.Error); ok && appErr.Code == apperr.NotFound {
			return nil, apperr.New(apperr.FailedPrecondition, "device has not uploaded a signed pre-key")
		}
		return nil, err
	}

	bundle := &domain.PreKeyBundle{
		IdentityKey:     idKey.PublicKey,
		SignedPreKey:    spk.PublicKey,
		SignedPreKeySig: spk.Signature,
	}

	otk, err := r.consumeOneOneTimePreKey(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if otk != nil {
		bundle.OneTimePreKey = otk.PublicKey
		bundle.OneTimeKeyID = &otk.KeyID
	}
	return bundle, nil
}

// consumeOneOneTimePreKey scans for the first unconsumed one-time pre-key
// and marks it consumed, returning nil (not an error) when none remain.
func (r *Registry) consumeOneOneTimePreKey(ctx context.Context, userID, deviceID uuid.UUID) (*domain.OneTimePreKey, error) {
	prefix := storage.OneTimeKeyPrefix(userID.String(), deviceID.String())
	entries, err := r.kv.Scan(ctx, prefix, 0)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "scan one-time pre-keys", err)
	}
	for _, e := range entries {
		var otk domain.OneTimePreKey
		if err := json.Unmarshal(e.Value, &otk); err != nil {
			continue
		}
		if otk.Consumed {
			continue
		}
		otk.Consumed = true
		if err := r.putJSON(ctx, e.Key, otk); err != nil {
			return nil, err
		}
		return &otk, nil
	}
	return nil, nil
}

// UploadMLSKeyPackage persists a single-use group-membership key package.
func (r *Registry) UploadMLSKeyPackage(ctx context.Context, userID, deviceID uuid.UUID, hashRef string, data []byte) error {
	kp := domain.KeyPackage{
		UserID: userID, DeviceID: deviceID,
		HashRef: hashRef, Data: data,
		CreatedAt: time.Now().Unix(),
		ExpiresAt: time.Now().Add(KeyPackageTTL).Unix(),
	}
	return r.putJSON(ctx, storage.KeyPackageKey(userID.String(), deviceID.String(), hashRef), kp)
}

// GetMLSKeyPackage fetches and atomically consumes a key package by its
// hash reference; a second call for the same reference fails Conflict
// (spec.md SPEC_FULL.md "single-use key packages").
func (r *Registry) GetMLSKeyPackage(ctx context.Context, userID, deviceID uuid.UUID, hashRef string) (*domain.KeyPackage, error) {
	key := storage.KeyPackageKey(userID.String(), deviceID.String(), hashRef)
	var kp domain.KeyPackage
	if err := r.getJSON(ctx, key, &kp); err != nil {
		if appErr, ok := err.(*apperr.Error); ok && appErr.Code == apperr.NotFound {
			return nil, apperr.New(apperr.NotFound, "key package not found")
		}
		return nil, err
	}
	if kp.Consumed {
		return nil, apperr.ErrKeyPackageUsed
	}
	if time.Now().Unix() > kp.ExpiresAt {
		return nil, apperr.New(apperr.FailedPrecondition, "key package expired")
	}
	kp.Consumed = true
	if err := r.putJSON(ctx, key, kp); err != nil {
		return nil, err
	}
	return &kp, nil
}

// FindUnconsumedKeyPackage returns the hash reference of any unconsumed,
// unexpired key package for the device, used when a group inviter needs a
// target without the invitee naming one directly.
func (r *Registry) FindUnconsumedKeyPackage(ctx context.Context, userID, deviceID uuid.UUID) (string, error) {
	prefix := storage.KeyPackagePrefix(userID.String(), deviceID.String())
	entries, err := r.kv.Scan(ctx, prefix, 0)
	if err != nil {
		return "", apperr.Wrap(apperr.InternalError, "scan key packages", err)
	}
	now := time.Now().Unix()
	for _, e := range entries {
		var kp domain.KeyPackage
		if err := json.Unmarshal(e.Value, &kp); err != nil {
			continue
		}
		if kp.Consumed || now > kp.ExpiresAt {
			continue
		}
		return kp.HashRef, nil
	}
	return "", apperr.New(apperr.NotFound, "no unconsumed key package available")
}
