package identity

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/crypto"
	"wireline/internal/domain"
)

// findDeviceID returns the device id registered for userID, reading the
// device record RegisterUser created back out of the store. Tests only know
// the generated device id this way, since RegisterUser assigns it.
func findDeviceID(r *Registry, ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	entries, err := r.kv.Scan(ctx, "/devices/"+userID.String()+"/", 0)
	if err != nil {
		return uuid.UUID{}, err
	}
	for _, e := range entries {
		var dev domain.Device
		if err := json.Unmarshal(e.Value, &dev); err != nil {
			continue
		}
		if dev.ID != (uuid.UUID{}) {
			return dev.ID, nil
		}
	}
	return uuid.UUID{}, apperr.ErrDeviceNotFound
}

func TestRegistry_SignedPreKeyAndBundle(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := mustIdentity(t)

	user, err := r.RegisterUser(ctx, "gail", "correct horse battery staple", "", domain.Device{Type: domain.DeviceMobileA}, id.Public)
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	x25519, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair: %v", err)
	}
	sig := crypto.Sign(id.Private, x25519.Public[:])

	devs, err := findDeviceID(r, ctx, user.ID)
	if err != nil {
		t.Fatalf("findDeviceID: %v", err)
	}

	if err := r.UploadSignedPreKey(ctx, user.ID, devs, x25519.Public[:], sig); err != nil {
		t.Fatalf("UploadSignedPreKey: %v", err)
	}

	badSig := append([]byte{}, sig...)
	badSig[0] ^= 0xFF
	if err := r.UploadSignedPreKey(ctx, user.ID, devs, x25519.Public[:], badSig); err == nil {
		t.Fatalf("expected bad signature to be rejected")
	}

	if err := r.UploadOneTimePreKeys(ctx, user.ID, devs, 0, [][]byte{{1, 2, 3}, {4, 5, 6}}); err != nil {
		t.Fatalf("UploadOneTimePreKeys: %v", err)
	}

	bundle, err := r.GetKeyBundle(ctx, user.ID, devs)
	if err != nil {
		t.Fatalf("GetKeyBundle: %v", err)
	}
	if bundle.OneTimePreKey == nil {
		t.Fatalf("expected a one-time pre-key to be attached")
	}
	firstID := *bundle.OneTimeKeyID

	bundle2, err := r.GetKeyBundle(ctx, user.ID, devs)
	if err != nil {
		t.Fatalf("GetKeyBundle (2nd): %v", err)
	}
	if bundle2.OneTimeKeyID == nil || *bundle2.OneTimeKeyID == firstID {
		t.Fatalf("expected the second call to consume a different one-time pre-key")
	}

	bundle3, err := r.GetKeyBundle(ctx, user.ID, devs)
	if err != nil {
		t.Fatalf("GetKeyBundle (3rd): %v", err)
	}
	if bundle3.OneTimePreKey != nil {
		t.Fatalf("expected a bundle without a one-time pre-key once the pool is exhausted")
	}
}

func TestRegistry_KeyPackageSingleUse(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := mustIdentity(t)

	user, err := r.RegisterUser(ctx, "hank", "correct horse battery staple", "", domain.Device{}, id.Public)
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	devs, err := findDeviceID(r, ctx, user.ID)
	if err != nil {
		t.Fatalf("findDeviceID: %v", err)
	}

	if err := r.UploadMLSKeyPackage(ctx, user.ID, devs, "ref-1", []byte("opaque-package")); err != nil {
		t.Fatalf("UploadMLSKeyPackage: %v", err)
	}

	kp, err := r.GetMLSKeyPackage(ctx, user.ID, devs, "ref-1")
	if err != nil {
		t.Fatalf("GetMLSKeyPackage: %v", err)
	}
	if string(kp.Data) != "opaque-package" {
		t.Fatalf("got data %q", kp.Data)
	}

	if _, err := r.GetMLSKeyPackage(ctx, user.ID, devs, "ref-1"); err == nil {
		t.Fatalf("expected Conflict on re-consuming the same key package")
	} else if appErr, ok := err.(*apperr.Error); !ok || appErr.Code != apperr.Conflict {
		t.Fatalf("expected Conflict code, got %v", err)
	}
}
