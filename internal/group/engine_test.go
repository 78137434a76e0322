package group

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/crypto"
	"wireline/internal/storage/memkv"
)

func newMember(t *testing.T, credential []byte) crypto.MLSKeyPackageData {
	t.Helper()
	keys, err := crypto.GenerateMLSMemberKeys()
	if err != nil {
		t.Fatalf("GenerateMLSMemberKeys: %v", err)
	}
	return crypto.BuildMLSKeyPackage(credential, keys)
}

func TestEngine_CreateAddRemoveEpochProgression(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memkv.New(), 0)

	groupID := uuid.New()
	aliceUser, aliceDevice := uuid.New(), uuid.New()
	aliceKP := newMember(t, Credential(aliceUser, aliceDevice))

	meta, err := e.CreateGroup(ctx, groupID, aliceUser, aliceDevice, aliceKP)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if meta.CurrentEpoch != 0 || meta.MemberCount != 1 {
		t.Fatalf("got epoch=%d count=%d, want 0/1", meta.CurrentEpoch, meta.MemberCount)
	}

	bobUser, bobDevice := uuid.New(), uuid.New()
	bobKP := newMember(t, Credential(bobUser, bobDevice))
	if _, _, err := e.AddMember(ctx, groupID, bobUser, bobDevice, bobKP); err != nil {
		t.Fatalf("AddMember(bob): %v", err)
	}

	charlieUser, charlieDevice := uuid.New(), uuid.New()
	charlieKP := newMember(t, Credential(charlieUser, charlieDevice))
	if _, _, err := e.AddMember(ctx, groupID, charlieUser, charlieDevice, charlieKP); err != nil {
		t.Fatalf("AddMember(charlie): %v", err)
	}

	meta, err = e.Metadata(ctx, groupID)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.CurrentEpoch != 2 || meta.MemberCount != 3 {
		t.Fatalf("got epoch=%d count=%d, want 2/3", meta.CurrentEpoch, meta.MemberCount)
	}

	if _, err := e.RemoveMember(ctx, groupID, bobUser, bobDevice); err != nil {
		t.Fatalf("RemoveMember(bob): %v", err)
	}

	meta, err = e.Metadata(ctx, groupID)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.CurrentEpoch != 3 || meta.MemberCount != 2 {
		t.Fatalf("got epoch=%d count=%d, want 3/2", meta.CurrentEpoch, meta.MemberCount)
	}
}

func TestEngine_DuplicateAddConflicts(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memkv.New(), 0)
	groupID := uuid.New()
	aliceUser, aliceDevice := uuid.New(), uuid.New()
	aliceKP := newMember(t, Credential(aliceUser, aliceDevice))
	if _, err := e.CreateGroup(ctx, groupID, aliceUser, aliceDevice, aliceKP); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	bobUser, bobDevice := uuid.New(), uuid.New()
	bobKP := newMember(t, Credential(bobUser, bobDevice))
	if _, _, err := e.AddMember(ctx, groupID, bobUser, bobDevice, bobKP); err != nil {
		t.Fatalf("AddMember(bob): %v", err)
	}
	if _, _, err := e.AddMember(ctx, groupID, bobUser, bobDevice, bobKP); err == nil {
		t.Fatalf("expected Conflict re-adding bob")
	} else if appErr, ok := err.(*apperr.Error); !ok || appErr.Code != apperr.Conflict {
		t.Fatalf("expected Conflict code, got %v", err)
	}
}

func TestEngine_RemoveSoleOwnerFails(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memkv.New(), 0)
	groupID := uuid.New()
	aliceUser, aliceDevice := uuid.New(), uuid.New()
	aliceKP := newMember(t, Credential(aliceUser, aliceDevice))
	if _, err := e.CreateGroup(ctx, groupID, aliceUser, aliceDevice, aliceKP); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	if _, err := e.RemoveMember(ctx, groupID, aliceUser, aliceDevice); err == nil {
		t.Fatalf("expected FailedPrecondition removing the sole owner")
	} else if appErr, ok := err.(*apperr.Error); !ok || appErr.Code != apperr.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition code, got %v", err)
	}
}

func TestEngine_EncryptDecryptAtSameEpoch(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memkv.New(), 0)
	groupID := uuid.New()
	aliceUser, aliceDevice := uuid.New(), uuid.New()
	aliceKP := newMember(t, Credential(aliceUser, aliceDevice))
	if _, err := e.CreateGroup(ctx, groupID, aliceUser, aliceDevice, aliceKP); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	ad := []byte("group-ad")
	ct, epoch, err := e.Encrypt(ctx, groupID, []byte("hello group"), ad)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if epoch != 0 {
		t.Fatalf("got epoch %d, want 0", epoch)
	}

	pt, err := e.Decrypt(ctx, groupID, ct, ad)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "hello group" {
		t.Fatalf("got %q", pt)
	}
}

func TestEngine_DecryptAtStaleEpochDefers(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memkv.New(), 0)
	groupID := uuid.New()
	aliceUser, aliceDevice := uuid.New(), uuid.New()
	aliceKP := newMember(t, Credential(aliceUser, aliceDevice))
	if _, err := e.CreateGroup(ctx, groupID, aliceUser, aliceDevice, aliceKP); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	ad := []byte("ad")
	ct, _, err := e.Encrypt(ctx, groupID, []byte("at epoch 0"), ad)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	bobUser, bobDevice := uuid.New(), uuid.New()
	bobKP := newMember(t, Credential(bobUser, bobDevice))
	if _, _, err := e.AddMember(ctx, groupID, bobUser, bobDevice, bobKP); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	if _, err := e.Decrypt(ctx, groupID, ct, ad); err == nil {
		t.Fatalf("expected the now-stale epoch-0 ciphertext to be deferred, not succeed")
	} else if appErr, ok := err.(*apperr.Error); !ok || appErr.Code != apperr.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition code, got %v", err)
	}
}

func TestEngine_MaxGroupSizeEnforced(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memkv.New(), 2)
	groupID := uuid.New()
	aliceUser, aliceDevice := uuid.New(), uuid.New()
	aliceKP := newMember(t, Credential(aliceUser, aliceDevice))
	if _, err := e.CreateGroup(ctx, groupID, aliceUser, aliceDevice, aliceKP); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	bobUser, bobDevice := uuid.New(), uuid.New()
	bobKP := newMember(t, Credential(bobUser, bobDevice))
	if _, _, err := e.AddMember(ctx, groupID, bobUser, bobDevice, bobKP); err != nil {
		t.Fatalf("AddMember(bob): %v", err)
	}

	charlieUser, charlieDevice := uuid.New(), uuid.New()
	charlieKP := newMember(t, Credential(charlieUser, charlieDevice))
	if _, _, err := e.AddMember(ctx, groupID, charlieUser, charlieDevice, charlieKP); err == nil {
		t.Fatalf("expected the third add to fail once max group size (2) is reached")
	}
}
