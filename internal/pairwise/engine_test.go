package pairwise

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"wireline/internal/crypto"
	"wireline/internal/domain"
	"wireline/internal/storage/memkv"
)

type party struct {
	identity     *crypto.IdentityKeyPair
	signedPreKey *crypto.X25519KeyPair
	oneTimeKey   *crypto.X25519KeyPair
	userID       uuid.UUID
	deviceID     uuid.UUID
}

func newParty(t *testing.T) party {
	t.Helper()
	id, err := crypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	spk, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair: %v", err)
	}
	otk, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair: %v", err)
	}
	return party{identity: id, signedPreKey: spk, oneTimeKey: otk, userID: uuid.New(), deviceID: uuid.New()}
}

func TestEngine_EstablishAndExchange(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t)
	bob := newParty(t)

	pair := domain.NewCanonicalPair(alice.userID, alice.deviceID, bob.userID, bob.deviceID)

	aliceEngine := NewEngine(memkv.New())
	bobEngine := NewEngine(memkv.New())

	sig := crypto.Sign(bob.identity.Private, bob.signedPreKey.Public[:])
	bundle := crypto.Bundle{
		IdentityKey:     bob.identity.Public,
		SignedPreKey:    bob.signedPreKey.Public,
		SignedPreKeySig: sig,
		OneTimePreKey:   &bob.oneTimeKey.Public,
	}

	initResult, err := aliceEngine.EstablishInitiator(ctx, pair, alice.identity, bundle)
	if err != nil {
		t.Fatalf("EstablishInitiator: %v", err)
	}
	if !initResult.UsedOneTimeKey {
		t.Fatalf("expected the bundle's one-time key to be used")
	}

	keyID := uint32(1)
	initialMsg := crypto.InitialMessage{
		InitiatorIdentityKey: alice.identity.Public,
		InitiatorEphemeral:   initResult.EphemeralKey.Public,
		UsedSignedPreKey:     bob.signedPreKey.Public,
		UsedOneTimeKeyID:     &keyID,
	}
	if err := bobEngine.EstablishResponder(ctx, pair, bob.identity, *bob.signedPreKey, bob.oneTimeKey, initialMsg); err != nil {
		t.Fatalf("EstablishResponder: %v", err)
	}

	hasSession, err := aliceEngine.HasSession(ctx, pair)
	if err != nil || !hasSession {
		t.Fatalf("expected alice to have an established session, err=%v", err)
	}

	ad := []byte("associated-data")
	msg1, err := aliceEngine.Encrypt(ctx, pair, []byte("hello bob"), ad)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, err := bobEngine.Decrypt(ctx, pair, msg1, ad)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("got %q, want %q", plaintext, "hello bob")
	}

	reply, err := bobEngine.Encrypt(ctx, pair, []byte("hi alice"), ad)
	if err != nil {
		t.Fatalf("bob Encrypt: %v", err)
	}
	replyPlain, err := aliceEngine.Decrypt(ctx, pair, reply, ad)
	if err != nil {
		t.Fatalf("alice Decrypt: %v", err)
	}
	if string(replyPlain) != "hi alice" {
		t.Fatalf("got %q, want %q", replyPlain, "hi alice")
	}
}

func TestEngine_EncryptWithoutSessionFails(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(memkv.New())
	pair := domain.NewCanonicalPair(uuid.New(), uuid.New(), uuid.New(), uuid.New())

	if _, err := engine.Encrypt(ctx, pair, []byte("x"), nil); err == nil {
		t.Fatalf("expected encrypt to fail without an established session")
	}
}

func TestEngine_OutOfOrderDelivery(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t)
	bob := newParty(t)
	pair := domain.NewCanonicalPair(alice.userID, alice.deviceID, bob.userID, bob.deviceID)

	aliceEngine := NewEngine(memkv.New())
	bobEngine := NewEngine(memkv.New())

	sig := crypto.Sign(bob.identity.Private, bob.signedPreKey.Public[:])
	bundle := crypto.Bundle{IdentityKey: bob.identity.Public, SignedPreKey: bob.signedPreKey.Public, SignedPreKeySig: sig}

	initResult, err := aliceEngine.EstablishInitiator(ctx, pair, alice.identity, bundle)
	if err != nil {
		t.Fatalf("EstablishInitiator: %v", err)
	}
	initialMsg := crypto.InitialMessage{
		InitiatorIdentityKey: alice.identity.Public,
		InitiatorEphemeral:   initResult.EphemeralKey.Public,
		UsedSignedPreKey:     bob.signedPreKey.Public,
	}
	if err := bobEngine.EstablishResponder(ctx, pair, bob.identity, *bob.signedPreKey, nil, initialMsg); err != nil {
		t.Fatalf("EstablishResponder: %v", err)
	}

	ad := []byte("ad")
	first, err := aliceEngine.Encrypt(ctx, pair, []byte("one"), ad)
	if err != nil {
		t.Fatalf("Encrypt 1: %v", err)
	}
	second, err := aliceEngine.Encrypt(ctx, pair, []byte("two"), ad)
	if err != nil {
		t.Fatalf("Encrypt 2: %v", err)
	}

	plain2, err := bobEngine.Decrypt(ctx, pair, second, ad)
	if err != nil {
		t.Fatalf("Decrypt 2 (out of order first): %v", err)
	}
	if string(plain2) != "two" {
		t.Fatalf("got %q, want two", plain2)
	}

	plain1, err := bobEngine.Decrypt(ctx, pair, first, ad)
	if err != nil {
		t.Fatalf("Decrypt 1 (replayed skipped key): %v", err)
	}
	if string(plain1) != "one" {
		t.Fatalf("got %q, want one", plain1)
	}
}
