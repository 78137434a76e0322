package crypto

import "testing"

func establishedPair(t *testing.T) (aState, bState *RatchetState) {
	t.Helper()
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i)
	}

	responderSPK, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair: %v", err)
	}

	bState = NewResponderRatchetState(secret, *responderSPK)
	aState, err = NewInitiatorRatchetState(secret, responderSPK.Public)
	if err != nil {
		t.Fatalf("NewInitiatorRatchetState: %v", err)
	}
	return aState, bState
}

func TestRatchet_SingleMessageRoundTrip(t *testing.T) {
	aState, bState := establishedPair(t)

	msg, err := Encrypt(aState, []byte("hello"), []byte("ad"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, err := Decrypt(bState, msg, []byte("ad"))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatalf("got %q want %q", plaintext, "hello")
	}
}

func TestRatchet_BidirectionalExchange(t *testing.T) {
	aState, bState := establishedPair(t)

	msg1, err := Encrypt(aState, []byte("a->b"), nil)
	if err != nil {
		t.Fatalf("Encrypt a->b: %v", err)
	}
	if _, err := Decrypt(bState, msg1, nil); err != nil {
		t.Fatalf("Decrypt a->b: %v", err)
	}

	// b must ratchet forward to reply; its send chain only exists after
	// it has observed a's DH public key via the first decrypt.
	msg2, err := Encrypt(bState, []byte("b->a"), nil)
	if err != nil {
		t.Fatalf("Encrypt b->a: %v", err)
	}
	plaintext, err := Decrypt(aState, msg2, nil)
	if err != nil {
		t.Fatalf("Decrypt b->a: %v", err)
	}
	if string(plaintext) != "b->a" {
		t.Fatalf("got %q want %q", plaintext, "b->a")
	}
}

func TestRatchet_OutOfOrderDelivery(t *testing.T) {
	aState, bState := establishedPair(t)

	msg1, err := Encrypt(aState, []byte("first"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	msg2, err := Encrypt(aState, []byte("second"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Deliver msg2 first; this forces bState to skip message key 0.
	pt2, err := Decrypt(bState, msg2, nil)
	if err != nil {
		t.Fatalf("Decrypt msg2: %v", err)
	}
	if string(pt2) != "second" {
		t.Fatalf("got %q want %q", pt2, "second")
	}

	pt1, err := Decrypt(bState, msg1, nil)
	if err != nil {
		t.Fatalf("Decrypt msg1 (skipped key replay): %v", err)
	}
	if string(pt1) != "first" {
		t.Fatalf("got %q want %q", pt1, "first")
	}
}

func TestRatchet_RejectsReplay(t *testing.T) {
	aState, bState := establishedPair(t)

	msg, err := Encrypt(aState, []byte("once"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(bState, msg, nil); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if _, err := Decrypt(bState, msg, nil); err == nil {
		t.Fatalf("expected replay of an already-processed message to fail")
	}
}

func TestRatchet_SerializeRoundTrip(t *testing.T) {
	aState, _ := establishedPair(t)

	data, err := SerializeState(aState)
	if err != nil {
		t.Fatalf("SerializeState: %v", err)
	}
	restored, err := DeserializeState(data)
	if err != nil {
		t.Fatalf("DeserializeState: %v", err)
	}
	if restored.RootKey != aState.RootKey {
		t.Fatalf("root key mismatch after round trip")
	}
	if restored.SendCount != aState.SendCount {
		t.Fatalf("send count mismatch after round trip")
	}
}

func TestRatchet_SkipBoundEnforced(t *testing.T) {
	aState, bState := establishedPair(t)

	// Establish the chain in bState's favor by round-tripping one message.
	msg, err := Encrypt(aState, []byte("seed"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(bState, msg, nil); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	for i := 0; i < MaxSkippedMessageKeys+5; i++ {
		if _, err := Encrypt(aState, []byte("x"), nil); err != nil {
			t.Fatalf("Encrypt #%d: %v", i, err)
		}
	}
	last, err := Encrypt(aState, []byte("final"), nil)
	if err != nil {
		t.Fatalf("Encrypt final: %v", err)
	}

	if _, err := Decrypt(bState, last, nil); err == nil {
		t.Fatalf("expected skip bound to reject a gap beyond %d", MaxSkippedMessageKeys)
	}
}
