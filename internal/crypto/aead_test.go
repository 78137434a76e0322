package crypto

import "testing"

func TestAEADEncryptDecrypt_RoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	nonce, err := RandomNonce()
	if err != nil {
		t.Fatalf("RandomNonce: %v", err)
	}

	ct, err := AEADEncrypt(key[:], nonce, []byte("payload"), []byte("context"))
	if err != nil {
		t.Fatalf("AEADEncrypt: %v", err)
	}
	pt, err := AEADDecrypt(key[:], nonce, ct, []byte("context"))
	if err != nil {
		t.Fatalf("AEADDecrypt: %v", err)
	}
	if string(pt) != "payload" {
		t.Fatalf("got %q want %q", pt, "payload")
	}
}

func TestAEADDecrypt_RejectsWrongAD(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	nonce, err := RandomNonce()
	if err != nil {
		t.Fatalf("RandomNonce: %v", err)
	}
	ct, err := AEADEncrypt(key[:], nonce, []byte("payload"), []byte("right"))
	if err != nil {
		t.Fatalf("AEADEncrypt: %v", err)
	}
	if _, err := AEADDecrypt(key[:], nonce, ct, []byte("wrong")); err == nil {
		t.Fatalf("expected associated-data mismatch to fail decryption")
	}
}

func TestHashPassword_VerifiesAndRejects(t *testing.T) {
	hash, salt, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword("correct horse battery staple", hash, salt) {
		t.Fatalf("expected correct password to verify")
	}
	if VerifyPassword("wrong password altogether", hash, salt) {
		t.Fatalf("expected incorrect password to fail verification")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	sig := Sign(id.Private, []byte("message"))
	if !Verify(id.Public, []byte("message"), sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(id.Public, []byte("tampered"), sig) {
		t.Fatalf("expected signature over different message to fail")
	}
}
