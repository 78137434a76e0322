package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// IdentityKeyPair is a device's long-term Ed25519 signing keypair.
type IdentityKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// X25519KeyPair is a Diffie-Hellman keypair on Curve25519.
type X25519KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateIdentityKeyPair creates a fresh Ed25519 signing identity.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ed25519: %w", err)
	}
	return &IdentityKeyPair{Public: pub, Private: priv}, nil
}

// GenerateX25519KeyPair creates a fresh, independently-random X25519
// keypair — used for ephemeral keys and signed pre-keys, which are never
// derived from the identity seed.
func GenerateX25519KeyPair() (*X25519KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("crypto: read random: %w", err)
	}
	clamp(&priv)
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive public: %w", err)
	}
	var pubArr [32]byte
	copy(pubArr[:], pub)
	return &X25519KeyPair{Public: pubArr, Private: priv}, nil
}

// clamp applies the RFC7748 clamping operation in place: clear the bottom
// three bits of byte 0, clear the top bit of byte 31, set bit 6 of byte 31.
func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// DH performs the X25519 scalar multiplication priv*pub.
func DH(priv, pub [32]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: dh: %w", err)
	}
	return out, nil
}

// Sign produces an Ed25519 signature over message.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify checks an Ed25519 signature over message.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
