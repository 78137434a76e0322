// Package crypto implements the cryptographic capability set spec.md §9
// names for the pairwise and group engines: keypair generation, signing,
// AEAD encrypt/decrypt, HKDF, and Diffie-Hellman. It is grounded on the
// teacher's internal/encryption (AES-256-GCM, Argon2id) and internal/signal
// (X3DH + Double Ratchet over curve25519/ed25519/hkdf) packages.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// NonceSize is the GCM standard nonce size in bytes.
	NonceSize = 12
	// SaltSize is the size of a freshly generated password salt.
	SaltSize = 16
)

// AEADEncrypt seals plaintext under key with the given nonce and associated
// data. AD binds ciphertext to (sender, recipient, server timestamp) per
// spec.md §4.2.
func AEADEncrypt(key, nonce, plaintext, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: invalid key size %d", len(key))
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("crypto: invalid nonce size %d", len(nonce))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, ad), nil
}

// AEADDecrypt opens ciphertext under key, nonce, and associated data.
func AEADDecrypt(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: invalid key size %d", len(key))
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("crypto: invalid nonce size %d", len(nonce))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return gcm.Open(nil, nonce, ciphertext, ad)
}

// RandomNonce draws a fresh GCM nonce.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: read nonce: %w", err)
	}
	return nonce, nil
}

// HashPassword derives a memory-hard Argon2id hash for the password-storage
// requirement in spec.md §4.1 (passwords stored as a memory-hard hash with
// random salt).
func HashPassword(password string) (hash, salt []byte, err error) {
	salt = make([]byte, SaltSize)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("crypto: read salt: %w", err)
	}
	hash = argon2.IDKey([]byte(password), salt, 3, 64*1024, 2, KeySize)
	return hash, salt, nil
}

// VerifyPassword re-derives the Argon2id hash and compares in constant time.
func VerifyPassword(password string, hash, salt []byte) bool {
	derived := argon2.IDKey([]byte(password), salt, 3, 64*1024, 2, KeySize)
	return subtle.ConstantTimeCompare(derived, hash) == 1
}
