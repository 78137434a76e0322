package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"math/big"
)

// p is the Curve25519/Ed25519 field prime 2^255 - 19.
var p = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(19))

// ConvertEdPublicToX25519 converts an Ed25519 (Edwards) public key to its
// corresponding X25519 (Montgomery) public key via u = (1+y)/(1-y) mod p,
// per spec.md §4.2. This is the birational map between the two curve
// models; it must be used identically on both sides of a key agreement —
// it is NOT a re-signing or a re-keying operation.
func ConvertEdPublicToX25519(edPub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	if len(edPub) != ed25519.PublicKeySize {
		return out, fmt.Errorf("crypto: invalid ed25519 public key size %d", len(edPub))
	}

	// The encoded public key is the little-endian y-coordinate with the
	// sign of x stashed in the top bit of the last byte; clear it to
	// recover y.
	yBytes := make([]byte, 32)
	copy(yBytes, edPub)
	yBytes[31] &= 0x7f

	y := leBytesToBigInt(yBytes)

	one := big.NewInt(1)
	numerator := new(big.Int).Add(one, y)
	numerator.Mod(numerator, p)
	denominator := new(big.Int).Sub(one, y)
	denominator.Mod(denominator, p)
	if denominator.ModInverse(denominator, p) == nil {
		return out, fmt.Errorf("crypto: y=1 has no modular inverse")
	}

	u := new(big.Int).Mul(numerator, denominator)
	u.Mod(u, p)

	bigIntToLEBytes(u, out[:])
	return out, nil
}

// DeriveX25519PrivateFromSeed derives the X25519 private scalar paired with
// an Ed25519 identity key, per spec.md §4.2: clamp(SHA-512(seed)[0:32]).
// seed is the 32-byte Ed25519 private key seed (ed25519.PrivateKey.Seed()).
func DeriveX25519PrivateFromSeed(seed []byte) ([32]byte, error) {
	var out [32]byte
	if len(seed) != ed25519.SeedSize {
		return out, fmt.Errorf("crypto: invalid ed25519 seed size %d", len(seed))
	}
	digest := sha512.Sum512(seed)
	copy(out[:], digest[:32])
	clamp(&out)
	return out, nil
}

// DeriveX25519KeyPairFromIdentity derives the full X25519 keypair used as
// the X3DH identity DH key, from an Ed25519 identity keypair. Both sides of
// a session must perform this exact derivation for X3DH to interoperate —
// see spec.md §4.2 Open Questions 2 and 3.
func DeriveX25519KeyPairFromIdentity(id *IdentityKeyPair) (*X25519KeyPair, error) {
	priv, err := DeriveX25519PrivateFromSeed(id.Private.Seed())
	if err != nil {
		return nil, err
	}
	pub, err := ConvertEdPublicToX25519(id.Public)
	if err != nil {
		return nil, err
	}
	return &X25519KeyPair{Public: pub, Private: priv}, nil
}

func leBytesToBigInt(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}

func bigIntToLEBytes(n *big.Int, out []byte) {
	be := n.Bytes()
	for i, v := range be {
		out[len(be)-1-i] = v
	}
}
