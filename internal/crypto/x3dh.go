package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const x3dhRootInfo = "X3DH"

// Bundle is the key material an initiator fetches to start X3DH with a
// remote device (spec.md §4.2, "get-key-bundle").
type Bundle struct {
	IdentityKey     ed25519.PublicKey
	SignedPreKey    [32]byte
	SignedPreKeySig []byte
	OneTimePreKey   *[32]byte // nil when the bundle had no spare one-time key
}

// InitiatorResult is the output of running X3DH as the session initiator.
type InitiatorResult struct {
	SharedSecret   [32]byte
	EphemeralKey   *X25519KeyPair // the fresh ephemeral keypair generated for this handshake
	UsedSignedPK   [32]byte       // the responder signed pre-key DH'd against, becomes the initial RecvDHPub
	UsedOneTimeKey bool
}

// InitiatorX3DH runs the X3DH key agreement as the party opening a session,
// per spec.md §4.2: SK = HKDF-SHA256(info="X3DH", IKM = DH1‖DH2‖DH3‖[DH4]).
//   DH1 = DH(IK_local, SPK_remote)
//   DH2 = DH(EK_local, IK_remote)
//   DH3 = DH(EK_local, SPK_remote)
//   DH4 = DH(EK_local, OPK_remote)  (only if the bundle carried a one-time key)
func InitiatorX3DH(localIdentity *IdentityKeyPair, bundle Bundle) (*InitiatorResult, error) {
	if !Verify(bundle.IdentityKey, bundle.SignedPreKey[:], bundle.SignedPreKeySig) {
		return nil, fmt.Errorf("crypto: signed pre-key signature verification failed")
	}

	localIKX25519, err := DeriveX25519KeyPairFromIdentity(localIdentity)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive local x25519 identity: %w", err)
	}
	remoteIKX25519, err := ConvertEdPublicToX25519(bundle.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: convert remote identity: %w", err)
	}

	ephemeral, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ephemeral: %w", err)
	}

	dh1, err := DH(localIKX25519.Private, bundle.SignedPreKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: dh1: %w", err)
	}
	dh2, err := DH(ephemeral.Private, remoteIKX25519)
	if err != nil {
		return nil, fmt.Errorf("crypto: dh2: %w", err)
	}
	dh3, err := DH(ephemeral.Private, bundle.SignedPreKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: dh3: %w", err)
	}

	ikm := bytes.Join([][]byte{dh1, dh2, dh3}, nil)
	usedOneTime := false
	if bundle.OneTimePreKey != nil {
		dh4, err := DH(ephemeral.Private, *bundle.OneTimePreKey)
		if err != nil {
			return nil, fmt.Errorf("crypto: dh4: %w", err)
		}
		ikm = append(ikm, dh4...)
		usedOneTime = true
	}

	var secret [32]byte
	copy(secret[:], hkdfDerive(nil, ikm, []byte(x3dhRootInfo), 32))

	return &InitiatorResult{
		SharedSecret:   secret,
		EphemeralKey:   ephemeral,
		UsedSignedPK:   bundle.SignedPreKey,
		UsedOneTimeKey: usedOneTime,
	}, nil
}

// InitialMessage is the header an initiator transmits alongside its first
// ratchet-encrypted message so the responder can replay the same X3DH
// agreement (spec.md §4.2 "initial message carries the initiator's
// identity and ephemeral public keys").
type InitialMessage struct {
	InitiatorIdentityKey ed25519.PublicKey
	InitiatorEphemeral   [32]byte
	UsedSignedPreKey     [32]byte
	UsedOneTimeKeyID     *uint32
}

// ResponderX3DH replays the X3DH agreement as the party that published the
// bundle, given its own long-term identity, the signed pre-key it
// advertised, the one-time pre-key consumed (if any), and the initiator's
// InitialMessage.
//   DH1 = DH(SPK_local, IK_remote)
//   DH2 = DH(IK_local, EK_remote)
//   DH3 = DH(SPK_local, EK_remote)
//   DH4 = DH(OPK_local, EK_remote)  (only if the initiator consumed one)
func ResponderX3DH(localIdentity *IdentityKeyPair, localSignedPreKey X25519KeyPair, localOneTimePreKey *X25519KeyPair, msg InitialMessage) ([32]byte, error) {
	var secret [32]byte

	localIKX25519, err := DeriveX25519KeyPairFromIdentity(localIdentity)
	if err != nil {
		return secret, fmt.Errorf("crypto: derive local x25519 identity: %w", err)
	}
	remoteIKX25519, err := ConvertEdPublicToX25519(msg.InitiatorIdentityKey)
	if err != nil {
		return secret, fmt.Errorf("crypto: convert remote identity: %w", err)
	}

	if !bytes.Equal(localSignedPreKey.Public[:], msg.UsedSignedPreKey[:]) {
		return secret, fmt.Errorf("crypto: initial message references an unknown signed pre-key")
	}

	dh1, err := DH(localSignedPreKey.Private, remoteIKX25519)
	if err != nil {
		return secret, fmt.Errorf("crypto: dh1: %w", err)
	}
	dh2, err := DH(localIKX25519.Private, msg.InitiatorEphemeral)
	if err != nil {
		return secret, fmt.Errorf("crypto: dh2: %w", err)
	}
	dh3, err := DH(localSignedPreKey.Private, msg.InitiatorEphemeral)
	if err != nil {
		return secret, fmt.Errorf("crypto: dh3: %w", err)
	}

	ikm := bytes.Join([][]byte{dh1, dh2, dh3}, nil)
	if msg.UsedOneTimeKeyID != nil {
		if localOneTimePreKey == nil {
			return secret, fmt.Errorf("crypto: initial message references a one-time key we do not hold")
		}
		dh4, err := DH(localOneTimePreKey.Private, msg.InitiatorEphemeral)
		if err != nil {
			return secret, fmt.Errorf("crypto: dh4: %w", err)
		}
		ikm = append(ikm, dh4...)
	}

	copy(secret[:], hkdfDerive(nil, ikm, []byte(x3dhRootInfo), 32))
	return secret, nil
}

func hkdfDerive(salt, ikm, info []byte, size int) []byte {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(err)
	}
	return out
}
