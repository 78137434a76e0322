package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MLS ciphersuite label carried in exported group metadata; the actual
// primitives used are Ed25519 signing + HKDF-SHA256 epoch-secret
// derivation + AES-256-GCM application encryption, approximating
// MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519 without the full TreeKEM
// ratchet tree (spec.md §4.3 "Ciphersuite").
const MLSCiphersuite = "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519"

// MLSMemberKeys is the signing/init keypair a device generates to join MLS
// groups, carried inside its uploaded key package.
type MLSMemberKeys struct {
	SigPub  ed25519.PublicKey
	SigPriv ed25519.PrivateKey
	InitPub []byte // 32-byte X25519-shaped init key
}

// GenerateMLSMemberKeys produces a fresh signing/init keypair for a device's
// key package.
func GenerateMLSMemberKeys() (*MLSMemberKeys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate mls signing key: %w", err)
	}
	initPriv := make([]byte, 32)
	if _, err := rand.Read(initPriv); err != nil {
		return nil, fmt.Errorf("crypto: generate mls init key: %w", err)
	}
	h := sha256.Sum256(initPriv)
	return &MLSMemberKeys{SigPub: pub, SigPriv: priv, InitPub: h[:]}, nil
}

// MLSKeyPackageData is the opaque payload carried in domain.KeyPackage.Data:
// a credential (identity bytes) plus the signing/init public material,
// self-signed so the group engine can verify it at Add time.
type MLSKeyPackageData struct {
	Credential []byte `json:"credential"`
	SigPub     []byte `json:"sig_pub"`
	InitPub    []byte `json:"init_pub"`
	Signature  []byte `json:"signature"` // self-signature over Credential||InitPub
}

// BuildMLSKeyPackage assembles and self-signs a key package for credential
// (typically the device's identity public key bytes).
func BuildMLSKeyPackage(credential []byte, keys *MLSMemberKeys) MLSKeyPackageData {
	signed := append(append([]byte{}, credential...), keys.InitPub...)
	sig := ed25519.Sign(keys.SigPriv, signed)
	return MLSKeyPackageData{Credential: credential, SigPub: keys.SigPub, InitPub: keys.InitPub, Signature: sig}
}

// VerifyMLSKeyPackage checks the self-signature over a key package.
func VerifyMLSKeyPackage(kp MLSKeyPackageData) bool {
	if len(kp.SigPub) != ed25519.PublicKeySize {
		return false
	}
	signed := append(append([]byte{}, kp.Credential...), kp.InitPub...)
	return ed25519.Verify(kp.SigPub, signed, kp.Signature)
}

// MLSMember is one entry in a group's member list.
type MLSMember struct {
	Credential []byte `json:"credential"`
	SigPub     []byte `json:"sig_pub"`
	InitPub    []byte `json:"init_pub"`
	Active     bool   `json:"active"`
}

// MLSGroupState is the full serialized state of one group: epoch, epoch
// secret, and member list, persisted as the opaque blob spec.md §4.3
// "Persistence" names. The server holds the single authoritative copy —
// there is no per-member resident ratchet tree, since the group engine here
// is the server-side component, not a client materialization.
type MLSGroupState struct {
	GroupID     string      `json:"group_id"`
	Epoch       uint64      `json:"epoch"`
	EpochSecret [32]byte    `json:"epoch_secret"`
	Members     []MLSMember `json:"members"`
}

// CreateMLSGroup initializes group state with the creator as its sole
// member (spec.md §4.3 "Create group").
func CreateMLSGroup(groupID string, creator MLSKeyPackageData) (*MLSGroupState, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate epoch secret: %w", err)
	}
	return &MLSGroupState{
		GroupID:     groupID,
		Epoch:       0,
		EpochSecret: secret,
		Members:     []MLSMember{{Credential: creator.Credential, SigPub: creator.SigPub, InitPub: creator.InitPub, Active: true}},
	}, nil
}

func (g *MLSGroupState) advanceEpoch() {
	epochBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBytes, g.Epoch)
	r := hkdf.New(sha256.New, g.EpochSecret[:], epochBytes, []byte("wireline.MLS.EpochAdvance"))
	var next [32]byte
	if _, err := io.ReadFull(r, next[:]); err != nil {
		panic(fmt.Sprintf("crypto: hkdf epoch advance: %v", err))
	}
	g.EpochSecret = next
	g.Epoch++
}

func (g *MLSGroupState) findActive(credential []byte) int {
	for i, m := range g.Members {
		if m.Active && bytesEqual(m.Credential, credential) {
			return i
		}
	}
	return -1
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ErrAlreadyMember indicates the target credential is already an active
// member (spec.md §4.3 "repeated Add ... fails with Conflict").
var ErrAlreadyMember = fmt.Errorf("crypto: credential is already an active member")

// ErrNotAMember indicates the target credential could not be matched
// against any active member for removal.
var ErrNotAMember = fmt.Errorf("crypto: credential is not an active member")

// AddMember verifies the candidate's key package, appends it, and advances
// the epoch. Returns (commitBytes, welcomeBytes): commitBytes is the full
// new serialized state distributed to existing members, welcomeBytes is
// the same state addressed to the joining member.
func (g *MLSGroupState) AddMember(candidate MLSKeyPackageData) (commitBytes, welcomeBytes []byte, err error) {
	if !VerifyMLSKeyPackage(candidate) {
		return nil, nil, fmt.Errorf("crypto: key package signature verification failed")
	}
	if g.findActive(candidate.Credential) >= 0 {
		return nil, nil, ErrAlreadyMember
	}

	g.Members = append(g.Members, MLSMember{Credential: candidate.Credential, SigPub: candidate.SigPub, InitPub: candidate.InitPub, Active: true})
	g.advanceEpoch()

	commitBytes, err = json.Marshal(g)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: marshal commit: %w", err)
	}
	welcomeBytes = append([]byte{}, commitBytes...)
	return commitBytes, welcomeBytes, nil
}

// RemoveMember deactivates the member matching credential and advances the
// epoch. Returns the commit bytes to distribute to remaining members.
func (g *MLSGroupState) RemoveMember(credential []byte) ([]byte, error) {
	idx := g.findActive(credential)
	if idx < 0 {
		return nil, ErrNotAMember
	}
	g.Members[idx].Active = false
	g.advanceEpoch()
	return json.Marshal(g)
}

// ApplyCommit replaces the local state with a commit's serialized state,
// per spec.md §4.3 "Process commit": the epoch in commitBytes must be
// strictly greater than the current epoch.
func (g *MLSGroupState) ApplyCommit(commitBytes []byte) error {
	var next MLSGroupState
	if err := json.Unmarshal(commitBytes, &next); err != nil {
		return fmt.Errorf("crypto: unmarshal commit: %w", err)
	}
	if next.Epoch <= g.Epoch {
		return fmt.Errorf("crypto: commit epoch %d is not newer than current epoch %d", next.Epoch, g.Epoch)
	}
	*g = next
	return nil
}

// IsActiveMember reports whether credential is an active member at the
// current epoch.
func (g *MLSGroupState) IsActiveMember(credential []byte) bool {
	return g.findActive(credential) >= 0
}

// ActiveMemberCount returns the number of active members.
func (g *MLSGroupState) ActiveMemberCount() int {
	n := 0
	for _, m := range g.Members {
		if m.Active {
			n++
		}
	}
	return n
}

// exportApplicationKey derives the symmetric key application messages are
// AEAD-sealed under at the current epoch.
func (g *MLSGroupState) exportApplicationKey() []byte {
	r := hkdf.New(sha256.New, g.EpochSecret[:], nil, []byte("wireline.MLS.ApplicationKey"))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("crypto: hkdf application key: %v", err))
	}
	return out
}

// MLSCiphertext is the sealed application-message envelope, carrying the
// epoch it was produced at so a receiver at a different epoch can defer it
// rather than fail outright (spec.md §4.3 "Decrypt application message").
type MLSCiphertext struct {
	Epoch      uint64 `json:"epoch"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// EncryptMLSMessage seals plaintext under the group's current epoch key.
func (g *MLSGroupState) EncryptMLSMessage(plaintext, associatedData []byte) (*MLSCiphertext, error) {
	nonce, err := RandomNonce()
	if err != nil {
		return nil, err
	}
	ct, err := AEADEncrypt(g.exportApplicationKey(), nonce, plaintext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("crypto: mls encrypt: %w", err)
	}
	return &MLSCiphertext{Epoch: g.Epoch, Nonce: nonce, Ciphertext: ct}, nil
}

// DecryptMLSMessage opens msg. The caller must ensure the receiver's state
// is at msg.Epoch before calling — spec.md §4.3 requires out-of-epoch
// ciphertexts be deferred, not attempted against the wrong key.
func (g *MLSGroupState) DecryptMLSMessage(msg *MLSCiphertext, associatedData []byte) ([]byte, error) {
	if msg.Epoch != g.Epoch {
		return nil, fmt.Errorf("crypto: mls ciphertext epoch %d does not match group epoch %d", msg.Epoch, g.Epoch)
	}
	pt, err := AEADDecrypt(g.exportApplicationKey(), msg.Nonce, msg.Ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("crypto: mls decrypt: %w", err)
	}
	return pt, nil
}

// SerializeMLSGroupState encodes state for the opaque-blob KV record.
func SerializeMLSGroupState(state *MLSGroupState) ([]byte, error) {
	return json.Marshal(state)
}

// DeserializeMLSGroupState decodes a persisted group-state record.
func DeserializeMLSGroupState(data []byte) (*MLSGroupState, error) {
	var st MLSGroupState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("crypto: deserialize mls group state: %w", err)
	}
	return &st, nil
}
