package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxSkippedMessageKeys bounds the number of out-of-order message keys a
// ratchet session retains before evicting the oldest, per spec.md §4.2's
// default skipped-message tolerance.
const MaxSkippedMessageKeys = 1000

const (
	ratchetInfoRoot  = "wireline.Ratchet.Root"
	ratchetInfoChain = "wireline.Ratchet.Chain"
	ratchetInfoMsg   = "wireline.Ratchet.Msg"
)

// RatchetState is the full persistent state of one Double Ratchet session,
// serialized to the `/ratchet/{canonical-pair}` KV record after every
// mutating Encrypt/Decrypt call (spec.md §4.2 "Persistence").
type RatchetState struct {
	RootKey        [32]byte          `json:"root_key"`
	SendChainKey   []byte            `json:"send_chain_key"` // nil until the first ratchet step
	RecvChainKey   []byte            `json:"recv_chain_key"`
	SendDHPriv     [32]byte          `json:"send_dh_priv"`
	SendDHPub      [32]byte          `json:"send_dh_pub"`
	RecvDHPub      [32]byte          `json:"recv_dh_pub"`
	HasRecvDHPub   bool              `json:"has_recv_dh_pub"`
	SendCount      uint32            `json:"send_count"`
	RecvCount      uint32            `json:"recv_count"`
	PrevRecvCount  uint32            `json:"prev_recv_count"`
	SkippedMsgKeys map[string][]byte `json:"skipped_msg_keys"`
	skippedOrder   []string          // eviction order, not persisted
	CreatedAt      int64             `json:"created_at"`
	UpdatedAt      int64             `json:"updated_at"`
}

// MessageHeader rides alongside ciphertext so the peer can detect DH
// ratchet steps and out-of-order delivery.
type MessageHeader struct {
	DHPub   [32]byte `json:"dh_pub"`
	PN      uint32   `json:"pn"`
	Counter uint32   `json:"counter"`
}

// RatchetMessage is the wire envelope for one ratchet-encrypted payload.
type RatchetMessage struct {
	Header     MessageHeader `json:"header"`
	Ciphertext []byte        `json:"ciphertext"`
	Nonce      []byte        `json:"nonce"`
}

// NewInitiatorRatchetState bootstraps ratchet state after X3DH from the
// initiator's side: the initial root key and the responder's signed
// pre-key as the first remote DH public key.
func NewInitiatorRatchetState(sharedSecret [32]byte, remoteInitialDHPub [32]byte) (*RatchetState, error) {
	sendPriv, sendPub, err := newX25519Scalar()
	if err != nil {
		return nil, err
	}
	dhOut, err := DH(sendPriv, remoteInitialDHPub)
	if err != nil {
		return nil, fmt.Errorf("crypto: ratchet dh: %w", err)
	}
	rootKey, sendCK := deriveChainKey(sharedSecret, dhOut)
	return &RatchetState{
		RootKey:        rootKey,
		SendChainKey:   sendCK,
		SendDHPriv:     sendPriv,
		SendDHPub:      sendPub,
		RecvDHPub:      remoteInitialDHPub,
		HasRecvDHPub:   true,
		SkippedMsgKeys: make(map[string][]byte),
		CreatedAt:      time.Now().Unix(),
		UpdatedAt:      time.Now().Unix(),
	}, nil
}

// NewResponderRatchetState bootstraps ratchet state after X3DH from the
// responder's side: the responder keeps its signed pre-key as its own
// initial send keypair and waits for the initiator's first DH ratchet
// step to arrive with the first message.
func NewResponderRatchetState(sharedSecret [32]byte, ownSignedPreKey X25519KeyPair) *RatchetState {
	return &RatchetState{
		RootKey:        sharedSecret,
		SendDHPriv:     ownSignedPreKey.Private,
		SendDHPub:      ownSignedPreKey.Public,
		SkippedMsgKeys: make(map[string][]byte),
		CreatedAt:      time.Now().Unix(),
		UpdatedAt:      time.Now().Unix(),
	}
}

// Encrypt advances the sending chain by one message key and seals
// plaintext under it. It mutates state in place; callers must persist the
// mutated state before acknowledging the send.
func Encrypt(state *RatchetState, plaintext, associatedData []byte) (*RatchetMessage, error) {
	if state == nil {
		return nil, errors.New("crypto: nil ratchet state")
	}
	if state.SendChainKey == nil {
		return nil, errors.New("crypto: sending chain not yet initialized")
	}

	msgKey, nextCK := deriveMessageKey(state.SendChainKey)
	state.SendChainKey = nextCK

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	ciphertext, err := AEADEncrypt(msgKey, nonce, plaintext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt: %w", err)
	}

	header := MessageHeader{DHPub: state.SendDHPub, PN: state.PrevRecvCount, Counter: state.SendCount}
	state.SendCount++
	state.UpdatedAt = time.Now().Unix()

	return &RatchetMessage{Header: header, Ciphertext: ciphertext, Nonce: nonce}, nil
}

// Decrypt opens msg against state, performing a DH ratchet step and/or
// skipped-key replay as needed. It mutates state in place; callers must
// persist the mutated state before acknowledging the receive.
func Decrypt(state *RatchetState, msg *RatchetMessage, associatedData []byte) ([]byte, error) {
	if state == nil {
		return nil, errors.New("crypto: nil ratchet state")
	}

	keyID := skippedKeyIdentifier(msg.Header.DHPub, msg.Header.Counter)
	if key, ok := state.SkippedMsgKeys[keyID]; ok {
		plaintext, err := AEADDecrypt(key, msg.Nonce, msg.Ciphertext, associatedData)
		if err != nil {
			return nil, fmt.Errorf("crypto: decrypt skipped key: %w", err)
		}
		delete(state.SkippedMsgKeys, keyID)
		return plaintext, nil
	}

	if !state.HasRecvDHPub || !bytes.Equal(msg.Header.DHPub[:], state.RecvDHPub[:]) {
		if state.RecvChainKey != nil {
			if err := state.skipMessageKeys(msg.Header.PN); err != nil {
				return nil, err
			}
		}
		if err := state.dhRatchetStep(msg.Header.DHPub); err != nil {
			return nil, err
		}
	}

	if msg.Header.Counter < state.RecvCount {
		return nil, fmt.Errorf("crypto: message counter %d already processed", msg.Header.Counter)
	}
	if err := state.skipMessageKeys(msg.Header.Counter); err != nil {
		return nil, err
	}

	msgKey, nextCK := deriveMessageKey(state.RecvChainKey)
	state.RecvChainKey = nextCK
	state.RecvCount++

	plaintext, err := AEADDecrypt(msgKey, msg.Nonce, msg.Ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt: %w", err)
	}
	state.UpdatedAt = time.Now().Unix()
	return plaintext, nil
}

// dhRatchetStep performs a full DH ratchet turn against a newly observed
// remote public key: derive the receiving chain from the existing root,
// generate a fresh send keypair, then derive the new sending chain.
func (st *RatchetState) dhRatchetStep(remotePub [32]byte) error {
	dhOut, err := DH(st.SendDHPriv, remotePub)
	if err != nil {
		return fmt.Errorf("crypto: ratchet dh: %w", err)
	}
	newRoot, recvCK := deriveChainKey(st.RootKey, dhOut)

	newSendPriv, newSendPub, err := newX25519Scalar()
	if err != nil {
		return err
	}
	dhOut2, err := DH(newSendPriv, remotePub)
	if err != nil {
		return fmt.Errorf("crypto: ratchet dh2: %w", err)
	}
	newRoot2, sendCK := deriveChainKey(newRoot, dhOut2)

	st.RootKey = newRoot2
	st.SendChainKey = sendCK
	st.RecvChainKey = recvCK
	st.SendDHPriv = newSendPriv
	st.SendDHPub = newSendPub
	st.RecvDHPub = remotePub
	st.HasRecvDHPub = true
	st.PrevRecvCount = st.RecvCount
	st.RecvCount = 0
	st.SendCount = 0
	return nil
}

func (st *RatchetState) storeSkippedKey(dhPub [32]byte, counter uint32, key []byte) {
	id := skippedKeyIdentifier(dhPub, counter)
	if _, exists := st.SkippedMsgKeys[id]; !exists {
		if len(st.skippedOrder) >= MaxSkippedMessageKeys {
			oldest := st.skippedOrder[0]
			st.skippedOrder = st.skippedOrder[1:]
			delete(st.SkippedMsgKeys, oldest)
		}
		st.skippedOrder = append(st.skippedOrder, id)
	}
	st.SkippedMsgKeys[id] = key
}

func (st *RatchetState) skipMessageKeys(until uint32) error {
	if until < st.RecvCount {
		return nil
	}
	if int(until-st.RecvCount) > MaxSkippedMessageKeys {
		return fmt.Errorf("crypto: refusing to skip %d message keys, exceeds bound of %d", until-st.RecvCount, MaxSkippedMessageKeys)
	}
	for st.RecvCount < until {
		mk, nextCK := deriveMessageKey(st.RecvChainKey)
		st.RecvChainKey = nextCK
		st.storeSkippedKey(st.RecvDHPub, st.RecvCount, mk)
		st.RecvCount++
	}
	return nil
}

func deriveChainKey(rootKey [32]byte, dhOutput []byte) (newRoot [32]byte, chainKey []byte) {
	var out [32]byte
	copy(out[:], hkdfDerive(rootKey[:], dhOutput, []byte(ratchetInfoRoot), 32))
	chainKey = hkdfDerive(out[:], dhOutput, []byte(ratchetInfoChain), 32)
	return out, chainKey
}

func deriveMessageKey(chainKey []byte) (msgKey []byte, nextCK []byte) {
	msgKey = hkdfDerive(chainKey, []byte{0x01}, []byte(ratchetInfoMsg), 32)
	nextCK = hkdfDerive(chainKey, []byte{0x02}, []byte(ratchetInfoChain), 32)
	return
}

func skippedKeyIdentifier(dhPub [32]byte, counter uint32) string {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, counter)
	return base64.StdEncoding.EncodeToString(append(dhPub[:], buf...))
}

// SerializeState encodes ratchet state to JSON for the `/ratchet/{pair}`
// KV record.
func SerializeState(state *RatchetState) ([]byte, error) {
	return json.Marshal(state)
}

// DeserializeState decodes a persisted ratchet record, rebuilding the
// runtime-only eviction order from map iteration since persisted order is
// not recoverable across restarts.
func DeserializeState(data []byte) (*RatchetState, error) {
	var st RatchetState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("crypto: deserialize ratchet state: %w", err)
	}
	if st.SkippedMsgKeys == nil {
		st.SkippedMsgKeys = make(map[string][]byte)
	}
	for id := range st.SkippedMsgKeys {
		st.skippedOrder = append(st.skippedOrder, id)
	}
	return &st, nil
}

func newX25519Scalar() (priv [32]byte, pub [32]byte, err error) {
	kp, err := GenerateX25519KeyPair()
	if err != nil {
		return priv, pub, err
	}
	return kp.Private, kp.Public, nil
}
