// Package pairwise implements the Pairwise Session Engine (spec.md §4.2):
// X3DH bootstrap and Double Ratchet encrypt/decrypt over a KV-persisted
// session record, with the engine enforcing the spec's "at most one
// in-flight operation per session" concurrency rule via a per-canonical-
// pair lock. Named distinctly from internal/identity's auth SessionStore
// to avoid any ambiguity between an HTTP session and a ratchet session.
//
// Grounded on actuallydan-pollis/internal/services/signal_service.go's
// load-state -> mutate -> save-state orchestration, generalized from a
// single-user sql.DB session row to the storage.KV `/ratchet/{pair}`
// record this engine persists after every mutating call.
package pairwise

import (
	"context"
	"sync"

	"wireline/internal/apperr"
	"wireline/internal/crypto"
	"wireline/internal/domain"
	"wireline/internal/storage"
)

// Engine orchestrates pairwise ratchet sessions on top of a KV store.
type Engine struct {
	kv storage.KV

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewEngine(kv storage.KV) *Engine {
	return &Engine{kv: kv, locks: make(map[string]*sync.Mutex)}
}

// lockFor returns the per-canonical-pair mutex, creating it on first use.
// Engine-wide map access is itself guarded separately from the per-session
// lock so unrelated sessions never block each other.
func (e *Engine) lockFor(pair domain.CanonicalPair) *sync.Mutex {
	key := pair.Key()
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// EstablishInitiator runs X3DH as the initiator against a fetched
// PreKeyBundle and persists the resulting ratchet session under the
// canonical pair.
func (e *Engine) EstablishInitiator(ctx context.Context, pair domain.CanonicalPair, localIdentity *crypto.IdentityKeyPair, bundle crypto.Bundle) (*crypto.InitiatorResult, error) {
	lock := e.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()

	result, err := crypto.InitiatorX3DH(localIdentity, bundle)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "x3dh initiator", err)
	}

	state, err := crypto.NewInitiatorRatchetState(result.SharedSecret, result.UsedSignedPK)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "bootstrap ratchet state", err)
	}
	if err := e.persist(ctx, pair, state); err != nil {
		return nil, err
	}
	return result, nil
}

// EstablishResponder runs X3DH as the responder against the initiator's
// InitialMessage and persists the resulting ratchet session.
func (e *Engine) EstablishResponder(ctx context.Context, pair domain.CanonicalPair, localIdentity *crypto.IdentityKeyPair, localSignedPreKey crypto.X25519KeyPair, localOneTimePreKey *crypto.X25519KeyPair, msg crypto.InitialMessage) error {
	lock := e.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()

	sharedSecret, err := crypto.ResponderX3DH(localIdentity, localSignedPreKey, localOneTimePreKey, msg)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "x3dh responder", err)
	}
	state := crypto.NewResponderRatchetState(sharedSecret, localSignedPreKey)
	return e.persist(ctx, pair, state)
}

// Encrypt loads the session, advances the sending chain, and flushes the
// mutated state before returning — spec.md §4.2 "Persistence contract":
// a session is never left un-persisted after a successful encrypt.
func (e *Engine) Encrypt(ctx context.Context, pair domain.CanonicalPair, plaintext, associatedData []byte) (*crypto.RatchetMessage, error) {
	lock := e.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.load(ctx, pair)
	if err != nil {
		return nil, err
	}
	msg, err := crypto.Encrypt(state, plaintext, associatedData)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "ratchet encrypt", err)
	}
	if err := e.persist(ctx, pair, state); err != nil {
		return nil, err
	}
	return msg, nil
}

// Decrypt loads the session, opens msg (performing a DH ratchet step
// and/or skipped-key replay as needed), and flushes the mutated state.
func (e *Engine) Decrypt(ctx context.Context, pair domain.CanonicalPair, msg *crypto.RatchetMessage, associatedData []byte) ([]byte, error) {
	lock := e.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.load(ctx, pair)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.Decrypt(state, msg, associatedData)
	if err != nil {
		return nil, apperr.Wrap(apperr.FailedPrecondition, "ratchet decrypt", err)
	}
	if err := e.persist(ctx, pair, state); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// HasSession reports whether a ratchet session already exists for pair.
func (e *Engine) HasSession(ctx context.Context, pair domain.CanonicalPair) (bool, error) {
	_, err := e.kv.Get(ctx, storage.RatchetKey(pair.Key()))
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.InternalError, "check ratchet session", err)
	}
	return true, nil
}

// DeleteSession removes a session record.
func (e *Engine) DeleteSession(ctx context.Context, pair domain.CanonicalPair) error {
	lock := e.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()
	if err := e.kv.Delete(ctx, storage.RatchetKey(pair.Key())); err != nil {
		return apperr.Wrap(apperr.InternalError, "delete ratchet session", err)
	}
	return nil
}

func (e *Engine) load(ctx context.Context, pair domain.CanonicalPair) (*crypto.RatchetState, error) {
	data, err := e.kv.Get(ctx, storage.RatchetKey(pair.Key()))
	if err == storage.ErrNotFound {
		return nil, apperr.New(apperr.FailedPrecondition, "no ratchet session established for this pair")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "load ratchet session", err)
	}
	state, err := crypto.DeserializeState(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "decode ratchet session", err)
	}
	return state, nil
}

func (e *Engine) persist(ctx context.Context, pair domain.CanonicalPair, state *crypto.RatchetState) error {
	data, err := crypto.SerializeState(state)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "encode ratchet session", err)
	}
	if err := e.kv.Put(ctx, storage.RatchetKey(pair.Key()), data); err != nil {
		return apperr.Wrap(apperr.InternalError, "persist ratchet session", err)
	}
	return nil
}
