// Package group implements the Group Session Engine (spec.md §4.3): an
// MLS-like group state machine layered over internal/crypto's simplified
// MLS primitives, with KV-persisted state/metadata/member-index records
// and per-group serialization of mutating operations.
//
// Grounded on other_examples' germtb-mlsgit internal/mls/group.go (the
// only MLS precedent in the pack) for the create/Add/Remove/ApplyCommit
// shape, adapted from a per-client resident manager to a single
// server-authoritative state per spec.md §4.3 "the server persists the
// authoritative serialized form".
package group

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/crypto"
	"wireline/internal/domain"
	"wireline/internal/storage"
)

// DefaultMaxGroupSize bounds active membership, per spec.md §6.5's
// MLS max-group-size configuration key.
const DefaultMaxGroupSize = 256

// Engine orchestrates MLS-like group state on top of a KV store.
type Engine struct {
	kv          storage.KV
	maxGroupSize int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewEngine(kv storage.KV, maxGroupSize int) *Engine {
	if maxGroupSize <= 0 {
		maxGroupSize = DefaultMaxGroupSize
	}
	return &Engine{kv: kv, maxGroupSize: maxGroupSize, locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) lockFor(groupID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[groupID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[groupID] = l
	}
	return l
}

// Credential derives the stable member credential bytes for a (user,
// device) pair — the identifier AddMember/RemoveMember match on.
func Credential(userID, deviceID uuid.UUID) []byte {
	return []byte(userID.String() + ":" + deviceID.String())
}

// CreateGroup initializes a new group with creator as its sole, owning
// member, persisting state, metadata, and the member index atomically
// from the caller's perspective (spec.md §4.3 "Persisted atomically with
// the members index").
func (e *Engine) CreateGroup(ctx context.Context, groupID uuid.UUID, creatorUserID, creatorDeviceID uuid.UUID, creatorKeyPackage crypto.MLSKeyPackageData) (*domain.GroupMetadata, error) {
	lock := e.lockFor(groupID.String())
	lock.Lock()
	defer lock.Unlock()

	if _, err := e.kv.Get(ctx, storage.MLSGroupStateKey(groupID.String())); err == nil {
		return nil, apperr.New(apperr.Conflict, "group already exists")
	} else if err != storage.ErrNotFound {
		return nil, apperr.Wrap(apperr.InternalError, "check existing group", err)
	}

	state, err := crypto.CreateMLSGroup(groupID.String(), creatorKeyPackage)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "create mls group", err)
	}

	now := time.Now().Unix()
	meta := domain.GroupMetadata{
		GroupID: groupID, CreatorID: creatorUserID,
		CreatedAt: now, CurrentEpoch: state.Epoch, MemberCount: state.ActiveMemberCount(),
	}
	member := domain.GroupMember{GroupID: groupID, UserID: creatorUserID, DeviceID: creatorDeviceID, AddedAt: now}

	if err := e.persist(ctx, state, meta, []domain.GroupMember{member}); err != nil {
		return nil, err
	}
	return &meta, nil
}

// AddMember verifies the candidate's key package and adds it, advancing
// the epoch. Returns the commit bytes (for existing members) and welcome
// bytes (for the new member).
func (e *Engine) AddMember(ctx context.Context, groupID uuid.UUID, targetUserID, targetDeviceID uuid.UUID, candidate crypto.MLSKeyPackageData) (commit, welcome []byte, err error) {
	lock := e.lockFor(groupID.String())
	lock.Lock()
	defer lock.Unlock()

	state, meta, members, err := e.load(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if state.ActiveMemberCount() >= e.maxGroupSize {
		return nil, nil, apperr.New(apperr.FailedPrecondition, "group has reached its maximum size")
	}

	commit, welcome, err = state.AddMember(candidate)
	if err != nil {
		if err == crypto.ErrAlreadyMember {
			return nil, nil, apperr.New(apperr.Conflict, "member already in group")
		}
		return nil, nil, apperr.New(apperr.InvalidRequest, "key package verification failed")
	}

	meta.CurrentEpoch = state.Epoch
	meta.MemberCount = state.ActiveMemberCount()
	members = append(members, domain.GroupMember{GroupID: groupID, UserID: targetUserID, DeviceID: targetDeviceID, AddedAt: time.Now().Unix()})

	if err := e.persist(ctx, state, meta, members); err != nil {
		return nil, nil, err
	}
	return commit, welcome, nil
}

// RemoveMember removes the member matching (userID, deviceID), refusing
// when that would remove the group's sole owner (spec.md §4.3 "Removing
// the creator is permitted only when another owner exists").
func (e *Engine) RemoveMember(ctx context.Context, groupID uuid.UUID, userID, deviceID uuid.UUID) ([]byte, error) {
	lock := e.lockFor(groupID.String())
	lock.Lock()
	defer lock.Unlock()

	state, meta, members, err := e.load(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if userID == meta.CreatorID && e.countOwnerDevices(members, meta.CreatorID) <= 1 {
		return nil, apperr.New(apperr.FailedPrecondition, "cannot remove the group's sole owner")
	}

	commit, err := state.RemoveMember(Credential(userID, deviceID))
	if err != nil {
		if err == crypto.ErrNotAMember {
			return nil, apperr.New(apperr.NotFound, "member not found in group")
		}
		return nil, apperr.Wrap(apperr.InternalError, "remove member", err)
	}

	meta.CurrentEpoch = state.Epoch
	meta.MemberCount = state.ActiveMemberCount()

	remaining := members[:0]
	for _, m := range members {
		if m.UserID == userID && m.DeviceID == deviceID {
			continue
		}
		remaining = append(remaining, m)
	}

	if err := e.persist(ctx, state, meta, remaining); err != nil {
		return nil, err
	}
	return commit, nil
}

func (e *Engine) countOwnerDevices(members []domain.GroupMember, ownerID uuid.UUID) int {
	n := 0
	for _, m := range members {
		if m.UserID == ownerID {
			n++
		}
	}
	return n
}

// ProcessCommit applies an externally-authored commit, advancing local
// state to match. If the commit removes the local member (per credential),
// the caller is expected to treat the returned `left` flag as a terminal
// Left state and discard the session.
func (e *Engine) ProcessCommit(ctx context.Context, groupID uuid.UUID, localUserID, localDeviceID uuid.UUID, commitBytes []byte) (left bool, err error) {
	lock := e.lockFor(groupID.String())
	lock.Lock()
	defer lock.Unlock()

	state, meta, members, err := e.load(ctx, groupID)
	if err != nil {
		return false, err
	}

	if err := state.ApplyCommit(commitBytes); err != nil {
		return false, apperr.New(apperr.Protocol, "commit could not be applied: "+err.Error())
	}

	meta.CurrentEpoch = state.Epoch
	meta.MemberCount = state.ActiveMemberCount()

	left = !state.IsActiveMember(Credential(localUserID, localDeviceID))

	if err := e.persist(ctx, state, meta, members); err != nil {
		return false, err
	}
	return left, nil
}

// Encrypt seals plaintext at the group's current epoch.
func (e *Engine) Encrypt(ctx context.Context, groupID uuid.UUID, plaintext, associatedData []byte) (*crypto.MLSCiphertext, uint64, error) {
	lock := e.lockFor(groupID.String())
	lock.Lock()
	defer lock.Unlock()

	state, _, _, err := e.load(ctx, groupID)
	if err != nil {
		return nil, 0, err
	}
	ct, err := state.EncryptMLSMessage(plaintext, associatedData)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.InternalError, "mls encrypt", err)
	}
	return ct, state.Epoch, nil
}

// Decrypt opens msg against the group's current state. A mismatched epoch
// returns FailedPrecondition — the spec requires callers to defer rather
// than drop out-of-epoch ciphertexts, so the caller is expected to queue
// msg and retry once local state catches up.
func (e *Engine) Decrypt(ctx context.Context, groupID uuid.UUID, msg *crypto.MLSCiphertext, associatedData []byte) ([]byte, error) {
	state, _, _, err := e.loadReadOnly(ctx, groupID)
	if err != nil {
		return nil, err
	}
	pt, err := state.DecryptMLSMessage(msg, associatedData)
	if err != nil {
		if msg.Epoch != state.Epoch {
			return nil, apperr.New(apperr.FailedPrecondition, "receiver epoch behind ciphertext epoch, apply pending commits first")
		}
		return nil, apperr.Wrap(apperr.InternalError, "mls decrypt", err)
	}
	return pt, nil
}

// Metadata returns the group's metadata record.
func (e *Engine) Metadata(ctx context.Context, groupID uuid.UUID) (*domain.GroupMetadata, error) {
	_, meta, _, err := e.loadReadOnly(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// Members returns the group's member index.
func (e *Engine) Members(ctx context.Context, groupID uuid.UUID) ([]domain.GroupMember, error) {
	_, _, members, err := e.loadReadOnly(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (e *Engine) load(ctx context.Context, groupID uuid.UUID) (*crypto.MLSGroupState, domain.GroupMetadata, []domain.GroupMember, error) {
	return e.loadReadOnly(ctx, groupID)
}

func (e *Engine) loadReadOnly(ctx context.Context, groupID uuid.UUID) (*crypto.MLSGroupState, domain.GroupMetadata, []domain.GroupMember, error) {
	stateData, err := e.kv.Get(ctx, storage.MLSGroupStateKey(groupID.String()))
	if err == storage.ErrNotFound {
		return nil, domain.GroupMetadata{}, nil, apperr.New(apperr.NotFound, "group not found")
	}
	if err != nil {
		return nil, domain.GroupMetadata{}, nil, apperr.Wrap(apperr.InternalError, "load group state", err)
	}
	state, err := crypto.DeserializeMLSGroupState(stateData)
	if err != nil {
		return nil, domain.GroupMetadata{}, nil, apperr.Wrap(apperr.InternalError, "decode group state", err)
	}

	metaData, err := e.kv.Get(ctx, storage.MLSGroupMetadataKey(groupID.String()))
	if err != nil {
		return nil, domain.GroupMetadata{}, nil, apperr.Wrap(apperr.InternalError, "load group metadata", err)
	}
	var meta domain.GroupMetadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, domain.GroupMetadata{}, nil, apperr.Wrap(apperr.InternalError, "decode group metadata", err)
	}

	entries, err := e.kv.Scan(ctx, storage.MLSGroupMemberPrefix(groupID.String()), 0)
	if err != nil {
		return nil, domain.GroupMetadata{}, nil, apperr.Wrap(apperr.InternalError, "scan group members", err)
	}
	members := make([]domain.GroupMember, 0, len(entries))
	for _, entry := range entries {
		var m domain.GroupMember
		if err := json.Unmarshal(entry.Value, &m); err != nil {
			continue
		}
		members = append(members, m)
	}

	return state, meta, members, nil
}

// persist writes the state, metadata, and full member index in one logical
// step — spec.md §4.3 "all three are updated in the same logical step as a
// state advance". The member index is rewritten in full since membership
// changes are infrequent relative to encrypt/decrypt traffic.
func (e *Engine) persist(ctx context.Context, state *crypto.MLSGroupState, meta domain.GroupMetadata, members []domain.GroupMember) error {
	stateData, err := crypto.SerializeMLSGroupState(state)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "encode group state", err)
	}
	if err := e.kv.Put(ctx, storage.MLSGroupStateKey(meta.GroupID.String()), stateData); err != nil {
		return apperr.Wrap(apperr.InternalError, "persist group state", err)
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "encode group metadata", err)
	}
	if err := e.kv.Put(ctx, storage.MLSGroupMetadataKey(meta.GroupID.String()), metaData); err != nil {
		return apperr.Wrap(apperr.InternalError, "persist group metadata", err)
	}

	existing, err := e.kv.Scan(ctx, storage.MLSGroupMemberPrefix(meta.GroupID.String()), 0)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "scan existing group members", err)
	}
	for _, entry := range existing {
		if err := e.kv.Delete(ctx, entry.Key); err != nil {
			return apperr.Wrap(apperr.InternalError, "clear stale member index", err)
		}
	}
	for _, m := range members {
		data, err := json.Marshal(m)
		if err != nil {
			return apperr.Wrap(apperr.InternalError, "encode group member", err)
		}
		key := storage.MLSGroupMemberKey(meta.GroupID.String(), m.UserID.String(), m.DeviceID.String())
		if err := e.kv.Put(ctx, key, data); err != nil {
			return apperr.Wrap(apperr.InternalError, "persist group member", err)
		}
	}
	return nil
}
