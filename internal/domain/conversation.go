package domain

import (
	"bytes"

	"github.com/google/uuid"
)

// conversationNamespace is the fixed namespace UUID used to derive
// deterministic, ordering-invariant conversation ids (spec.md §3).
var conversationNamespace = uuid.MustParse("6e9a6c3e-6f2a-4f7f-9f2b-5a7c9e6d9b10")

// ConversationID returns the deterministic UUIDv5 of the sorted pair
// (a, b), so ConversationID(a, b) == ConversationID(b, a).
func ConversationID(a, b uuid.UUID) uuid.UUID {
	lo, hi := a, b
	if bytes.Compare(lo[:], hi[:]) > 0 {
		lo, hi = hi, lo
	}
	name := append(append([]byte{}, lo[:]...), hi[:]...)
	return uuid.NewSHA1(conversationNamespace, name)
}

// CanonicalPair is the sorted (userA, devA, userB, devB) tuple that keys a
// pairwise ratchet session (spec.md GLOSSARY "Canonical pair").
type CanonicalPair struct {
	UserA   uuid.UUID
	DeviceA uuid.UUID
	UserB   uuid.UUID
	DeviceB uuid.UUID
}

// NewCanonicalPair sorts the two (user, device) endpoints so both directions
// of a conversation resolve to the same session key.
func NewCanonicalPair(user1, device1, user2, device2 uuid.UUID) CanonicalPair {
	left := append(append([]byte{}, user1[:]...), device1[:]...)
	right := append(append([]byte{}, user2[:]...), device2[:]...)
	if bytes.Compare(left, right) <= 0 {
		return CanonicalPair{UserA: user1, DeviceA: device1, UserB: user2, DeviceB: device2}
	}
	return CanonicalPair{UserA: user2, DeviceA: device2, UserB: user1, DeviceB: device1}
}

// Key renders the canonical pair as the KV key suffix from spec.md §6.3's
// `/ratchet/{canonical-pair}` path.
func (p CanonicalPair) Key() string {
	return p.UserA.String() + ":" + p.DeviceA.String() + "/" + p.UserB.String() + ":" + p.DeviceB.String()
}
