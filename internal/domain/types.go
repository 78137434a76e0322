// Package domain holds the data model shared by every component: users,
// devices, key material records, and the delivery-facing message and
// conversation views described in spec.md §3.
package domain

import "github.com/google/uuid"

// DeviceType tags the kind of client a Device represents.
type DeviceType string

const (
	DeviceMobileA DeviceType = "mobile-a"
	DeviceMobileB DeviceType = "mobile-b"
	DeviceWeb     DeviceType = "web"
	DeviceDesktop DeviceType = "desktop"
)

// User is a registered account, identified by a stable UUID.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash []byte    `json:"-"`
	PasswordSalt []byte    `json:"-"`
	CreatedAt    int64     `json:"created_at"`
	LastSeenAt   int64     `json:"last_seen_at"`
}

// Device is a per-user endpoint holding independent cryptographic material.
type Device struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Type        DeviceType `json:"type"`
	CreatedAt   int64      `json:"created_at"`
	LastSeenAt  int64      `json:"last_seen_at"`
}

// IdentityKey is the long-term Ed25519 signing key registered for a device.
type IdentityKey struct {
	UserID    uuid.UUID `json:"user_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	PublicKey []byte    `json:"public_key"` // 32-byte Ed25519 public key
}

// SignedPreKey is the medium-lived X25519 pre-key, rotated on a cadence.
type SignedPreKey struct {
	UserID    uuid.UUID `json:"user_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	PublicKey []byte    `json:"public_key"` // 32-byte X25519 public key
	Signature []byte    `json:"signature"`  // Ed25519 signature over PublicKey
	CreatedAt int64     `json:"created_at"`
}

// OneTimePreKey is consumed exactly once during an initial X3DH bootstrap.
type OneTimePreKey struct {
	UserID    uuid.UUID `json:"user_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	KeyID     uint32    `json:"key_id"`
	PublicKey []byte    `json:"public_key"`
	Consumed  bool      `json:"consumed"`
}

// KeyPackage is the single-use MLS membership record used to add a device to
// a group (spec.md §3 invariants: single-use, refused after consumption).
type KeyPackage struct {
	UserID    uuid.UUID `json:"user_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	HashRef   string    `json:"hash_ref"` // stable hash-reference, the consume key
	Data      []byte    `json:"data"`     // opaque serialized key package
	ExpiresAt int64     `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
	CreatedAt int64     `json:"created_at"`
}

// PreKeyBundle is what get-key-bundle returns to an X3DH initiator.
type PreKeyBundle struct {
	IdentityKey     []byte  `json:"identity_key"`
	SignedPreKey    []byte  `json:"signed_pre_key"`
	SignedPreKeySig []byte  `json:"signed_pre_key_sig"`
	OneTimePreKey   []byte  `json:"one_time_pre_key,omitempty"`
	OneTimeKeyID    *uint32 `json:"one_time_key_id,omitempty"`
}

// DeliveryStatus is the per-(message, recipient) state from spec.md §4.4.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// MessageType tags the payload shape of a stored message's ciphertext.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageMedia MessageType = "media"
	MessageSync  MessageType = "sync"
)

// StoredMessage is a durable pairwise message keyed by (conversation, id).
type StoredMessage struct {
	ConversationID   uuid.UUID   `json:"conversation_id"`
	MessageID        uuid.UUID   `json:"message_id"`
	SenderUserID     uuid.UUID   `json:"sender_user_id"`
	SenderDeviceID   uuid.UUID   `json:"sender_device_id"`
	RecipientUserID  uuid.UUID   `json:"recipient_user_id"`
	RecipientDevice  *uuid.UUID  `json:"recipient_device_id,omitempty"`
	Ciphertext       []byte      `json:"ciphertext"`
	Type             MessageType `json:"type"`
	ServerTimestamp  int64       `json:"server_timestamp"`
	ClientTimestamp  int64       `json:"client_timestamp"`
	Deleted          bool        `json:"deleted"`
}

// StoredGroupMessage is a durable group message keyed by (group, id).
type StoredGroupMessage struct {
	GroupID         uuid.UUID   `json:"group_id"`
	MessageID       uuid.UUID   `json:"message_id"`
	SenderUserID    uuid.UUID   `json:"sender_user_id"`
	SenderDeviceID  uuid.UUID   `json:"sender_device_id"`
	Ciphertext      []byte      `json:"ciphertext"`
	Epoch           uint64      `json:"epoch"`
	ServerTimestamp int64       `json:"server_timestamp"`
	Deleted         bool        `json:"deleted"`
}

// DeliveryState is the per-(message, recipient) state machine row.
type DeliveryState struct {
	MessageID   uuid.UUID      `json:"message_id"`
	RecipientID uuid.UUID      `json:"recipient_id"`
	Status      DeliveryStatus `json:"status"`
	UpdatedAt   int64          `json:"updated_at"`
}

// ConversationView is the per-(user, counterparty-or-group) inbox summary.
type ConversationView struct {
	OwnerUserID     uuid.UUID `json:"owner_user_id"`
	ConversationID  uuid.UUID `json:"conversation_id"`
	IsGroup         bool      `json:"is_group"`
	LastMessageID   uuid.UUID `json:"last_message_id"`
	LastPreview     string    `json:"last_preview"`
	LastActivityAt  int64     `json:"last_activity_at"`
	UnreadCount     int       `json:"unread_count"`
}

// GroupMetadata is the per-group record persisted alongside the opaque MLS
// state blob (spec.md §4.3 "Persistence").
type GroupMetadata struct {
	GroupID      uuid.UUID `json:"group_id"`
	CreatorID    uuid.UUID `json:"creator_id"`
	CreatedAt    int64     `json:"created_at"`
	CurrentEpoch uint64    `json:"current_epoch"`
	MemberCount  int       `json:"member_count"`
}

// GroupMember is a per-member index entry for a group.
type GroupMember struct {
	GroupID  uuid.UUID `json:"group_id"`
	UserID   uuid.UUID `json:"user_id"`
	DeviceID uuid.UUID `json:"device_id"`
	AddedAt  int64     `json:"added_at"`
}

// PresenceStatus enumerates the ordinal presence values from spec.md §4.5.
type PresenceStatus int

const (
	PresenceOffline     PresenceStatus = 0
	PresenceOnline      PresenceStatus = 1
	PresenceAway        PresenceStatus = 2
	PresenceDoNotDisturb PresenceStatus = 3
	PresenceInvisible   PresenceStatus = 4
)

// Presence is the ephemeral per-user status record.
type Presence struct {
	UserID        uuid.UUID      `json:"user_id"`
	Status        PresenceStatus `json:"status"`
	CustomText    string         `json:"custom_text,omitempty"`
	LastSeenMilli int64          `json:"last_seen_ms"`
}

// TypingIndicator is the ephemeral (from, to) typing record with a bounded
// read-side TTL (spec.md §4.5).
type TypingIndicator struct {
	FromUserID uuid.UUID `json:"from_user_id"`
	ToUserID   uuid.UUID `json:"to_user_id"`
	StartedAt  int64     `json:"started_at_ms"`
}
