package storage

import (
	"context"

	"github.com/google/uuid"
)

// MessageLog is the wide-column log abstraction over the `messages` table
// from spec.md §6.3: primary key (conversation_id, message_id), clustering
// order message_id DESC, soft-delete via a deleted flag.
type MessageLog interface {
	AppendMessage(ctx context.Context, msg LogMessage) error
	GetMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*LogMessage, error)
	// ListMessages returns up to limit messages for conversationID, newest
	// first, starting strictly before beforeMessageID when non-nil.
	ListMessages(ctx context.Context, conversationID uuid.UUID, beforeMessageID *uuid.UUID, limit int) ([]LogMessage, error)
	MarkDeleted(ctx context.Context, conversationID, messageID uuid.UUID) error
	// ClearConversation soft-deletes every message in conversationID and
	// returns the count affected.
	ClearConversation(ctx context.Context, conversationID uuid.UUID) (int, error)
}

// LogMessage is one row of the `messages` table.
type LogMessage struct {
	ConversationID  uuid.UUID
	MessageID       uuid.UUID
	SenderUserID    uuid.UUID
	SenderDeviceID  uuid.UUID
	RecipientUserID uuid.UUID
	Ciphertext      []byte
	Type            string
	ServerTimestamp int64
	ClientTimestamp int64
	Deleted         bool
}

// GroupMessageLog is the `group_messages` table analog: identical shape,
// keyed by (group_id, message_id), with the sender's epoch stamped.
type GroupMessageLog interface {
	AppendGroupMessage(ctx context.Context, msg LogGroupMessage) error
	GetGroupMessage(ctx context.Context, groupID, messageID uuid.UUID) (*LogGroupMessage, error)
	ListGroupMessages(ctx context.Context, groupID uuid.UUID, beforeMessageID *uuid.UUID, limit int) ([]LogGroupMessage, error)
	MarkGroupDeleted(ctx context.Context, groupID, messageID uuid.UUID) error
}

// LogGroupMessage is one row of the `group_messages` table.
type LogGroupMessage struct {
	GroupID         uuid.UUID
	MessageID       uuid.UUID
	SenderUserID    uuid.UUID
	SenderDeviceID  uuid.UUID
	Ciphertext      []byte
	Epoch           uint64
	ServerTimestamp int64
	Deleted         bool
}
