// Package memlog is an in-memory storage.MessageLog/GroupMessageLog used by
// unit tests, mirroring pgxlog's clustering semantics (message_id DESC)
// without a database dependency.
package memlog

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"wireline/internal/storage"
)

// Store implements both wide-column log interfaces over in-memory slices.
type Store struct {
	mu       sync.Mutex
	messages map[uuid.UUID][]storage.LogMessage
	groups   map[uuid.UUID][]storage.LogGroupMessage
}

func New() *Store {
	return &Store{
		messages: make(map[uuid.UUID][]storage.LogMessage),
		groups:   make(map[uuid.UUID][]storage.LogGroupMessage),
	}
}

func (s *Store) AppendMessage(_ context.Context, msg storage.LogMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *Store) GetMessage(_ context.Context, conversationID, messageID uuid.UUID) (*storage.LogMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[conversationID] {
		if m.MessageID == messageID {
			cp := m
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListMessages(_ context.Context, conversationID uuid.UUID, beforeMessageID *uuid.UUID, limit int) ([]storage.LogMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := append([]storage.LogMessage(nil), s.messages[conversationID]...)
	sort.Slice(all, func(i, j int) bool {
		return bytesGreater(all[i].MessageID, all[j].MessageID)
	})

	var out []storage.LogMessage
	for _, m := range all {
		if m.Deleted {
			continue
		}
		if beforeMessageID != nil && !bytesGreater(*beforeMessageID, m.MessageID) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkDeleted(_ context.Context, conversationID, messageID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages[conversationID] {
		if m.MessageID == messageID {
			s.messages[conversationID][i].Deleted = true
		}
	}
	return nil
}

func (s *Store) ClearConversation(_ context.Context, conversationID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	rows := s.messages[conversationID]
	for i := range rows {
		if !rows[i].Deleted {
			rows[i].Deleted = true
			count++
		}
	}
	return count, nil
}

func (s *Store) AppendGroupMessage(_ context.Context, msg storage.LogGroupMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[msg.GroupID] = append(s.groups[msg.GroupID], msg)
	return nil
}

func (s *Store) GetGroupMessage(_ context.Context, groupID, messageID uuid.UUID) (*storage.LogGroupMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.groups[groupID] {
		if m.MessageID == messageID {
			cp := m
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListGroupMessages(_ context.Context, groupID uuid.UUID, beforeMessageID *uuid.UUID, limit int) ([]storage.LogGroupMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := append([]storage.LogGroupMessage(nil), s.groups[groupID]...)
	sort.Slice(all, func(i, j int) bool {
		return bytesGreater(all[i].MessageID, all[j].MessageID)
	})

	var out []storage.LogGroupMessage
	for _, m := range all {
		if m.Deleted {
			continue
		}
		if beforeMessageID != nil && !bytesGreater(*beforeMessageID, m.MessageID) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkGroupDeleted(_ context.Context, groupID, messageID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.groups[groupID] {
		if m.MessageID == messageID {
			s.groups[groupID][i].Deleted = true
		}
	}
	return nil
}

// bytesGreater reports whether a sorts after b under the message_id DESC
// clustering order (UUIDs compared byte-wise).
func bytesGreater(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}
