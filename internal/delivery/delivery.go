// Package delivery implements the Delivery Pipeline (spec.md §4.4): send,
// receive-stream (backlog replay + durable pull-consume), mark-as-read,
// delete, clear-chat, and group send, plus the conversation-view
// bookkeeping every send touches. It is crypto-backend agnostic per
// spec.md §9 "Polymorphism over crypto backends" — callers hand it
// already-sealed ciphertext and it never touches internal/pairwise or
// internal/group directly.
//
// Grounded on actuallydan-pollis/internal/services/message_service.go's
// send/list/mark-read/delete CRUD shape (adapted from sql.DB rows to the
// storage.MessageLog/storage.KV split this spec's §6.3 draws) and on
// original_source/backend/crates/messaging-service for the pending->sent
// backlog-replay-on-reconnect semantics nats.rs exposes as durable pull
// consumers.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/domain"
	"wireline/internal/pubsub"
	"wireline/internal/storage"
)

// Envelope is the wire payload published on a recipient's pub/sub topic
// and emitted by the receive-stream path.
type Envelope struct {
	MessageID       uuid.UUID          `json:"message_id"`
	ConversationID  uuid.UUID          `json:"conversation_id"`
	SenderUserID    uuid.UUID          `json:"sender_user_id"`
	SenderDeviceID  uuid.UUID          `json:"sender_device_id"`
	RecipientUserID uuid.UUID          `json:"recipient_user_id"`
	Ciphertext      []byte             `json:"ciphertext"`
	Type            domain.MessageType `json:"type"`
	ServerTimestamp int64              `json:"server_timestamp"`
}

// GroupEnvelope is the group-send analog, carrying the sender's epoch.
type GroupEnvelope struct {
	MessageID       uuid.UUID `json:"message_id"`
	GroupID         uuid.UUID `json:"group_id"`
	SenderUserID    uuid.UUID `json:"sender_user_id"`
	SenderDeviceID  uuid.UUID `json:"sender_device_id"`
	Ciphertext      []byte    `json:"ciphertext"`
	Epoch           uint64    `json:"epoch"`
	ServerTimestamp int64     `json:"server_timestamp"`
}

// SendResult is returned by Send/GroupSend.
type SendResult struct {
	MessageID       uuid.UUID
	ServerTimestamp int64
	Status          domain.DeliveryStatus
}

// Pipeline orchestrates durable append, delivery-state tracking,
// conversation-view bookkeeping, and pub/sub fan-out.
type Pipeline struct {
	kv       storage.KV
	messages storage.MessageLog
	groups   storage.GroupMessageLog
	ps       pubsub.PubSub
}

func NewPipeline(kv storage.KV, messages storage.MessageLog, groups storage.GroupMessageLog, ps pubsub.PubSub) *Pipeline {
	return &Pipeline{kv: kv, messages: messages, groups: groups, ps: ps}
}

// Send durably appends a pairwise message, records delivery state, updates
// both sides' conversation views, and best-effort publishes the envelope
// to the recipient's topic (spec.md §4.4 steps 1-8; publish failure never
// fails the RPC).
func (p *Pipeline) Send(ctx context.Context, senderUserID, senderDeviceID, recipientUserID uuid.UUID, ciphertext []byte, msgType domain.MessageType, clientTimestamp int64) (*SendResult, error) {
	conversationID := domain.ConversationID(senderUserID, recipientUserID)
	messageID := uuid.Must(uuid.NewV7())
	serverTimestamp := time.Now().UnixNano()

	logMsg := storage.LogMessage{
		ConversationID: conversationID, MessageID: messageID,
		SenderUserID: senderUserID, SenderDeviceID: senderDeviceID,
		RecipientUserID: recipientUserID, Ciphertext: ciphertext,
		Type: string(msgType), ServerTimestamp: serverTimestamp, ClientTimestamp: clientTimestamp,
	}
	if err := p.messages.AppendMessage(ctx, logMsg); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "append message", err)
	}

	if err := p.putDeliveryState(ctx, domain.DeliveryState{
		MessageID: messageID, RecipientID: recipientUserID,
		Status: domain.StatusPending, UpdatedAt: serverTimestamp,
	}); err != nil {
		return nil, err
	}

	p.bestEffortUpdateConversationViews(ctx, senderUserID, recipientUserID, conversationID, messageID, serverTimestamp)

	envelope := Envelope{
		MessageID: messageID, ConversationID: conversationID,
		SenderUserID: senderUserID, SenderDeviceID: senderDeviceID,
		RecipientUserID: recipientUserID, Ciphertext: ciphertext,
		Type: msgType, ServerTimestamp: serverTimestamp,
	}
	p.bestEffortPublish(ctx, pubsub.MessageSubject(recipientUserID.String(), messageID.String()), envelope)

	return &SendResult{MessageID: messageID, ServerTimestamp: serverTimestamp, Status: domain.StatusSent}, nil
}

// GroupSend is Send's group analog: durability into the group-messages
// store with the current epoch stamped, fan-out to every member but the
// sender.
func (p *Pipeline) GroupSend(ctx context.Context, groupID, senderUserID, senderDeviceID uuid.UUID, ciphertext []byte, epoch uint64, memberUserIDs []uuid.UUID) (*SendResult, error) {
	messageID := uuid.Must(uuid.NewV7())
	serverTimestamp := time.Now().UnixNano()

	logMsg := storage.LogGroupMessage{
		GroupID: groupID, MessageID: messageID,
		SenderUserID: senderUserID, SenderDeviceID: senderDeviceID,
		Ciphertext: ciphertext, Epoch: epoch, ServerTimestamp: serverTimestamp,
	}
	if err := p.groups.AppendGroupMessage(ctx, logMsg); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "append group message", err)
	}

	for _, memberID := range memberUserIDs {
		if memberID == senderUserID {
			continue
		}
		envelope := GroupEnvelope{
			MessageID: messageID, GroupID: groupID,
			SenderUserID: senderUserID, SenderDeviceID: senderDeviceID,
			Ciphertext: ciphertext, Epoch: epoch, ServerTimestamp: serverTimestamp,
		}
		p.bestEffortPublish(ctx, pubsub.GroupMessageSubject(memberID.String(), messageID.String()), envelope)
	}

	return &SendResult{MessageID: messageID, ServerTimestamp: serverTimestamp, Status: domain.StatusSent}, nil
}

// ReplayPending enumerates this recipient's pending delivery states,
// fetches the corresponding ciphertexts in conversationID in
// server-timestamp order, transitions each pending->sent as it's emitted, and
// returns the envelopes to stream to the caller — spec.md §4.4 "Receive
// stream" step (b).
func (p *Pipeline) ReplayPending(ctx context.Context, recipientUserID uuid.UUID, conversationID uuid.UUID) ([]Envelope, error) {
	pendingIDs, err := p.scanPendingMessageIDs(ctx, recipientUserID)
	if err != nil {
		return nil, err
	}
	if len(pendingIDs) == 0 {
		return nil, nil
	}

	var msgs []storage.LogMessage
	for _, id := range pendingIDs {
		m, err := p.messages.GetMessage(ctx, conversationID, id)
		if err == storage.ErrNotFound {
			continue // pending in another conversation
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.InternalError, "load message", err)
		}
		msgs = append(msgs, *m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ServerTimestamp < msgs[j].ServerTimestamp })

	var envelopes []Envelope
	for _, m := range msgs {
		if m.Deleted {
			continue
		}
		envelopes = append(envelopes, Envelope{
			MessageID: m.MessageID, ConversationID: m.ConversationID,
			SenderUserID: m.SenderUserID, SenderDeviceID: m.SenderDeviceID,
			RecipientUserID: m.RecipientUserID, Ciphertext: m.Ciphertext,
			Type: domain.MessageType(m.Type), ServerTimestamp: m.ServerTimestamp,
		})
		if err := p.transitionDeliveryState(ctx, m.MessageID, recipientUserID, domain.StatusPending, domain.StatusSent); err != nil {
			return envelopes, err
		}
	}
	return envelopes, nil
}

// CreateRecipientConsumer opens (or resumes) the durable pull consumer for
// a recipient's live topic.
func (p *Pipeline) CreateRecipientConsumer(ctx context.Context, recipientUserID uuid.UUID) (pubsub.Consumer, error) {
	consumer, err := p.ps.CreateDurableConsumer(ctx, pubsub.StreamMessages, recipientUserID.String(), pubsub.MessageSubjectFilter(recipientUserID.String()))
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "create durable consumer", err)
	}
	return consumer, nil
}

// AckAndMarkDelivered acknowledges a fetched pub/sub message and
// transitions its delivery state to delivered — spec.md §4.4 step (c). A
// state still pending (not yet replayed) passes through sent first.
func (p *Pipeline) AckAndMarkDelivered(ctx context.Context, msg pubsub.Message, recipientUserID uuid.UUID) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "decode envelope", err)
	}
	if err := msg.Ack(); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "ack message", err)
	}
	if err := p.transitionDeliveryState(ctx, env.MessageID, recipientUserID, domain.StatusPending, domain.StatusSent); err != nil {
		return &env, err
	}
	if err := p.transitionDeliveryState(ctx, env.MessageID, recipientUserID, domain.StatusSent, domain.StatusDelivered); err != nil {
		return &env, err
	}
	return &env, nil
}

// MarkRead transitions each of messageIDs delivered->read for
// recipientUserID and decrements the corresponding conversation view's
// unread counter, clamped at 0.
func (p *Pipeline) MarkRead(ctx context.Context, recipientUserID uuid.UUID, conversationID uuid.UUID, messageIDs []uuid.UUID) error {
	decremented := 0
	for _, msgID := range messageIDs {
		state, err := p.getDeliveryState(ctx, recipientUserID, msgID)
		if err != nil {
			continue
		}
		if state.Status != domain.StatusDelivered {
			continue
		}
		state.Status = domain.StatusRead
		state.UpdatedAt = time.Now().UnixNano()
		if err := p.putDeliveryState(ctx, *state); err != nil {
			return err
		}
		decremented++
	}
	if decremented > 0 {
		if err := p.adjustUnreadCount(ctx, recipientUserID, conversationID, -decremented); err != nil {
			return err
		}
	}
	return nil
}

// Delete soft-deletes one message: retrieval filters deleted records but
// the ciphertext is retained for audit (spec.md §4.4 "Delete").
func (p *Pipeline) Delete(ctx context.Context, conversationID, messageID uuid.UUID) error {
	if err := p.messages.MarkDeleted(ctx, conversationID, messageID); err != nil {
		return apperr.Wrap(apperr.InternalError, "mark message deleted", err)
	}
	return nil
}

// ClearChat soft-deletes every message under conversationID and returns
// the count purged.
func (p *Pipeline) ClearChat(ctx context.Context, conversationID uuid.UUID) (int, error) {
	count, err := p.messages.ClearConversation(ctx, conversationID)
	if err != nil {
		return 0, apperr.Wrap(apperr.InternalError, "clear conversation", err)
	}
	return count, nil
}

// ConversationView returns one owner's view of a conversation, or nil if
// it has never been touched by a send.
func (p *Pipeline) ConversationView(ctx context.Context, ownerUserID, conversationID uuid.UUID) (*domain.ConversationView, error) {
	data, err := p.kv.Get(ctx, storage.ConversationViewKey(ownerUserID.String(), conversationID.String()))
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "load conversation view", err)
	}
	var view domain.ConversationView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "decode conversation view", err)
	}
	return &view, nil
}

// ListConversationViews returns every conversation view owned by
// ownerUserID, for an inbox listing.
func (p *Pipeline) ListConversationViews(ctx context.Context, ownerUserID uuid.UUID) ([]domain.ConversationView, error) {
	entries, err := p.kv.Scan(ctx, storage.ConversationViewPrefix(ownerUserID.String()), 0)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "scan conversation views", err)
	}
	views := make([]domain.ConversationView, 0, len(entries))
	for _, e := range entries {
		var v domain.ConversationView
		if err := json.Unmarshal(e.Value, &v); err != nil {
			continue
		}
		views = append(views, v)
	}
	return views, nil
}

func (p *Pipeline) bestEffortUpdateConversationViews(ctx context.Context, senderUserID, recipientUserID, conversationID, messageID uuid.UUID, serverTimestamp int64) {
	if err := p.upsertConversationView(ctx, senderUserID, conversationID, messageID, serverTimestamp, 0); err != nil {
		log.Printf("delivery: update sender conversation view: %v", err)
		return // logged and ignored per spec.md §4.4
	}
	if err := p.upsertConversationView(ctx, recipientUserID, conversationID, messageID, serverTimestamp, 1); err != nil {
		log.Printf("delivery: update recipient conversation view: %v", err)
	}
}

func (p *Pipeline) upsertConversationView(ctx context.Context, ownerUserID, conversationID, lastMessageID uuid.UUID, serverTimestamp int64, unreadDelta int) error {
	key := storage.ConversationViewKey(ownerUserID.String(), conversationID.String())
	view := domain.ConversationView{OwnerUserID: ownerUserID, ConversationID: conversationID}
	if existing, err := p.kv.Get(ctx, key); err == nil {
		_ = json.Unmarshal(existing, &view)
	}
	if lastMessageID != uuid.Nil {
		view.LastMessageID = lastMessageID
		view.LastActivityAt = serverTimestamp
	}
	view.UnreadCount += unreadDelta
	if view.UnreadCount < 0 {
		view.UnreadCount = 0
	}
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal conversation view: %w", err)
	}
	return p.kv.Put(ctx, key, data)
}

func (p *Pipeline) adjustUnreadCount(ctx context.Context, ownerUserID, conversationID uuid.UUID, delta int) error {
	return p.upsertConversationView(ctx, ownerUserID, conversationID, uuid.Nil, 0, delta)
}

func (p *Pipeline) putDeliveryState(ctx context.Context, state domain.DeliveryState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "encode delivery state", err)
	}
	if err := p.kv.Put(ctx, storage.DeliveryKey(state.RecipientID.String(), state.MessageID.String()), data); err != nil {
		return apperr.Wrap(apperr.InternalError, "persist delivery state", err)
	}
	return nil
}

func (p *Pipeline) getDeliveryState(ctx context.Context, recipientID, messageID uuid.UUID) (*domain.DeliveryState, error) {
	data, err := p.kv.Get(ctx, storage.DeliveryKey(recipientID.String(), messageID.String()))
	if err == storage.ErrNotFound {
		return nil, apperr.New(apperr.NotFound, "delivery state not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "load delivery state", err)
	}
	var state domain.DeliveryState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "decode delivery state", err)
	}
	return &state, nil
}

func (p *Pipeline) transitionDeliveryState(ctx context.Context, messageID, recipientID uuid.UUID, from, to domain.DeliveryStatus) error {
	state, err := p.getDeliveryState(ctx, recipientID, messageID)
	if err != nil {
		return err
	}
	if state.Status != from {
		return nil // already advanced past this transition, idempotent no-op
	}
	state.Status = to
	state.UpdatedAt = time.Now().UnixNano()
	return p.putDeliveryState(ctx, *state)
}

func (p *Pipeline) scanPendingMessageIDs(ctx context.Context, recipientUserID uuid.UUID) ([]uuid.UUID, error) {
	entries, err := p.kv.Scan(ctx, storage.DeliveryPrefix(recipientUserID.String()), 0)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "scan delivery states", err)
	}
	var ids []uuid.UUID
	for _, e := range entries {
		var state domain.DeliveryState
		if err := json.Unmarshal(e.Value, &state); err != nil {
			continue
		}
		if state.Status == domain.StatusPending {
			ids = append(ids, state.MessageID)
		}
	}
	return ids, nil
}

func (p *Pipeline) bestEffortPublish(ctx context.Context, subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = p.ps.Publish(ctx, subject, data) // publish failures never fail the RPC, per spec.md §4.4
}
