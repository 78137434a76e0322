// Package pubsub defines the minimal publish/durable-consume abstraction
// spec.md §6.4 names for delivery fan-out: a `MESSAGES` stream with subject
// pattern `messages.>`, plus presence and typing streams. Grounded on
// original_source's nats.rs (the Rust backend this spec was distilled
// from) and on the other_examples/manifests WAN-Ninjas-AmityVox go.mod,
// the only pack source that carries github.com/nats-io/nats.go.
package pubsub

import "context"

// Message is one fetched payload plus the handle needed to acknowledge it.
type Message struct {
	Subject string
	Payload []byte
	Ack     func() error
}

// PubSub is the narrow interface the delivery and presence components
// consume: publish, create a durable pull consumer, fetch a bounded batch.
type PubSub interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	CreateDurableConsumer(ctx context.Context, streamName, consumerName, subjectFilter string) (Consumer, error)
}

// Consumer is a durable pull consumer bound to one subject filter.
type Consumer interface {
	// Fetch returns up to batch available messages; it may return none.
	Fetch(ctx context.Context, batch int) ([]Message, error)
	// Close releases local resources without deleting the durable
	// consumer server-side, so a reconnect resumes from the same point
	// (spec.md §4.4 "Disconnect: the consumer is retained").
	Close() error
}

// Stream names and subject templates from spec.md §6.4.
const (
	StreamMessages    = "MESSAGES"
	SubjectMessagesAll = "messages.>"

	StreamPresence        = "PRESENCE"
	SubjectPresenceUpdates = "presence.updates.*"

	SubjectTypingPattern = "presence.typing.%s.%s" // to, from
)

// MessageSubject is the per-recipient, per-message subject under the
// MESSAGES stream.
func MessageSubject(recipientUserID, messageID string) string {
	return "messages." + recipientUserID + "." + messageID
}

// MessageSubjectFilter is the wildcard subject filter a recipient's durable
// consumer subscribes with.
func MessageSubjectFilter(recipientUserID string) string {
	return "messages." + recipientUserID + ".*"
}

// GroupMessageSubject is the per-member, per-message subject under the
// MESSAGES stream used for group fan-out.
func GroupMessageSubject(memberUserID, messageID string) string {
	return "messages." + memberUserID + "." + messageID
}

// PresenceSubject is the subject a presence update for userID publishes on.
func PresenceSubject(userID string) string {
	return "presence.updates." + userID
}

// TypingSubject is the subject a typing indicator from `from` to `to`
// publishes on.
func TypingSubject(to, from string) string {
	return "presence.typing." + to + "." + from
}
