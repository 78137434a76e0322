// Package mempubsub is an in-memory pubsub.PubSub used by unit tests: a
// shared message log with durable consumers modeled as independent
// cursors, so a consumer created before a publish still sees it (pull
// semantics, not fire-and-forget broadcast).
package mempubsub

import (
	"context"
	"strings"
	"sync"

	"wireline/internal/pubsub"
)

type storedMessage struct {
	subject string
	payload []byte
}

// Broker implements pubsub.PubSub over an in-memory message log.
type Broker struct {
	mu        sync.Mutex
	messages  []storedMessage
	consumers map[string]*memConsumer
}

func New() *Broker {
	return &Broker{consumers: make(map[string]*memConsumer)}
}

func (b *Broker) Publish(_ context.Context, subject string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, storedMessage{subject: subject, payload: payload})
	return nil
}

func (b *Broker) CreateDurableConsumer(_ context.Context, streamName, consumerName, subjectFilter string) (pubsub.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := streamName + "/" + consumerName
	if c, ok := b.consumers[key]; ok {
		return c, nil
	}
	c := &memConsumer{broker: b, filter: subjectFilter}
	b.consumers[key] = c
	return c, nil
}

type memConsumer struct {
	broker *Broker
	filter string
	cursor int
}

func (c *memConsumer) Fetch(_ context.Context, batch int) ([]pubsub.Message, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	var out []pubsub.Message
	for c.cursor < len(c.broker.messages) && len(out) < batch {
		msg := c.broker.messages[c.cursor]
		c.cursor++
		if !subjectMatches(c.filter, msg.subject) {
			continue
		}
		out = append(out, pubsub.Message{
			Subject: msg.subject,
			Payload: msg.payload,
			Ack:     func() error { return nil },
		})
	}
	return out, nil
}

func (c *memConsumer) Close() error { return nil }

// subjectMatches implements the small subset of NATS subject wildcard
// matching this package needs: '*' matches exactly one token, '>' matches
// one-or-more trailing tokens.
func subjectMatches(filter, subject string) bool {
	fTok := strings.Split(filter, ".")
	sTok := strings.Split(subject, ".")
	for i, f := range fTok {
		if f == ">" {
			return i < len(sTok)
		}
		if i >= len(sTok) {
			return false
		}
		if f == "*" {
			continue
		}
		if f != sTok[i] {
			return false
		}
	}
	return len(fTok) == len(sTok)
}
