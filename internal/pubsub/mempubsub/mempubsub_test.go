package mempubsub

import (
	"context"
	"testing"

	"wireline/internal/pubsub"
)

func TestBroker_PublishThenFetch(t *testing.T) {
	ctx := context.Background()
	b := New()

	consumer, err := b.CreateDurableConsumer(ctx, pubsub.StreamMessages, "user-1", pubsub.MessageSubjectFilter("user-1"))
	if err != nil {
		t.Fatalf("CreateDurableConsumer: %v", err)
	}

	if err := b.Publish(ctx, pubsub.MessageSubject("user-1", "msg-a"), []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, pubsub.MessageSubject("user-2", "msg-b"), []byte("ignored")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs, err := consumer.Fetch(ctx, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (subject filter should exclude user-2)", len(msgs))
	}
	if string(msgs[0].Payload) != "hello" {
		t.Fatalf("got payload %q, want %q", msgs[0].Payload, "hello")
	}
	if err := msgs[0].Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestBroker_ConsumerRetainsCursorAcrossFetches(t *testing.T) {
	ctx := context.Background()
	b := New()
	consumer, err := b.CreateDurableConsumer(ctx, pubsub.StreamMessages, "user-1", pubsub.MessageSubjectFilter("user-1"))
	if err != nil {
		t.Fatalf("CreateDurableConsumer: %v", err)
	}

	_ = b.Publish(ctx, pubsub.MessageSubject("user-1", "m1"), []byte("1"))
	first, err := consumer.Fetch(ctx, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d, want 1", len(first))
	}

	_ = b.Publish(ctx, pubsub.MessageSubject("user-1", "m2"), []byte("2"))
	second, err := consumer.Fetch(ctx, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(second) != 1 || string(second[0].Payload) != "2" {
		t.Fatalf("expected only the newly published message, got %v", second)
	}
}
