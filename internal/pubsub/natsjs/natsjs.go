// Package natsjs adapts github.com/nats-io/nats.go's JetStream API to the
// pubsub.PubSub interface, grounded on original_source's
// messaging-service/src/nats.rs (stream config, consumer naming, fetch-then-
// ack loop) translated from async-nats to nats.go.
package natsjs

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"wireline/internal/pubsub"
)

const messagesRetention = 7 * 24 * time.Hour

// Client wraps a NATS connection plus its JetStream context, owning the
// MESSAGES stream's lifecycle.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// Connect dials natsURL and ensures the MESSAGES stream exists.
func Connect(ctx context.Context, natsURL string) (*Client, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("natsjs: connect: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsjs: jetstream: %w", err)
	}

	c := &Client{conn: conn, js: js}
	if _, err := c.ensureStream(ctx, pubsub.StreamMessages, []string{pubsub.SubjectMessagesAll}, messagesRetention); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureStream(ctx context.Context, name string, subjects []string, maxAge time.Duration) (jetstream.Stream, error) {
	stream, err := c.js.Stream(ctx, name)
	if err == nil {
		return stream, nil
	}
	return c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: subjects,
		MaxAge:   maxAge,
	})
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) Publish(ctx context.Context, subject string, payload []byte) error {
	if _, err := c.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("natsjs: publish %s: %w", subject, err)
	}
	return nil
}

func (c *Client) CreateDurableConsumer(ctx context.Context, streamName, consumerName, subjectFilter string) (pubsub.Consumer, error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("natsjs: stream %s: %w", streamName, err)
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subjectFilter,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("natsjs: create consumer %s: %w", consumerName, err)
	}
	return &consumer{cons: cons}, nil
}

type consumer struct {
	cons jetstream.Consumer
}

func (c *consumer) Fetch(ctx context.Context, batch int) ([]pubsub.Message, error) {
	msgs, err := c.cons.Fetch(batch, jetstream.FetchMaxWait(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("natsjs: fetch: %w", err)
	}

	var out []pubsub.Message
	for msg := range msgs.Messages() {
		m := msg
		out = append(out, pubsub.Message{
			Subject: m.Subject(),
			Payload: m.Data(),
			Ack:     m.Ack,
		})
	}
	if err := msgs.Error(); err != nil {
		return out, fmt.Errorf("natsjs: fetch iteration: %w", err)
	}
	return out, nil
}

func (c *consumer) Close() error {
	return nil
}
