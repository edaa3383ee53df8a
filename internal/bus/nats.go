package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus is the production Bus backed by a NATS connection. Queue groups
// map directly onto NATS queue subscriptions, so running several engine
// instances with the same group splits the results stream between them.
type NATSBus struct {
	conn *nats.Conn
}

// NATSOptions configures the NATS connection.
type NATSOptions struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// NewNATSBus connects to NATS. Reconnection is left to the client library;
// in-flight subscriptions survive reconnects.
func NewNATSBus(opts NATSOptions) (*NATSBus, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Name == "" {
		opts.Name = "maestro"
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1
	}

	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", opts.URL, err)
	}
	return &NATSBus{conn: conn}, nil
}

// Publish sends a message on the topic.
func (b *NATSBus) Publish(_ context.Context, topic string, data []byte) error {
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// HealthCheck reports whether the connection is currently up.
func (b *NATSBus) HealthCheck(_ context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats connection is %s", b.conn.Status())
	}
	return nil
}

// Subscribe delivers every message on the topic to fn.
func (b *NATSBus) Subscribe(topic string, fn Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		fn(context.Background(), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return sub, nil
}

// QueueSubscribe delivers each message on the topic to one member of the
// queue group.
func (b *NATSBus) QueueSubscribe(topic, queue string, fn Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(topic, queue, func(msg *nats.Msg) {
		fn(context.Background(), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s (queue %s): %w", topic, queue, err)
	}
	return sub, nil
}

// Close drains the connection: subscriptions finish their in-flight messages
// before the connection drops.
func (b *NATSBus) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- b.conn.Drain() }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		b.conn.Close()
		return ctx.Err()
	}

	deadline := time.After(5 * time.Second)
	for !b.conn.IsClosed() {
		select {
		case <-ctx.Done():
			b.conn.Close()
			return ctx.Err()
		case <-deadline:
			b.conn.Close()
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}
