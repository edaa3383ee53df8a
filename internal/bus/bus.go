// Package bus carries work commands to workers and results and heartbeats
// back, over an in-process fabric for tests and NATS in deployment.
package bus

import "context"

// Topic names shared by the engine and every worker.
const (
	TopicCommands     = "commands"
	TopicResults      = "results"
	TopicWorkerStatus = "worker-status"
)

// Handler consumes one raw message. Decoding and validation happen in the
// handler so malformed traffic is rejected at the boundary.
type Handler func(ctx context.Context, data []byte)

// Subscription is a live topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the messaging fabric between the engine and workers.
type Bus interface {
	// Publish sends a message to every subscriber of the topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe delivers every message on the topic to fn.
	Subscribe(topic string, fn Handler) (Subscription, error)

	// QueueSubscribe delivers each message on the topic to one member of the
	// named queue group, so instances sharing a group split the stream.
	QueueSubscribe(topic, queue string, fn Handler) (Subscription, error)

	// Close drains in-flight deliveries and releases the connection.
	Close(ctx context.Context) error
}
