// Package messaging provides abstractions for message broker communication.
// The incidents service publishes lifecycle events and consumes classified
// batches and scheduler triggers through these interfaces without being
// coupled to a specific broker implementation.
package messaging

import (
	"context"
	"time"
)

// HeaderRequestID carries a correlation id across the bus.
const HeaderRequestID = "X-Request-ID"

// Message represents a message received from or sent to a message broker.
type Message struct {
	// Subject is the topic/channel the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Reply is an optional subject for request/reply patterns.
	Reply string

	// Metadata contains optional key-value pairs for message headers.
	Metadata map[string]string

	// Timestamp is when the message was received.
	Timestamp time.Time
}

// MessageHandler processes a received message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription to a subject.
type Subscription interface {
	Unsubscribe() error
	Subject() string
	IsValid() bool
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a fire-and-forget message.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishMsg sends a Message with headers.
	PublishMsg(ctx context.Context, msg *Message) error

	// Request sends a message and waits up to timeout for a response.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*Message, error)

	Close() error
}

// Subscriber subscribes to messages on subjects.
type Subscriber interface {
	// Subscribe fans out every message to the handler.
	Subscribe(subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe load-balances messages across the queue group.
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)

	Close() error
}

// Client combines Publisher and Subscriber.
type Client interface {
	Publisher
	Subscriber

	// Drain lets in-flight messages complete before closing.
	Drain() error

	IsConnected() bool
}
