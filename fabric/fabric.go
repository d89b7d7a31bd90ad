// Package fabric defines the change-notification fabric the queue and
// session layers coordinate over. The fabric is a wakeup signal and an
// atomic counter, never the data path: payloads carried on it are
// advisory and a consumer must always re-read its durable store after a
// wakeup.
package fabric

import (
	"context"
	"errors"
)

// ErrClosed is returned from operations on a connection or subscriber
// that has been closed.
var ErrClosed = errors.New("fabric: connection closed")

// Message is one notification delivered to a Subscriber.
type Message struct {
	// Topic the message was published on.
	Topic string
	// Pattern is the subscription pattern that matched, empty for a
	// plain topic subscription.
	Pattern string
	// Payload is the advisory body. May be empty.
	Payload string
}

// Conn is a shared write-side connection. Safe for concurrent use; a
// single Conn is reused by every publisher attached to one broker.
type Conn interface {
	// Publish sends payload on topic and returns the number of
	// subscribers that received it synchronously.
	Publish(ctx context.Context, topic string, payload string) (int64, error)

	// Incr atomically increments the named fleet-wide counter and
	// returns the new value. The first increment returns 1.
	Incr(ctx context.Context, key string) (int64, error)

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	Close() error
}

// Subscriber is a private read-side connection owned by exactly one
// consumer. Subscription changes on one Subscriber never affect
// another.
type Subscriber interface {
	// Subscribe adds plain topic subscriptions.
	Subscribe(ctx context.Context, topics ...string) error

	// PSubscribe adds pattern subscriptions ("*" wildcard).
	PSubscribe(ctx context.Context, patterns ...string) error

	// Unsubscribe removes plain topic subscriptions.
	Unsubscribe(ctx context.Context, topics ...string) error

	// PUnsubscribe removes pattern subscriptions.
	PUnsubscribe(ctx context.Context, patterns ...string) error

	// Messages returns the delivery channel. It is closed when the
	// Subscriber is closed.
	Messages() <-chan Message

	Close() error
}

// Fabric dials connections. Connect returns the shared write
// connection; NewSubscriber returns a fresh private read connection.
type Fabric interface {
	Connect(ctx context.Context) (Conn, error)
	NewSubscriber(ctx context.Context) (Subscriber, error)
	Close() error
}
