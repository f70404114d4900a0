// Package broker defines the narrow connection surface the messaging
// core consumes, plus two bindings: Redis (streams for queues, pub/sub
// for channels) and an in-process one for tests and embedding.
package broker

import (
	"context"
	"errors"
)

// Kind selects the delivery semantics of a declared destination.
type Kind int

const (
	// Queue destinations compete consumers over durable, acknowledged
	// messages.
	Queue Kind = iota
	// Channel destinations fan out to every current subscriber and
	// drop when nobody listens.
	Channel
)

var (
	// ErrConnClosed is terminal: the connection is gone and this core
	// does not retry. Consume streams end by closing their channel.
	ErrConnClosed = errors.New("broker: connection closed")

	// ErrUnknownDestination reports a Consume on a name that was never
	// declared.
	ErrUnknownDestination = errors.New("broker: destination not declared")
)

// Headers are transport-level metadata, carried outside the payload.
type Headers struct {
	CorrelationID string
	ReplyTo       string
	Encrypted     bool
}

// Delivery is one inbound message. Ack confirms it to the broker;
// channel deliveries ack as a no-op.
type Delivery struct {
	Body    []byte
	Headers Headers
	Ack     func() error
}

// Conn is an already-connected broker. Connection establishment,
// retries and TLS are the caller's concern.
//
// Publishing to an undeclared destination is treated as a channel
// publish, so replying to another process's reply channel needs no
// local declaration.
type Conn interface {
	Declare(ctx context.Context, name string, kind Kind) error
	Publish(ctx context.Context, dest string, body []byte, h Headers) error
	Consume(ctx context.Context, source string) (<-chan Delivery, error)
	Close() error
}
