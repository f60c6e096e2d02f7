// Package bus provides the publish/subscribe transports the transfer protocol
// runs on.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Message is one inbound payload and the topic it arrived on.
type Message struct {
	Topic   string
	Payload []byte
}

// Transport is the pub/sub contract the protocol needs. Publish is
// fire-and-forget with at-least-once delivery; Subscribe returns a stream that
// lives until ctx is cancelled or the transport is closed. Delivery into the
// stream never blocks the transport.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	Close() error
}
