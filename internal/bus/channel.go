package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish on a closed channel.
var ErrClosed = errors.New("channel closed")

// Channel is a fire-and-forget publish/subscribe endpoint of one instance.
// A channel never delivers an instance's own messages back to it.
type Channel interface {
	// Publish sends e to every other member. It does not wait for delivery.
	Publish(ctx context.Context, e Envelope) error

	// Messages returns the stream of envelopes from other members. It is
	// closed by Close.
	Messages() <-chan Envelope

	// Close leaves the channel.
	Close() error
}
