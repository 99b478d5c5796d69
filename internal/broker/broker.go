package broker

import (
	"context"
	"errors"
)

// Errors
var (
	ErrBroker = errors.New("broker error")
	ErrClosed = errors.New("subscription closed")

	// ErrRejected marks a publish refused for the message itself, such as
	// its size or channel name. The backend is still healthy.
	ErrRejected = errors.New("message rejected")
)

// ChannelPrefix prefixes every per-instance channel.
const ChannelPrefix = "workers:"

// Channel returns the channel an instance's worker subscribes to.
func Channel(instance string) string {
	return ChannelPrefix + instance
}

// Broker is a publish/subscribe transport with one channel per instance.
// Delivery is best effort: a message published while nobody is subscribed
// is lost.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is a live subscription to one channel.
type Subscription interface {
	// Messages returns the inbound payloads. The channel is closed when the
	// subscription ends, either through Close or a backend failure.
	Messages() <-chan []byte

	// Err returns why the subscription ended: nil after Close, an error
	// wrapping ErrBroker after a backend failure.
	Err() error

	// Close ends the subscription. Safe to call more than once.
	Close() error
}
