package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// redisClient is the subset of go-redis the broker needs.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisBroker is a Broker on Redis PUBLISH/SUBSCRIBE.
type RedisBroker struct {
	client redisClient
	logger *slog.Logger
}

// NewRedis creates a Redis broker.
func NewRedis(client redisClient, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		client: client,
		logger: logger.With("component", "redis_broker"),
	}
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrBroker, channel, err)
	}
	return nil
}

// Subscribe implements Broker. The subscription is confirmed before
// returning, so messages published afterwards are received.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %w", ErrBroker, channel, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s := &redisSubscription{
		ps:      ps,
		channel: channel,
		out:     make(chan []byte),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  b.logger.With("channel", channel),
	}
	go s.readLoop(readCtx)
	return s, nil
}

type redisSubscription struct {
	ps      *redis.PubSub
	channel string
	out     chan []byte
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *slog.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

// readLoop forwards messages until the context is cancelled or the
// connection fails. Any receive error ends the subscription.
func (s *redisSubscription) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)

	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closed && ctx.Err() == nil {
				s.err = fmt.Errorf("%w: receive %s: %w", ErrBroker, s.channel, err)
				s.logger.Warn("subscription ended", "error", err)
			}
			s.mu.Unlock()
			return
		}

		select {
		case s.out <- []byte(msg.Payload):
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.ps.Close()
	<-s.done
	if err != nil {
		return fmt.Errorf("close pubsub: %w", err)
	}
	return nil
}
