package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rickgao/wsgate/internal/mailbox"
)

// Hub is an in-process Broker. Gateways in the same process that share a Hub
// can forward commands to each other.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
	down error
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*memorySubscription]struct{}),
	}
}

// Publish implements Broker.
func (h *Hub) Publish(_ context.Context, channel string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.down != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrBroker, channel, h.down)
	}

	for s := range h.subs[channel] {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		s.box.Push(msg)
	}
	return nil
}

// Subscribe implements Broker.
func (h *Hub) Subscribe(_ context.Context, channel string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.down != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %w", ErrBroker, channel, h.down)
	}

	s := &memorySubscription{
		hub:     h,
		channel: channel,
		box:     mailbox.New[[]byte](),
		out:     make(chan []byte),
		done:    make(chan struct{}),
	}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*memorySubscription]struct{})
	}
	h.subs[channel][s] = struct{}{}

	go s.pump()
	return s, nil
}

// Fail simulates an outage: every live subscription ends with an ErrBroker
// wrapping err, and Publish and Subscribe fail until Fail(nil) is called.
func (h *Hub) Fail(err error) {
	h.mu.Lock()
	h.down = err
	var failed []*memorySubscription
	if err != nil {
		for channel, set := range h.subs {
			for s := range set {
				failed = append(failed, s)
			}
			delete(h.subs, channel)
		}
	}
	h.mu.Unlock()

	for _, s := range failed {
		s.end(fmt.Errorf("%w: connection lost: %w", ErrBroker, err))
	}
}

// Subscribers returns the number of live subscriptions on a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channel])
}

func (h *Hub) remove(s *memorySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.channel)
		}
	}
}

type memorySubscription struct {
	hub     *Hub
	channel string
	box     *mailbox.Mailbox[[]byte]
	out     chan []byte
	done    chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *memorySubscription) pump() {
	defer close(s.out)
	for {
		msg, ok := s.box.Receive()
		if !ok {
			return
		}
		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *memorySubscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.box.Close()
	})
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.out
}

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() error {
	s.hub.remove(s)
	s.end(nil)
	return nil
}
