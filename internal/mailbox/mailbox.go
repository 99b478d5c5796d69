package mailbox

import (
	"sync"

	"github.com/eapache/queue"
)

// Mailbox is a thread-safe, unbounded FIFO queue.
//
// Producers never block: Push only fails once the mailbox is closed.
// Consumers either block in Receive, or select on Ready and then call
// TryReceive, which lets a single goroutine multiplex a mailbox with other
// channels one item at a time.
type Mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *queue.Queue
	ready  chan struct{}
	closed bool

	// Stats
	totalReceived int64
	totalSent     int64
	peak          int
}

// New creates an empty mailbox.
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		items: queue.New(),
		ready: make(chan struct{}, 1),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Push appends an item. Returns false if the mailbox is closed.
func (m *Mailbox[T]) Push(item T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	m.items.Add(item)
	m.totalReceived++
	if n := m.items.Length(); n > m.peak {
		m.peak = n
	}

	m.cond.Signal()
	m.notify()
	return true
}

// Receive removes and returns the oldest item.
// Blocks until an item is available or the mailbox is closed.
// Returns the item and true, or zero value and false if closed and empty.
func (m *Mailbox[T]) Receive() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.items.Length() == 0 && !m.closed {
		m.cond.Wait()
	}

	if m.items.Length() == 0 {
		var zero T
		return zero, false
	}

	return m.pop(), true
}

// TryReceive removes the oldest item without blocking.
// If more items remain (or the mailbox is closed), Ready is re-armed so a
// selecting consumer wakes up again.
func (m *Mailbox[T]) TryReceive() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.items.Length() == 0 {
		if m.closed {
			m.notify()
		}
		var zero T
		return zero, false
	}

	item := m.pop()
	if m.items.Length() > 0 || m.closed {
		m.notify()
	}
	return item, true
}

// Ready returns a channel that receives a value whenever items may be
// available or the mailbox has been closed.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Close closes the mailbox. After closing, Push returns false.
// Receivers still get the remaining items, then the closed signal.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.cond.Broadcast()
	m.notify()
}

// Closed reports whether Close has been called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.Length()
}

// DrainTo removes up to max queued items (all of them if max <= 0).
func (m *Mailbox[T]) DrainTo(max int) []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.items.Length()
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = m.pop()
	}
	return result
}

// Stats returns mailbox statistics.
func (m *Mailbox[T]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Count:         m.items.Length(),
		Peak:          m.peak,
		TotalReceived: m.totalReceived,
		TotalSent:     m.totalSent,
		Closed:        m.closed,
	}
}

// Stats contains mailbox statistics.
type Stats struct {
	Count         int
	Peak          int
	TotalReceived int64
	TotalSent     int64
	Closed        bool
}

// pop removes the head item. Must be called with lock held and a non-empty queue.
func (m *Mailbox[T]) pop() T {
	item := m.items.Remove().(T)
	m.totalSent++
	return item
}

// notify arms the ready channel without blocking. Must be called with lock held.
func (m *Mailbox[T]) notify() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
