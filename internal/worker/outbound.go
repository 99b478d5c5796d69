package worker

import (
	"github.com/rickgao/wsgate/internal/mailbox"
	"github.com/rickgao/wsgate/internal/protocol"
)

// Outbound is the write side of one live session, as seen by the worker.
// The worker pushes payloads; the session's writer goroutine receives them.
// Each connection makes its own Outbound, so handles can be compared to tell
// an old connection from a newer one with the same id.
type Outbound struct {
	id  protocol.ConnID
	box *mailbox.Mailbox[string]
}

// NewOutbound creates an open outbound handle for a connection.
func NewOutbound(id protocol.ConnID) *Outbound {
	return &Outbound{
		id:  id,
		box: mailbox.New[string](),
	}
}

// ID returns the connection the handle writes to.
func (o *Outbound) ID() protocol.ConnID {
	return o.id
}

// Push queues a payload. Returns false once the receiver has gone.
func (o *Outbound) Push(payload string) bool {
	return o.box.Push(payload)
}

// Receive blocks for the next payload. Returns false after Close once every
// queued payload has been received.
func (o *Outbound) Receive() (string, bool) {
	return o.box.Receive()
}

// Close marks the receiver as gone.
func (o *Outbound) Close() {
	o.box.Close()
}

// Closed reports whether Close has been called.
func (o *Outbound) Closed() bool {
	return o.box.Closed()
}

// Len returns the number of queued payloads.
func (o *Outbound) Len() int {
	return o.box.Len()
}
