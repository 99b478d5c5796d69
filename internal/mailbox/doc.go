// Package mailbox provides the unbounded FIFO queue used as the inbox of
// every single-writer actor in the gateway (registry, command worker) and as
// the outbound channel of each connection session.
package mailbox
