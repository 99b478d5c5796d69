// Package worker routes send commands to connections.
//
// Each gateway instance runs one Worker. It holds the only map from
// connection id to Outbound and processes a merged stream of local events
// (Register, Remove, Send, Snapshot) and commands forwarded by peers over
// the broker channel "workers:<instance>".
//
// A Send whose target is local is pushed to that connection's Outbound. A
// local miss is resolved through the directory and published to the owning
// instance; a miss on a command that already came over the broker is dropped.
//
// Directory and broker failures end the current run. A supervisor starts a
// new run after an exponential backoff with an empty map; queued events wait
// in the mailbox across restarts.
package worker
