// Package registry issues connection identities and owns the token and
// session maps.
//
// Every request goes through one mailbox and is handled by one goroutine, so
// two concurrent Connects for the same token can never mint two identities.
// Stop closes the mailbox and returns once every queued request has run.
package registry
