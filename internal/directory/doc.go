// Package directory stores which gateway instance currently holds each
// connection, under keys of the form "clients:<id>".
//
// Backends:
//   - Redis: SET with EX for the lease, a Lua compare-and-delete for removal.
//   - PostgreSQL: the gateway_directory table with an expires_at column.
//   - Memory: a map with expiry, for single-node mode and tests.
//
// Entries carry a lease that the owning session refreshes on every heartbeat
// tick, so entries written by a crashed instance age out.
package directory
