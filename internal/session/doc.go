// Package session drives one client connection.
//
// A Session resolves the presented token through the registry, sends the
// set_auth_token packet, registers an Outbound with the command worker and
// then serves the connection with three goroutines: the read loop (in Run),
// a writer draining the Outbound, and a heartbeat that pings the peer and
// renews the directory lease. Teardown runs once, whichever way the session
// ends.
//
// Transport hides the wire. NewWebsocketTransport adapts a gorilla
// connection; tests use in-memory transports.
package session
