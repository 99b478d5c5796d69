// Package gateway is the HTTP surface of a gateway instance.
//
// Handler serves the websocket endpoint; each upgraded connection runs a
// session.Session against the instance's registry and command worker.
// OpsHandler serves /health, /debug/stats and the Prometheus endpoint on a
// separate listener.
package gateway
