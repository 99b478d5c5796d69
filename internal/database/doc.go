// Package database builds the client connections for the shared backends:
//   - PostgreSQL (pgxpool): directory table and LISTEN/NOTIFY broker
//   - Redis (go-redis): directory keys and pub/sub broker
//
// Only the connections the configured backend needs are opened.
package database
