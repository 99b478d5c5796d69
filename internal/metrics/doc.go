// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Live connections, authentication failures and heartbeat timeouts
//   - Command outcomes (delivered, forwarded, dropped)
//   - Decode errors by source (client, broker)
//   - Worker restarts and mailbox depths
//
// Each Metrics value owns its own registry so several gateways can run in
// one process. All methods are safe on a nil *Metrics.
package metrics
