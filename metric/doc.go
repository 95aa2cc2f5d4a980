// Package metric provides Prometheus-based metrics collection for the relay.
//
// A single MetricsRegistry owns the Prometheus registry for the process. Core
// relay metrics (socket counts, message flow, NATS health) are registered at
// construction; components register their own metrics through the
// MetricsRegistrar interface. The registry is exposed for scraping by the
// admin HTTP server in the relay package.
//
// All core metrics use the namespace "relaybus":
//   - relaybus_sockets_active
//   - relaybus_messages_published_total
//   - relaybus_nats_connected
package metric
