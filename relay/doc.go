// Package relay assembles the full relay node: shared store, subscription
// registry, message broker, JSON-RPC history, and the websocket session
// layer, plus the admin HTTP surface with health and Prometheus metrics.
//
// The Service owns startup order (store before broker, broker before
// sessions) and tears everything down in reverse on Stop. In nats store
// mode it also owns the NATS client and feeds its health transitions into
// the monitor.
package relay
