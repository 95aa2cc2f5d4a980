// Package store abstracts the relay's shared state behind a small
// key-value/list/pub-sub interface.
//
// Two implementations exist: MemoryStore for single-node deployments and
// tests, and NATSStore backed by a JetStream key-value bucket with core
// NATS subjects as cross-node channels. JetStream KV expires entries per
// bucket, not per key, so both implementations carry an expiresAt envelope
// on every entry and filter expired entries on read.
package store
