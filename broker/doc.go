// Package broker routes published messages to topic subscribers and
// retains them until acknowledged.
//
// Retention is keyed (topic, sha256(payload)) in the shared store, so a
// republish of the same payload is absorbed rather than duplicated.
// Cross-node traffic rides the store's per-topic channels: message
// envelopes fan out to peer nodes, subscribe_request envelopes ask peers
// to flush retained messages for a newly interesting topic. A shared-store
// publish failure degrades the broker to local-only delivery and raises an
// event; local publishes keep working.
//
// Subscription goes through Subscribe so registry registration and
// retained replay run under one per-topic lock: a concurrent publish sees
// the socket either before registration or after its backlog is replayed,
// never in between.
package broker

