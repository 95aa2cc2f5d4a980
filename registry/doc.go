// Package registry tracks which local sockets are subscribed to which
// topics.
//
// Topic state is striped across 16 locks by topic hash, so subscribes on
// unrelated topics contend on topic state only when they share a stripe.
// A separate socket index, under its own lock, supports per-socket teardown. The registry announces first-subscribe and
// last-unsubscribe transitions to an Announcer so peer nodes can flush
// pending messages for newly interesting topics.
package registry
