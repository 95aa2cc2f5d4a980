// Package history keeps the per-topic log of outstanding JSON-RPC
// requests and their eventual responses.
//
// Records live in memory under a single mutex and every mutation triggers
// an asynchronous snapshot to the shared store. On startup the snapshot is
// restored before any mutation is accepted: operations block on the
// restoration gate until it opens. Observers consume created, updated,
// and deleted events from a buffered channel and must never call back
// into the history from the handler.
package history
