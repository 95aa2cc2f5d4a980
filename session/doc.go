// Package session owns the websocket surface of the relay.
//
// Each accepted connection becomes a Socket with a bounded outbound queue
// drained by a single writer pump, so the broker fan-out path never blocks
// on a slow reader. A shared beat ticker pings every socket and terminates
// the ones that missed a pong. Inbound frames are decoded as JSON-RPC and
// dispatched to the registry, broker, and history; malformed frames get a
// parse error response and leave the socket open.
package session
