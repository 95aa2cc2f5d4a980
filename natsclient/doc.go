// Package natsclient manages the relay's NATS connection with a circuit
// breaker.
//
// The client wraps core NATS publish/subscribe (the cross-node subscription
// channels) and JetStream key-value buckets (the durable shared store).
// Repeated connection failures open the circuit; operations fail fast with
// ErrCircuitOpen until a backoff elapses and the circuit is retested.
package natsclient
