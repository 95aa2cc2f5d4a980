// Package errors provides standardized error handling for relaybus
// components. It includes error classification, standard error variables,
// and helpers for consistent error wrapping across the relay.
package errors
