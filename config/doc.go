// Package config loads and validates relay configuration.
//
// Configuration comes from a JSON file, overridden by RELAYBUS_* environment
// variables, overridden by CLI flags. File reads are validated (size cap,
// JSON depth cap, path checks) before parsing.
package config
