package natsclient

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
)

func TestIsKVNotFoundError(t *testing.T) {
	assert.False(t, IsKVNotFoundError(nil))

	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyNotFound))
	assert.True(t, IsKVNotFoundError(fmt.Errorf("wrapped: %w", ErrKVKeyNotFound)))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.True(t, IsKVNotFoundError(errors.New("API error 10037")))

	assert.False(t, IsKVNotFoundError(errors.New("connection refused")))
	assert.False(t, IsKVNotFoundError(ErrKVKeyExists))
}

func TestIsKVConflictError(t *testing.T) {
	assert.False(t, IsKVConflictError(nil))

	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(ErrKVKeyExists))
	assert.True(t, IsKVConflictError(fmt.Errorf("wrapped: %w", ErrKVKeyExists)))
	assert.True(t, IsKVConflictError(errors.New("nats: wrong last sequence: 42")))
	assert.True(t, IsKVConflictError(errors.New("API error 10071")))
	assert.True(t, IsKVConflictError(errors.New("nats: key exists")))
	assert.True(t, IsKVConflictError(errors.New("API error 10058")))

	assert.False(t, IsKVConflictError(errors.New("timeout")))
	assert.False(t, IsKVConflictError(ErrKVKeyNotFound))
}

func TestDefaultKVOptions(t *testing.T) {
	opts := DefaultKVOptions()
	assert.Equal(t, 10, opts.MaxRetries)
	assert.Equal(t, 1024*1024, opts.MaxValueSize)
	assert.True(t, opts.UseExponentialBackoff)
	assert.Positive(t, opts.Timeout)
}
