package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "C", "M", "a"))
	assert.NoError(t, WrapTransient(nil, "C", "M", "a"))
	assert.NoError(t, WrapFatal(nil, "C", "M", "a"))
	assert.NoError(t, WrapInvalid(nil, "C", "M", "a"))
}

func TestWrapFormat(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Broker", "Publish", "retain message")
	require.Error(t, err)
	assert.Equal(t, "Broker.Publish: retain message failed: boom", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestClassifiedWrappers(t *testing.T) {
	base := stderrors.New("boom")

	tr := WrapTransient(base, "C", "M", "a")
	assert.True(t, IsTransient(tr))
	assert.False(t, IsFatal(tr))
	assert.ErrorIs(t, tr, base)

	ft := WrapFatal(base, "C", "M", "a")
	assert.True(t, IsFatal(ft))
	assert.False(t, IsTransient(ft))

	iv := WrapInvalid(base, "C", "M", "a")
	assert.True(t, IsInvalid(iv))
	assert.False(t, IsFatal(iv))
}

func TestSentinelClassification(t *testing.T) {
	assert.True(t, IsTransient(ErrConnectionTimeout))
	assert.True(t, IsTransient(ErrStorageUnavailable))
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsInvalid(ErrInvalidData))
	assert.True(t, IsInvalid(ErrPayloadTooLarge))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("connection refused")))
	assert.Equal(t, ErrorFatal, Classify(WrapFatal(stderrors.New("x"), "C", "M", "a")))
	assert.Equal(t, ErrorInvalid, Classify(WrapInvalid(stderrors.New("x"), "C", "M", "a")))
	// Unknown errors default to transient so callers may retry
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("mystery")))
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	err := WrapTransient(ErrQueueFull, "Socket", "Enqueue", "queue message")
	assert.ErrorIs(t, err, ErrQueueFull)

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "Socket", ce.Component)
}
