package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaybus/errors"
)

func TestWriteReadOrder(t *testing.T) {
	buf, err := NewCircularBuffer[int](4)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.Equal(t, 3, buf.Size())

	for i := 1; i <= 3; i++ {
		v, ok := buf.Read()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := buf.Read()
	assert.False(t, ok)
	assert.True(t, buf.IsEmpty())
}

func TestDropNewestRejectsOnFull(t *testing.T) {
	var dropped []string
	buf, err := NewCircularBuffer[string](2,
		WithOverflowPolicy[string](DropNewest),
		WithDropCallback[string](func(item string) { dropped = append(dropped, item) }))
	require.NoError(t, err)

	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))

	err = buf.Write("c")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrQueueFull)
	assert.Equal(t, []string{"c"}, dropped)

	// Existing items untouched
	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestDropOldestEvicts(t *testing.T) {
	buf, err := NewCircularBuffer[int](2, WithOverflowPolicy[int](DropOldest))
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3))

	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.EqualValues(t, 1, buf.Stats().Drops())
}

func TestReadBatchAndPeek(t *testing.T) {
	buf, err := NewCircularBuffer[int](8)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	v, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, 0, v)
	assert.Equal(t, 5, buf.Size(), "peek must not consume")

	batch := buf.ReadBatch(3)
	assert.Equal(t, []int{0, 1, 2}, batch)
	assert.Equal(t, 2, buf.Size())
}

func TestWriteAfterCloseFails(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)
	require.NoError(t, buf.Close())

	err = buf.Write(1)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestConcurrentWritersAndReader(t *testing.T) {
	buf, err := NewCircularBuffer[int](64, WithOverflowPolicy[int](Block))
	require.NoError(t, err)

	const total = 500
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_ = buf.Write(i)
		}
	}()

	got := 0
	go func() {
		defer wg.Done()
		for got < total {
			if _, ok := buf.Read(); ok {
				got++
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, total, got)
}
