package hexid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShapeAndUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := New()
		require.Len(t, id, Length)
		require.True(t, Valid(id))
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(strings.Repeat("a", 64)))
	assert.True(t, Valid(strings.Repeat("0", 64)))

	assert.False(t, Valid(""))
	assert.False(t, Valid(strings.Repeat("a", 63)))
	assert.False(t, Valid(strings.Repeat("a", 65)))
	assert.False(t, Valid(strings.Repeat("A", 64)), "uppercase is not canonical")
	assert.False(t, Valid(strings.Repeat("g", 64)))
	assert.False(t, Valid(strings.Repeat("a", 63)+" "))
}
