package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	var store Memory

	_, ok := store.Get("jwtToken")
	assert.False(t, ok)

	require.NoError(t, store.Set("jwtToken", "value"))
	require.NoError(t, store.Set("remember", "1"))

	value, ok := store.Get("jwtToken")
	assert.True(t, ok)
	assert.Equal(t, "value", value)

	require.NoError(t, store.Delete("jwtToken"))
	require.NoError(t, store.Delete("missing"))

	snapshot := store.Snapshot()
	assert.Equal(t, map[string]string{"remember": "1"}, snapshot)

	snapshot["remember"] = "0"

	value, _ = store.Get("remember")
	assert.Equal(t, "1", value)
}
