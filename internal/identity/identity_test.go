package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSeedIsStable(t *testing.T) {
	a := FromSeed("00:11:22:33:44:55")
	b := FromSeed("00:11:22:33:44:55")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, FromSeed("00:11:22:33:44:56"))

	id, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), id.Version())
}

func TestPlayerIDIsValidUUID(t *testing.T) {
	id := PlayerID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, PlayerID())
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback([]string{"up", "loopback"}))
	assert.False(t, isLoopback([]string{"up", "broadcast"}))
	assert.False(t, isLoopback(nil))
}
