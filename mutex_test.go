package dogpile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalMutexExclusion(t *testing.T) {
	m := newLocalMutex()
	require.True(t, m.Acquire(false))
	assert.True(t, m.Locked())
	assert.False(t, m.Acquire(false))
	m.Release()
	assert.False(t, m.Locked())
	assert.True(t, m.Acquire(false))
}

func TestMutexRegistryMemoizesPerKey(t *testing.T) {
	r := NewMutexRegistry(nil)
	a := r.Get("k1")
	b := r.Get("k1")
	c := r.Get("k2")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestMutexRegistryPrefersBackendSuppliedMutex(t *testing.T) {
	backendMutex := newLocalMutex()
	r := NewMutexRegistry(func(key any) Mutex {
		if key == "distributed" {
			return backendMutex
		}
		return nil
	})
	assert.Same(t, backendMutex, r.Get("distributed"))

	local := r.Get("local")
	require.NotNil(t, local)
	_, isLocalMutex := local.(*localMutex)
	assert.True(t, isLocalMutex)
}
