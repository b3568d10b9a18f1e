package dogpile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultInvalidationStrategyHardMode(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newDefaultInvalidationStrategy(func() time.Time { return fixed })

	before := unixSeconds(fixed.Add(-time.Minute))
	after := unixSeconds(fixed.Add(time.Minute))

	assert.False(t, s.IsInvalidated(before))
	s.Invalidate(true)
	assert.True(t, s.IsInvalidated(before))
	assert.True(t, s.IsHardInvalidated(before))
	assert.False(t, s.IsSoftInvalidated(before))
	assert.False(t, s.IsInvalidated(after))
	assert.True(t, s.WasHardInvalidated())
	assert.False(t, s.WasSoftInvalidated())
}

func TestDefaultInvalidationStrategySoftMode(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newDefaultInvalidationStrategy(func() time.Time { return fixed })

	s.Invalidate(false)
	before := unixSeconds(fixed.Add(-time.Minute))
	require.True(t, s.IsSoftInvalidated(before))
	assert.False(t, s.IsHardInvalidated(before))
	assert.True(t, s.WasSoftInvalidated())
}

func TestInvalidateOverwritesPriorBarrier(t *testing.T) {
	now := time.Now()
	s := newDefaultInvalidationStrategy(func() time.Time { return now })
	s.Invalidate(false)
	assert.True(t, s.WasSoftInvalidated())
	s.Invalidate(true)
	assert.True(t, s.WasHardInvalidated())
	assert.False(t, s.WasSoftInvalidated())
}
