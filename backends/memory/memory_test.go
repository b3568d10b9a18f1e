package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stumble/dogpile"
)

func TestGetMissReturnsNoValue(t *testing.T) {
	b := New()
	cv, err := b.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, dogpile.NoValue, cv)
}

func TestSetThenGet(t *testing.T) {
	b := New()
	env := &dogpile.Envelope{Payload: "v"}
	require.NoError(t, b.Set(context.Background(), "k", env))

	cv, err := b.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Same(t, env, cv)
	assert.Equal(t, 1, b.Len())
}

func TestDeleteIsIdempotent(t *testing.T) {
	b := New()
	require.NoError(t, b.Delete(context.Background(), "never-set"))

	require.NoError(t, b.Set(context.Background(), "k", &dogpile.Envelope{Payload: 1}))
	require.NoError(t, b.Delete(context.Background(), "k"))
	require.NoError(t, b.Delete(context.Background(), "k"))
	assert.Equal(t, 0, b.Len())
}

func TestGetMultiPreservesOrder(t *testing.T) {
	b := New()
	require.NoError(t, b.Set(context.Background(), "a", &dogpile.Envelope{Payload: "A"}))
	require.NoError(t, b.Set(context.Background(), "c", &dogpile.Envelope{Payload: "C"}))

	cvs, err := b.GetMulti(context.Background(), []any{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, cvs, 3)
	assert.Equal(t, "A", cvs[0].(*dogpile.Envelope).Payload)
	assert.Equal(t, dogpile.NoValue, cvs[1])
	assert.Equal(t, "C", cvs[2].(*dogpile.Envelope).Payload)
}

func TestSetMultiAndDeleteMulti(t *testing.T) {
	b := New()
	require.NoError(t, b.SetMulti(context.Background(), map[any]*dogpile.Envelope{
		"a": {Payload: 1},
		"b": {Payload: 2},
	}))
	assert.Equal(t, 2, b.Len())

	require.NoError(t, b.DeleteMulti(context.Background(), []any{"a", "b"}))
	assert.Equal(t, 0, b.Len())
}

func TestGetMutexAlwaysNil(t *testing.T) {
	b := New()
	assert.Nil(t, b.GetMutex("k"))
}
