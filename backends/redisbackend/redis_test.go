package redisbackend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stumble/dogpile"
)

// fakeRedis is a minimal, in-process stand-in for RedisClient, enough to
// drive storeKey/lockKey reads, writes, and SETNX semantics without a real
// Redis server.
type fakeRedis struct {
	mu    sync.Mutex
	store map[string][]byte
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{store: make(map[string][]byte)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(context.Background())
	if v, ok := f.store[key]; ok {
		cmd.SetVal(string(v))
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[key] = toBytes(value)
	cmd := redis.NewStatusCmd(context.Background())
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.store[k]; ok {
			delete(f.store, k)
			n++
		}
	}
	cmd := redis.NewIntCmd(context.Background())
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(context.Background())
	if _, exists := f.store[key]; exists {
		cmd.SetVal(false)
		return cmd
	}
	f.store[key] = toBytes(value)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) Publish(_ context.Context, _ string, _ any) *redis.IntCmd {
	cmd := redis.NewIntCmd(context.Background())
	cmd.SetVal(0)
	return cmd
}

func (f *fakeRedis) Subscribe(_ context.Context, _ ...string) *redis.PubSub {
	return nil
}

func toBytes(v any) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	default:
		return nil
	}
}

func TestBackendGetSerializedMiss(t *testing.T) {
	b := New(newFakeRedis())
	_, found, err := b.GetSerialized(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBackendSetThenGetSerialized(t *testing.T) {
	b := New(newFakeRedis())
	require.NoError(t, b.SetSerialized(context.Background(), "k", []byte("data")))

	data, found, err := b.GetSerialized(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("data"), data)
}

func TestBackendDeleteMulti(t *testing.T) {
	b := New(newFakeRedis())
	require.NoError(t, b.SetSerialized(context.Background(), "a", []byte("1")))
	require.NoError(t, b.SetSerialized(context.Background(), "b", []byte("2")))

	require.NoError(t, b.DeleteMulti(context.Background(), []any{"a", "b"}))

	_, found, err := b.GetSerialized(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEnvelopeGetSetRoundTrip(t *testing.T) {
	b := New(newFakeRedis())
	env := &dogpile.Envelope{Payload: "hello"}
	require.NoError(t, b.Set(context.Background(), "k", env))

	cv, err := b.Get(context.Background(), "k")
	require.NoError(t, err)
	got, ok := cv.(*dogpile.Envelope)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Payload)
}

func TestDistributedMutexNonBlockingAcquireExclusion(t *testing.T) {
	b := New(newFakeRedis())
	m1 := b.GetMutex("k")
	m2 := b.GetMutex("k")

	require.True(t, m1.Acquire(false))
	assert.False(t, m2.Acquire(false))
	m1.Release()
	assert.True(t, m2.Acquire(false))
	m2.Release()
}

func TestDistributedMutexLocked(t *testing.T) {
	b := New(newFakeRedis())
	m := b.GetMutex("k")
	assert.False(t, m.Locked())
	require.True(t, m.Acquire(false))
	assert.True(t, m.Locked())
	m.Release()
	assert.False(t, m.Locked())
}

func TestDistributedMutexBlockingAcquireWaitsForRelease(t *testing.T) {
	b := New(newFakeRedis())
	holder := b.GetMutex("k")
	waiter := b.GetMutex("k")

	require.True(t, holder.Acquire(false))

	done := make(chan struct{})
	go func() {
		assert.True(t, waiter.Acquire(true))
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("waiter acquired the lock before the holder released it")
	default:
	}

	holder.Release()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock after release")
	}
	waiter.Release()
}

func TestDefaultsProviderSuppliesMsgpackCodec(t *testing.T) {
	b := New(newFakeRedis())
	assert.Nil(t, b.DefaultKeyMangler())
	require.NotNil(t, b.DefaultSerializer())
	require.NotNil(t, b.DefaultDeserializer())
}
