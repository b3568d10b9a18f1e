package dogpile

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panicMutex struct{}

func (panicMutex) Acquire(bool) bool { panic("mutex must not be touched for a fresh value") }
func (panicMutex) Release()          { panic("mutex must not be touched for a fresh value") }
func (panicMutex) Locked() bool      { panic("mutex must not be touched for a fresh value") }

func TestDogpileLockFreshValueSkipsMutex(t *testing.T) {
	exp := time.Minute
	l := &dogpileLock{
		mutex: panicMutex{},
		getValue: func() (any, float64, error) {
			return "cached", unixSeconds(time.Now()), nil
		},
		genValue:       func() (any, float64, error) { t.Fatal("must not regenerate"); return nil, 0, nil },
		expirationTime: &exp,
	}
	payload, o, err := l.run()
	require.NoError(t, err)
	assert.Equal(t, "cached", payload)
	assert.Equal(t, outcomeFresh, o)
}

func TestDogpileLockColdMissRegenerates(t *testing.T) {
	var genCalls int32
	l := &dogpileLock{
		mutex: newLocalMutex(),
		getValue: func() (any, float64, error) {
			return nil, 0, errNeedRegeneration
		},
		genValue: func() (any, float64, error) {
			atomic.AddInt32(&genCalls, 1)
			return "fresh", unixSeconds(time.Now()), nil
		},
	}
	payload, o, err := l.run()
	require.NoError(t, err)
	assert.Equal(t, "fresh", payload)
	assert.Equal(t, outcomeRegenerated, o)
	assert.EqualValues(t, 1, genCalls)
	assert.False(t, l.mutex.Locked())
}

func TestDogpileLockStaleServedWhileAnotherProducerRuns(t *testing.T) {
	mutex := newLocalMutex()
	require.True(t, mutex.Acquire(false)) // simulate another goroutine already regenerating

	exp := time.Millisecond
	staleCt := unixSeconds(time.Now().Add(-time.Hour))
	l := &dogpileLock{
		mutex: mutex,
		getValue: func() (any, float64, error) {
			return "stale", staleCt, nil
		},
		genValue: func() (any, float64, error) {
			t.Fatal("must not regenerate: another producer holds the lock")
			return nil, 0, nil
		},
		expirationTime: &exp,
	}
	payload, o, err := l.run()
	require.NoError(t, err)
	assert.Equal(t, "stale", payload)
	assert.Equal(t, outcomeStaleServed, o)
	mutex.Release()
}

func TestDogpileLockTrueColdMissBlocksThenRestarts(t *testing.T) {
	mutex := newLocalMutex()
	require.True(t, mutex.Acquire(false))

	var reads int32
	l := &dogpileLock{
		mutex: mutex,
		getValue: func() (any, float64, error) {
			n := atomic.AddInt32(&reads, 1)
			if n == 1 {
				return nil, 0, errNeedRegeneration // true cold miss, no stale value to serve
			}
			return "populated-by-other-producer", unixSeconds(time.Now()), nil
		},
		genValue: func() (any, float64, error) {
			t.Fatal("this caller must never become the producer")
			return nil, 0, nil
		},
	}

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		mutex.Release()
	}()

	go func() {
		payload, o, err := l.run()
		assert.NoError(t, err)
		assert.Equal(t, "populated-by-other-producer", payload)
		// The blocking-wait branch always reports cold_blocked, regardless of
		// the fresh-value restart path it resolved through afterward.
		assert.Equal(t, outcomeColdBlocked, o)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dogpileLock.run did not unblock after the holder released")
	}
}

func TestDogpileLockPropagatesGenerationError(t *testing.T) {
	boom := errCantDeserialize // any sentinel works here
	l := &dogpileLock{
		mutex: newLocalMutex(),
		getValue: func() (any, float64, error) {
			return nil, 0, errNeedRegeneration
		},
		genValue: func() (any, float64, error) {
			return nil, 0, boom
		},
	}
	_, _, err := l.run()
	assert.ErrorIs(t, err, boom)
	assert.False(t, l.mutex.Locked())
}
