package dogpile

import (
	"errors"
	"time"
)

// valueReader reads the current cached value for a dogpileLock's key. It
// returns the payload and its creation time as a unix-seconds float. A
// reader signaling errNeedRegeneration is a hard miss (absent key, hard
// invalidation, or schema/version mismatch); the lock treats that as ct=0,
// infinitely old.
type valueReader func() (payload any, ct float64, err error)

// valueGenerator produces and persists a fresh value, returning the new
// payload and its creation time.
type valueGenerator func() (payload any, ct float64, err error)

// asyncCreator takes ownership of mutex (already acquired) and must release
// it when the regeneration it kicks off completes. It is the embedder's
// mechanism for deferring regeneration off the caller's goroutine.
type asyncCreator func(mutex Mutex)

// dogpileLock is the coordination algorithm of spec §4.F: mutex + value-read
// + value-generate + optional async runner, ensuring at most one producer
// regenerates a given key at a time while concurrent callers either block or
// receive a stale value.
type dogpileLock struct {
	mutex          Mutex
	getValue       valueReader
	genValue       valueGenerator
	expirationTime *time.Duration
	asyncCreator   asyncCreator
	now            func() time.Time
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// run executes the algorithm to completion, returning the payload the
// caller should see and the outcome branch taken, for the caller to report
// via MetricSet.recordOutcome. A call that had to block waiting for a
// producer it could not regenerate on behalf of (the true-cold-miss path)
// always reports outcomeColdBlocked, regardless of how it eventually
// resolved after the wait -- that wait is the notable, slow thing that
// happened to this caller.
func (l *dogpileLock) run() (any, outcome, error) {
	now := l.now
	if now == nil {
		now = time.Now
	}

	blocked := false

	for {
		payload, ct, err := l.getValue()
		if err != nil {
			if errors.Is(err, errNeedRegeneration) {
				ct = 0
				payload = nil
			} else {
				return nil, "", err
			}
		}

		fresh := false
		switch {
		case l.expirationTime == nil:
			fresh = ct > 0
		default:
			fresh = ct > 0 && unixSeconds(now())-ct < l.expirationTime.Seconds()
		}
		if fresh {
			if blocked {
				return payload, outcomeColdBlocked, nil
			}
			return payload, outcomeFresh, nil
		}

		acquired := l.mutex.Acquire(false)
		if acquired {
			if l.asyncCreator != nil && ct > 0 {
				l.asyncCreator(l.mutex) // takes ownership of release
				if blocked {
					return payload, outcomeColdBlocked, nil
				}
				return payload, outcomeStaleServed, nil
			}

			newPayload, _, genErr := l.genValue()
			l.mutex.Release()
			if genErr != nil {
				return nil, "", genErr
			}
			if blocked {
				return newPayload, outcomeColdBlocked, nil
			}
			return newPayload, outcomeRegenerated, nil
		}

		if ct > 0 {
			// Another producer is running; stale-while-revalidate.
			if blocked {
				return payload, outcomeColdBlocked, nil
			}
			return payload, outcomeStaleServed, nil
		}

		// True cold miss with a producer already running: block until it
		// finishes, then restart -- its write is now visible.
		blocked = true
		l.mutex.Acquire(true)
		l.mutex.Release()
	}
}
