// Package redisbackend is the distributed Backend + distributed Mutex pair,
// grounded directly on the teacher's storeKey/lockKey naming, conn.Get/
// conn.Set/conn.SetNX usage, and lockSleep retry loop. Unlike the teacher's
// Client, which owns both the cache and the lock inside one type, this
// package keeps them as two focused pieces (Backend and the unexported
// distributedMutex it hands out via GetMutex) to match the core's
// capability-per-interface design.
package redisbackend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stumble/dogpile"
	"golang.org/x/sync/singleflight"
)

// RedisClient is the narrow slice of redis.UniversalClient this package
// needs; *redis.Client and *redis.ClusterClient both satisfy it
// structurally, and so does any hand-written fake used in tests.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

const (
	// keyPrefix/lockPrefix mirror the teacher's storeKey/lockKey namespacing
	// so a Backend's cached entries and its locks never collide on the wire.
	keyPrefix  = "dogpile:kv:"
	lockPrefix = "dogpile:lock:"

	// lockTTL bounds how long a SETNX lock survives a holder that dies
	// without releasing it -- the teacher's own failure-recovery margin.
	lockTTL = 30 * time.Second

	// lockPollInterval is the teacher's lockSleep: how often a blocking
	// Acquire retries SETNX while the lock is held by someone else.
	lockPollInterval = 50 * time.Millisecond
)

func storeKey(key any) string {
	return keyPrefix + fmt.Sprint(key)
}

func lockKey(key any) string {
	return lockPrefix + fmt.Sprint(key)
}

// Backend wraps a RedisClient as a dogpile.SerializedBackend and hands out
// a distributed Mutex per key via GetMutex.
type Backend struct {
	conn RedisClient

	// group coalesces concurrently-blocking local goroutines polling SETNX
	// for the *same* distributed lock into a single poll loop -- singleflight
	// applied to the retry loop itself, not to value generation (which stays
	// the region's dogpileLock responsibility; see DESIGN.md).
	group singleflight.Group
}

// New wraps an existing RedisClient (e.g. *redis.Client).
func New(conn RedisClient) *Backend {
	return &Backend{conn: conn}
}

func (b *Backend) GetSerialized(ctx context.Context, key any) ([]byte, bool, error) {
	data, err := b.conn.Get(ctx, storeKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *Backend) GetMultiSerialized(ctx context.Context, keys []any) ([][]byte, []bool, error) {
	datas := make([][]byte, len(keys))
	founds := make([]bool, len(keys))
	for i, k := range keys {
		data, found, err := b.GetSerialized(ctx, k)
		if err != nil {
			return nil, nil, err
		}
		datas[i] = data
		founds[i] = found
	}
	return datas, founds, nil
}

// SetSerialized writes with no TTL: the region enforces freshness itself
// (resolveExpiration/dogpileLock), mirroring the teacher's setKey, which
// also never passes an expiration to conn.Set.
func (b *Backend) SetSerialized(ctx context.Context, key any, data []byte) error {
	return b.conn.Set(ctx, storeKey(key), data, 0).Err()
}

func (b *Backend) SetMultiSerialized(ctx context.Context, mapping map[any][]byte) error {
	for k, v := range mapping {
		if err := b.SetSerialized(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// Get/Set/GetMulti/SetMulti exist to satisfy dogpile.Backend when no region
// serializer is configured; in practice DefaultSerializer/DefaultDeserializer
// below mean the serialized path is always the one taken.
func (b *Backend) Get(ctx context.Context, key any) (dogpile.CachedValue, error) {
	data, found, err := b.GetSerialized(ctx, key)
	if err != nil || !found {
		return dogpile.NoValue, err
	}
	payload, err := dogpile.MsgpackDeserializer(data)
	if err != nil {
		return nil, err
	}
	return &dogpile.Envelope{Payload: payload}, nil
}

func (b *Backend) GetMulti(ctx context.Context, keys []any) ([]dogpile.CachedValue, error) {
	out := make([]dogpile.CachedValue, len(keys))
	for i, k := range keys {
		cv, err := b.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = cv
	}
	return out, nil
}

func (b *Backend) Set(ctx context.Context, key any, value *dogpile.Envelope) error {
	data, err := dogpile.MsgpackSerializer(value.Payload)
	if err != nil {
		return err
	}
	return b.SetSerialized(ctx, key, data)
}

func (b *Backend) SetMulti(ctx context.Context, mapping map[any]*dogpile.Envelope) error {
	for k, v := range mapping {
		if err := b.Set(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key any) error {
	return b.conn.Del(ctx, storeKey(key)).Err()
}

func (b *Backend) DeleteMulti(ctx context.Context, keys []any) error {
	wire := make([]string, len(keys))
	for i, k := range keys {
		wire[i] = storeKey(k)
	}
	return b.conn.Del(ctx, wire...).Err()
}

// GetMutex returns a distributed Mutex for key, backed by SETNX against the
// same Redis connection the Backend reads/writes through.
func (b *Backend) GetMutex(key any) dogpile.Mutex {
	return &distributedMutex{
		conn:  b.conn,
		group: &b.group,
		key:   lockKey(key),
	}
}

// DefaultSerializer/DefaultDeserializer: the same msgpack codec the teacher
// uses for values it stores in Redis.
func (b *Backend) DefaultKeyMangler() dogpile.KeyMangler { return nil }
func (b *Backend) DefaultSerializer() dogpile.Serializer { return dogpile.MsgpackSerializer }
func (b *Backend) DefaultDeserializer() dogpile.Deserializer {
	return dogpile.MsgpackDeserializer
}

// distributedMutex implements dogpile.Mutex over a single Redis SETNX key,
// grounded on the teacher's lockKey/SetNX/lockSleep retry loop.
type distributedMutex struct {
	conn  RedisClient
	group *singleflight.Group
	key   string
}

// Acquire attempts SETNX; when blocking, it polls every lockPollInterval
// until it succeeds or ctx-less background polling is interrupted by the
// process exiting. Concurrent local callers blocking on the same key share
// one singleflight poll loop rather than each hammering Redis independently.
func (m *distributedMutex) Acquire(blocking bool) bool {
	ctx := context.Background()
	if !blocking {
		ok, err := m.conn.SetNX(ctx, m.key, "1", lockTTL).Result()
		return err == nil && ok
	}

	// Many local goroutines may be blocked waiting on the same key at once
	// (every concurrent cold-miss caller beyond the first). Rather than each
	// polling Redis independently, they share one poll loop via singleflight
	// until it observes the key become free; that's the signal to stop
	// idling, not a claim of ownership. Each waiter then makes its own
	// SETNX attempt below -- only one of them can actually win it, same as
	// if they had all been polling individually the whole time.
	_, _, _ = m.group.Do(m.key, func() (any, error) {
		for {
			ok, err := m.conn.SetNX(ctx, m.key, "1", lockTTL).Result()
			if err == nil && ok {
				m.conn.Del(ctx, m.key) // release immediately; this call owns nothing
				return nil, nil
			}
			time.Sleep(lockPollInterval)
		}
	})
	for {
		ok, err := m.conn.SetNX(ctx, m.key, "1", lockTTL).Result()
		if err == nil && ok {
			return true
		}
		time.Sleep(lockPollInterval)
	}
}

func (m *distributedMutex) Release() {
	m.conn.Del(context.Background(), m.key)
}

func (m *distributedMutex) Locked() bool {
	_, err := m.conn.Get(context.Background(), m.key).Result()
	return err == nil
}
