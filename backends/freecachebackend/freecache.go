// Package freecachebackend is a byte-oriented, process-local Backend
// wrapping coocood/freecache -- the fast local tier a real deployment
// would put in front of a distributed backend like redisbackend.
// Grounded on the teacher's inMemCache *freecache.Cache field and its
// updateMemoryCache/deleteKey usage (second-granularity TTL, Get/Set/Del).
package freecachebackend

import (
	"context"
	"fmt"

	"github.com/coocood/freecache"
	"github.com/stumble/dogpile"
	"github.com/vmihailenco/msgpack/v5"
)

// defaultTTLSeconds is the TTL passed to freecache for every entry this
// Backend writes (freecache requires an explicit TTL; 0 means it
// never expires within freecache's own eviction, which is what the region's
// own freshness checks expect -- the region, not the backend, enforces
// expiration).
const defaultTTLSeconds = 0

// Backend wraps a *freecache.Cache as a dogpile.SerializedBackend. It never
// supplies a distributed Mutex.
type Backend struct {
	cache *freecache.Cache
}

// New wraps an existing freecache.Cache (see freecache.NewCache(sizeBytes)).
func New(cache *freecache.Cache) *Backend {
	return &Backend{cache: cache}
}

func keyBytes(key any) []byte {
	return []byte(fmt.Sprint(key))
}

func (b *Backend) GetSerialized(_ context.Context, key any) ([]byte, bool, error) {
	v, err := b.cache.Get(keyBytes(key))
	if err == freecache.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
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

func (b *Backend) SetSerialized(_ context.Context, key any, data []byte) error {
	return b.cache.Set(keyBytes(key), data, defaultTTLSeconds)
}

func (b *Backend) SetMultiSerialized(ctx context.Context, mapping map[any][]byte) error {
	for k, v := range mapping {
		if err := b.SetSerialized(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// Get/Set/GetMulti/SetMulti satisfy the plain dogpile.Backend contract for
// the (rare, since DefaultSerializer/DefaultDeserializer are always wired)
// case where a region is configured without a serializer pipeline: the
// *dogpile.Envelope itself is msgpack-encoded whole, independent of the
// region's own pipe-delimited wire format.
func (b *Backend) Get(ctx context.Context, key any) (dogpile.CachedValue, error) {
	data, found, err := b.GetSerialized(ctx, key)
	if err != nil || !found {
		return dogpile.NoValue, err
	}
	var env dogpile.Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("freecachebackend: decode envelope: %w", err)
	}
	return &env, nil
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
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("freecachebackend: encode envelope: %w", err)
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

func (b *Backend) Delete(_ context.Context, key any) error {
	b.cache.Del(keyBytes(key))
	return nil
}

func (b *Backend) DeleteMulti(ctx context.Context, keys []any) error {
	for _, k := range keys {
		if err := b.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// GetMutex always returns nil: freecache has no distributed lock primitive.
func (b *Backend) GetMutex(_ any) dogpile.Mutex {
	return nil
}

// DefaultKeyMangler/DefaultSerializer/DefaultDeserializer implement
// dogpile.DefaultsProvider, so a region configured with this backend and no
// explicit serializer override still gets the byte-oriented pipeline.
func (b *Backend) DefaultKeyMangler() dogpile.KeyMangler { return nil }
func (b *Backend) DefaultSerializer() dogpile.Serializer { return dogpile.MsgpackSerializer }
func (b *Backend) DefaultDeserializer() dogpile.Deserializer {
	return dogpile.MsgpackDeserializer
}
