// Package memory is an envelope-native, process-local Backend: the simplest
// possible implementation of the contract spec.md §4.A demands, used as a
// test fixture and as a demonstration of a non-byte-oriented backend (the
// core's serializer pipeline never interposes on it). Grounded on dogpile's
// own backends/memory.py (reconstructed from spec.md §4.A, not present in
// original_source/) and the shape of other_examples' in-process map
// backends (e.g. davicafu-hexagolab's user_inmemory.go).
package memory

import (
	"context"
	"sync"

	"github.com/stumble/dogpile"
)

// Backend is a sync.RWMutex-guarded map[key]*dogpile.Envelope. It never supplies
// a distributed Mutex: GetMutex always returns nil, requesting the region's
// local-mutex fallback.
type Backend struct {
	mu    sync.RWMutex
	store map[any]*dogpile.Envelope
}

// New constructs an empty Backend.
func New() *Backend {
	return &Backend{store: make(map[any]*dogpile.Envelope)}
}

func (b *Backend) Get(_ context.Context, key any) (dogpile.CachedValue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if env, ok := b.store[key]; ok {
		return env, nil
	}
	return dogpile.NoValue, nil
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

func (b *Backend) Set(_ context.Context, key any, value *dogpile.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store[key] = value
	return nil
}

func (b *Backend) SetMulti(_ context.Context, mapping map[any]*dogpile.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range mapping {
		b.store[k] = v
	}
	return nil
}

func (b *Backend) Delete(_ context.Context, key any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.store, key)
	return nil
}

func (b *Backend) DeleteMulti(_ context.Context, keys []any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.store, k)
	}
	return nil
}

// GetMutex always returns nil: this backend has no distributed lock
// primitive, so the region falls back to a process-local mutex.
func (b *Backend) GetMutex(_ any) dogpile.Mutex {
	return nil
}

// Len reports the number of entries currently stored, useful for assertions
// in tests (e.g. confirming should_cache_fn=false skipped a write).
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.store)
}
