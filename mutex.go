package dogpile

import "sync"

// Mutex is one logical lock per cache key. It may be backed by a
// process-local primitive or by a distributed implementation supplied by a
// Backend (see Backend.GetMutex).
type Mutex interface {
	// Acquire attempts to take the lock. If blocking is false, it returns
	// immediately with false when the lock is already held. If blocking is
	// true, it waits until the lock is available.
	Acquire(blocking bool) bool

	// Release releases the lock. Calling Release without a held Acquire is
	// the caller's bug, not this interface's concern.
	Release()

	// Locked reports whether the lock is currently held, by any holder.
	Locked() bool
}

// localMutex is the process-local Mutex constructed when a Backend's
// GetMutex returns nil.
type localMutex struct {
	mu     sync.Mutex
	locked bool
	guard  sync.Mutex // protects locked's visibility to Locked()
}

func newLocalMutex() Mutex {
	return &localMutex{}
}

func (m *localMutex) Acquire(blocking bool) bool {
	if !blocking {
		acquired := m.mu.TryLock()
		if acquired {
			m.guard.Lock()
			m.locked = true
			m.guard.Unlock()
		}
		return acquired
	}
	m.mu.Lock()
	m.guard.Lock()
	m.locked = true
	m.guard.Unlock()
	return true
}

func (m *localMutex) Release() {
	m.guard.Lock()
	m.locked = false
	m.guard.Unlock()
	m.mu.Unlock()
}

func (m *localMutex) Locked() bool {
	m.guard.Lock()
	defer m.guard.Unlock()
	return m.locked
}

// MutexRegistry is the region's NameRegistry: a memoized key->Mutex mapping,
// created lazily on first use. Concurrent calls for the same key always
// return the same instance. Entries are retained for the registry's
// lifetime -- see DESIGN.md's Open Question decision on weak references.
type MutexRegistry struct {
	mu    sync.Mutex
	mutex map[any]Mutex

	// getMutex optionally supplies a backend-provided mutex for a key. A nil
	// return requests the local fallback.
	getMutex func(key any) Mutex
}

// NewMutexRegistry constructs an empty registry. getMutex may be nil, in
// which case every key gets a local mutex.
func NewMutexRegistry(getMutex func(key any) Mutex) *MutexRegistry {
	return &MutexRegistry{
		mutex:    make(map[any]Mutex),
		getMutex: getMutex,
	}
}

// Get returns the unique Mutex for key, creating it on first access.
func (r *MutexRegistry) Get(key any) Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.mutex[key]; ok {
		return m
	}

	var m Mutex
	if r.getMutex != nil {
		m = r.getMutex(key)
	}
	if m == nil {
		m = newLocalMutex()
	}
	r.mutex[key] = m
	return m
}
