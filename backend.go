package dogpile

import "context"

// KeyMangler is an optional pre-transform applied to every key before it
// reaches the backend (e.g. hashing to bound key length). The region accepts
// one at Configure time and per-call overrides are not part of the core
// surface (spec §1: key-derivation helpers are an external concern).
type KeyMangler func(key any) any

// Backend is the opaque key->value store contract a CacheRegion is built on.
// The region treats it as opaque: no assumption is made about durability,
// ordering, or atomicity beyond what each method's signature implies.
//
// A Backend that also implements SerializedBackend and is paired with a
// non-nil region Serializer/Deserializer is treated as byte-oriented: the
// region interposes the serializer pipeline (serializer.go) on every read
// and write instead of calling Get/Set directly.
type Backend interface {
	Get(ctx context.Context, key any) (CachedValue, error)
	GetMulti(ctx context.Context, keys []any) ([]CachedValue, error)

	Set(ctx context.Context, key any, value *Envelope) error
	SetMulti(ctx context.Context, mapping map[any]*Envelope) error

	Delete(ctx context.Context, key any) error
	DeleteMulti(ctx context.Context, keys []any) error

	// GetMutex returns a logical mutex for key, or nil to request the
	// region's local-mutex fallback.
	GetMutex(key any) Mutex
}

// SerializedBackend is the optional byte-oriented extension of Backend.
type SerializedBackend interface {
	Backend

	GetSerialized(ctx context.Context, key any) ([]byte, bool, error)
	GetMultiSerialized(ctx context.Context, keys []any) ([][]byte, []bool, error)

	SetSerialized(ctx context.Context, key any, data []byte) error
	SetMultiSerialized(ctx context.Context, mapping map[any][]byte) error
}

// DefaultsProvider lets a Backend supply region-level defaults the caller
// did not override at Configure time (spec §4.A: "key_mangler, serializer,
// deserializer -- defaults the region inherits").
type DefaultsProvider interface {
	DefaultKeyMangler() KeyMangler
	DefaultSerializer() Serializer
	DefaultDeserializer() Deserializer
}
