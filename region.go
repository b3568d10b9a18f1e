package dogpile

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// getNow is the region's clock seam, grounded on the teacher's
// var getNow = time.Now / SetNowFunc idiom so tests can control freshness
// deterministically without sleeping real wall-clock time.
var getNow = time.Now

// SetNowFunc replaces the clock used by every CacheRegion. Intended for
// tests.
func SetNowFunc(f func() time.Time) { getNow = f }

// NoExpirationOverride is passed as a GetOrCreate/Get per-call expiration to
// mean "no expiration for this call only" -- the Go spelling of spec §4.G's
// "expiration_time = -1" sentinel.
const NoExpirationOverride time.Duration = -1

// ExpirationFunc produces an expiration duration on demand, consulted fresh
// on every call -- the Go spelling of spec §3's "zero-argument callable
// producing a timeout each time it is consulted".
type ExpirationFunc func() time.Duration

// AsyncCreationRunner defers regeneration off the caller's goroutine. It
// takes ownership of mutex and MUST release it once creator (and whatever
// persistence creator performs) has completed. GoroutineAsyncCreationRunner
// is the obvious embedder-supplied implementation.
type AsyncCreationRunner func(ctx context.Context, region *CacheRegion, key any, creator func() (any, error), mutex Mutex)

// GoroutineAsyncCreationRunner runs creator on a new goroutine and releases
// mutex when it completes, logging (not panicking on) a creator failure
// since there is no caller left to report it to.
func GoroutineAsyncCreationRunner(ctx context.Context, region *CacheRegion, key any, creator func() (any, error), mutex Mutex) {
	go func() {
		defer mutex.Release()
		if _, err := creator(); err != nil {
			log.Err(err).Msgf("dogpile: async regeneration failed for key %v", key)
		}
	}()
}

// CacheRegion is the public surface of component G: a cache region backed
// by a pluggable Backend, coordinating regeneration via the dogpile lock.
type CacheRegion struct {
	mu sync.RWMutex

	backend      Backend
	configured   bool
	name         string
	keyMangler   KeyMangler
	serializer   Serializer
	deserializer Deserializer

	expirationTime *time.Duration
	expirationFunc ExpirationFunc

	invalidation InvalidationStrategy

	mutexes *MutexRegistry

	asyncCreationRunner AsyncCreationRunner

	metrics  *MetricSet
	registry prometheus.Registerer

	pendingProxies   []Proxy
	replaceRequested bool
}

// NewCacheRegion constructs an unconfigured region, analogous to the
// teacher's NewCache(...) constructor but split from backend wiring
// (spec §4.G: "A region is constructed without a backend and rendered
// operational by configure").
func NewCacheRegion(name string) *CacheRegion {
	return &CacheRegion{name: name}
}

func (r *CacheRegion) now() time.Time { return getNow() }

// ConfigureOption customizes Configure. Grounded on the general Go
// functional-options idiom (not specific to the teacher, whose NewCache
// takes plain positional args) since Configure here has considerably more
// optional knobs than the teacher's constructor.
type ConfigureOption func(*CacheRegion)

func WithExpirationTime(d time.Duration) ConfigureOption {
	return func(r *CacheRegion) { r.expirationTime = &d }
}

func WithExpirationFunc(f ExpirationFunc) ConfigureOption {
	return func(r *CacheRegion) { r.expirationFunc = f }
}

func WithInvalidationStrategy(s InvalidationStrategy) ConfigureOption {
	return func(r *CacheRegion) { r.invalidation = s }
}

func WithKeyMangler(km KeyMangler) ConfigureOption {
	return func(r *CacheRegion) { r.keyMangler = km }
}

func WithSerializer(s Serializer, d Deserializer) ConfigureOption {
	return func(r *CacheRegion) {
		r.serializer = s
		r.deserializer = d
	}
}

func WithAsyncCreationRunner(runner AsyncCreationRunner) ConfigureOption {
	return func(r *CacheRegion) { r.asyncCreationRunner = runner }
}

func WithMetricsRegisterer(reg prometheus.Registerer) ConfigureOption {
	return func(r *CacheRegion) { r.registry = reg }
}

// WithProxies installs a proxy chain; the first element ends up outermost.
func WithProxies(proxies ...Proxy) ConfigureOption {
	return func(r *CacheRegion) {
		r.pendingProxies = proxies
	}
}

// Configure renders the region operational. Calling Configure on an already
// configured region returns ErrRegionAlreadyConfigured unless
// WithReplaceExistingBackend was supplied among opts.
//
// opts are applied to a staging region, never to r itself, so a rejected
// reconfiguration attempt cannot partially clobber the already-configured
// region's settings -- only once the already-configured check passes does
// Configure copy the staged fields onto r.
func (r *CacheRegion) Configure(backend Backend, opts ...ConfigureOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wasConfigured := r.configured

	staged := &CacheRegion{name: r.name}
	if dp, ok := backend.(DefaultsProvider); ok {
		staged.keyMangler = dp.DefaultKeyMangler()
		staged.serializer = dp.DefaultSerializer()
		staged.deserializer = dp.DefaultDeserializer()
	}

	for _, opt := range opts {
		opt(staged)
	}

	if wasConfigured && !staged.replaceRequested {
		return ErrRegionAlreadyConfigured
	}

	wrapped, err := wrapChain(backend, staged.pendingProxies)
	if err != nil {
		return err
	}

	r.keyMangler = staged.keyMangler
	r.serializer = staged.serializer
	r.deserializer = staged.deserializer
	r.expirationTime = staged.expirationTime
	r.expirationFunc = staged.expirationFunc
	r.asyncCreationRunner = staged.asyncCreationRunner
	r.pendingProxies = staged.pendingProxies
	r.replaceRequested = staged.replaceRequested
	r.backend = wrapped

	if staged.invalidation != nil {
		r.invalidation = staged.invalidation
	}
	if r.invalidation == nil {
		r.invalidation = newDefaultInvalidationStrategy(getNow)
	}

	r.mutexes = NewMutexRegistry(func(key any) Mutex {
		return r.backend.GetMutex(key)
	})

	if staged.registry != nil {
		r.registry = staged.registry
	}
	if r.metrics == nil {
		r.metrics = newMetricSet(r.name)
		reg := r.registry
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		r.metrics.register(reg)
	}

	r.configured = true
	return nil
}

// WithReplaceExistingBackend permits Configure to replace an already
// configured region's backend (spec §4.G: "Reconfiguration ... refused
// unless explicitly permitted").
func WithReplaceExistingBackend() ConfigureOption {
	return func(r *CacheRegion) { r.replaceRequested = true }
}

// IsConfigured reports whether Configure has succeeded at least once.
func (r *CacheRegion) IsConfigured() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.configured
}

// ActualBackend unwraps any proxy chain down to the innermost Backend.
func (r *CacheRegion) ActualBackend() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return actualBackend(r.backend)
}

// Close unregisters the region's metrics and closes its invalidation
// strategy if it holds resources (e.g. RedisPubSubInvalidationStrategy's
// subscription goroutines). Mirrors the teacher's Client.Close.
func (r *CacheRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.metrics != nil {
		reg := r.registry
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		r.metrics.unregister(reg)
	}

	if closer, ok := r.invalidation.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// KeyIsLocked reports whether key's dogpile mutex is currently held --
// i.e. a producer is regenerating it right now.
func (r *CacheRegion) KeyIsLocked(key any) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.configured {
		return false
	}
	return r.mutexes.Get(r.mangleLocked(key)).Locked()
}

func (r *CacheRegion) mangleLocked(key any) any {
	if r.keyMangler != nil {
		return r.keyMangler(key)
	}
	return key
}

func (r *CacheRegion) mangle(key any) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mangleLocked(key)
}

// resolveExpiration turns a per-call override (nil = use region default,
// NoExpirationOverride = disable for this call) into an effective
// *time.Duration, consulting ExpirationFunc fresh if one is configured and
// no override was given.
// A negative override other than NoExpirationOverride, or a negative value
// from an ExpirationFunc, is rejected with ErrValidation: Go's type system
// cannot rule out a negative time.Duration the way a dedicated type would,
// so this is the one place the spec's ValidationError row has a real call
// site.
func (r *CacheRegion) resolveExpiration(override *time.Duration) (*time.Duration, error) {
	if override != nil {
		if *override == NoExpirationOverride {
			return nil, nil
		}
		if *override < 0 {
			return nil, fmt.Errorf("dogpile: negative expiration override %s: %w", *override, ErrValidation)
		}
		d := *override
		return &d, nil
	}
	if r.expirationFunc != nil {
		d := r.expirationFunc()
		if d < 0 {
			return nil, fmt.Errorf("dogpile: expiration func returned negative duration %s: %w", d, ErrValidation)
		}
		return &d, nil
	}
	return r.expirationTime, nil
}

func (r *CacheRegion) toCachedEnvelope(cv CachedValue) (*Envelope, bool) {
	env, ok := cv.(*Envelope)
	if !ok {
		return nil, false
	}
	if !env.versionMatches() {
		return nil, false
	}
	return env, true
}

// --- serializer-pipeline-aware backend access ---

func (r *CacheRegion) serializedBackend() (SerializedBackend, bool) {
	if r.serializer == nil || r.deserializer == nil {
		return nil, false
	}
	sb, ok := r.backend.(SerializedBackend)
	return sb, ok
}

func (r *CacheRegion) backendGet(ctx context.Context, key any) (CachedValue, error) {
	if sb, ok := r.serializedBackend(); ok {
		data, found, err := sb.GetSerialized(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			return NoValue, nil
		}
		return decodeEnvelope(data, r.deserializer)
	}
	return r.backend.Get(ctx, key)
}

func (r *CacheRegion) backendGetMulti(ctx context.Context, keys []any) ([]CachedValue, error) {
	if sb, ok := r.serializedBackend(); ok {
		datas, founds, err := sb.GetMultiSerialized(ctx, keys)
		if err != nil {
			return nil, err
		}
		out := make([]CachedValue, len(keys))
		for i := range keys {
			if !founds[i] {
				out[i] = NoValue
				continue
			}
			cv, err := decodeEnvelope(datas[i], r.deserializer)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	}
	return r.backend.GetMulti(ctx, keys)
}

func (r *CacheRegion) backendSet(ctx context.Context, key any, env *Envelope) error {
	if sb, ok := r.serializedBackend(); ok {
		data, err := encodeEnvelope(env, r.serializer)
		if err != nil {
			return err
		}
		return sb.SetSerialized(ctx, key, data)
	}
	return r.backend.Set(ctx, key, env)
}

func (r *CacheRegion) backendSetMulti(ctx context.Context, mapping map[any]*Envelope) error {
	if len(mapping) == 0 {
		return nil
	}
	if sb, ok := r.serializedBackend(); ok {
		out := make(map[any][]byte, len(mapping))
		for k, env := range mapping {
			data, err := encodeEnvelope(env, r.serializer)
			if err != nil {
				return err
			}
			out[k] = data
		}
		return sb.SetMultiSerialized(ctx, out)
	}
	return r.backend.SetMulti(ctx, mapping)
}

// --- Get / GetMulti / GetValueMetadata ---

// GetOption customizes Get/GetMulti/GetValueMetadata.
type GetOption func(*getOptions)

type getOptions struct {
	expiration       *time.Duration
	ignoreExpiration bool
}

func WithGetExpiration(d time.Duration) GetOption {
	return func(o *getOptions) { o.expiration = &d }
}

func WithIgnoreExpiration() GetOption {
	return func(o *getOptions) { o.ignoreExpiration = true }
}

func (r *CacheRegion) applyGetOptions(opts []GetOption) *getOptions {
	o := &getOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// freshEnvelope applies the expiration + invalidation checks of spec §4.G's
// get/get_multi (never triggers regeneration); returns (env, true) if the
// value should be surfaced to the caller.
func (r *CacheRegion) freshEnvelope(cv CachedValue, o *getOptions) (*Envelope, bool, error) {
	env, ok := r.toCachedEnvelope(cv)
	if !ok {
		return nil, false, nil
	}
	if o.ignoreExpiration {
		return env, true, nil
	}
	expiration, err := r.resolveExpiration(o.expiration)
	if err != nil {
		return nil, false, err
	}
	if expiration != nil {
		age := unixSeconds(r.now()) - env.Metadata.CreatedAt
		if age > expiration.Seconds() {
			return nil, false, nil
		}
	}
	if r.invalidation.IsInvalidated(env.Metadata.CreatedAt) {
		return nil, false, nil
	}
	return env, true, nil
}

// Get returns the payload for key, or NoValue if absent/stale/invalidated.
// It never triggers regeneration.
func (r *CacheRegion) Get(ctx context.Context, key any, opts ...GetOption) (any, error) {
	if !r.IsConfigured() {
		return nil, ErrRegionNotConfigured
	}
	o := r.applyGetOptions(opts)
	mangled := r.mangle(key)
	cv, err := r.backendGet(ctx, mangled)
	if err != nil {
		return nil, err
	}
	env, ok, err := r.freshEnvelope(cv, o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return NoValue, nil
	}
	return env.Payload, nil
}

// GetValueMetadata is Get, but returns the whole *Envelope (nil if absent)
// so callers can inspect CreatedAt.
func (r *CacheRegion) GetValueMetadata(ctx context.Context, key any, opts ...GetOption) (*Envelope, error) {
	if !r.IsConfigured() {
		return nil, ErrRegionNotConfigured
	}
	o := r.applyGetOptions(opts)
	mangled := r.mangle(key)
	cv, err := r.backendGet(ctx, mangled)
	if err != nil {
		return nil, err
	}
	env, ok, err := r.freshEnvelope(cv, o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return env, nil
}

// GetMulti is the batched analogue of Get. An empty keys slice returns an
// empty slice without touching the backend (spec §8 invariant 7). Mangling
// preserves order.
func (r *CacheRegion) GetMulti(ctx context.Context, keys []any, opts ...GetOption) ([]any, error) {
	if !r.IsConfigured() {
		return nil, ErrRegionNotConfigured
	}
	if len(keys) == 0 {
		return []any{}, nil
	}
	o := r.applyGetOptions(opts)
	mangled := make([]any, len(keys))
	for i, k := range keys {
		mangled[i] = r.mangle(k)
	}
	cvs, err := r.backendGetMulti(ctx, mangled)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(keys))
	for i, cv := range cvs {
		env, ok, err := r.freshEnvelope(cv, o)
		if err != nil {
			return nil, err
		}
		if !ok {
			out[i] = NoValue
			continue
		}
		out[i] = env.Payload
	}
	return out, nil
}

// --- Set / SetMulti / Delete / DeleteMulti ---

// Set wraps payload in a fresh envelope and writes it to the backend.
func (r *CacheRegion) Set(ctx context.Context, key any, payload any) error {
	if !r.IsConfigured() {
		return ErrRegionNotConfigured
	}
	mangled := r.mangle(key)
	env := newEnvelope(payload, r.now())
	return r.backendSet(ctx, mangled, env)
}

// SetMulti writes every key/payload pair, sharing a single creation time
// across the whole batch for consistency (spec §4.G).
func (r *CacheRegion) SetMulti(ctx context.Context, mapping map[any]any) error {
	if !r.IsConfigured() {
		return ErrRegionNotConfigured
	}
	if len(mapping) == 0 {
		return nil
	}
	now := r.now()
	out := make(map[any]*Envelope, len(mapping))
	for k, v := range mapping {
		out[r.mangle(k)] = newEnvelope(v, now)
	}
	return r.backendSetMulti(ctx, out)
}

// Delete idempotently removes key.
func (r *CacheRegion) Delete(ctx context.Context, key any) error {
	if !r.IsConfigured() {
		return ErrRegionNotConfigured
	}
	return r.backend.Delete(ctx, r.mangle(key))
}

// DeleteMulti idempotently removes keys; an empty slice is a no-op.
func (r *CacheRegion) DeleteMulti(ctx context.Context, keys []any) error {
	if !r.IsConfigured() {
		return ErrRegionNotConfigured
	}
	if len(keys) == 0 {
		return nil
	}
	mangled := make([]any, len(keys))
	for i, k := range keys {
		mangled[i] = r.mangle(k)
	}
	return r.backend.DeleteMulti(ctx, mangled)
}

// Invalidate sets the region's invalidation barrier to now, in hard or soft
// mode.
func (r *CacheRegion) Invalidate(hard bool) {
	r.mu.RLock()
	inv := r.invalidation
	r.mu.RUnlock()
	inv.Invalidate(hard)
}

// --- GetOrCreate ---

// GetOrCreateOption customizes GetOrCreate.
type GetOrCreateOption func(*getOrCreateOptions)

type getOrCreateOptions struct {
	expiration    *time.Duration
	shouldCacheFn func(any) bool
}

// WithCreateExpiration overrides the region's expiration for this call only.
// Pass NoExpirationOverride to disable expiration for just this call.
func WithCreateExpiration(d time.Duration) GetOrCreateOption {
	return func(o *getOrCreateOptions) { o.expiration = &d }
}

// WithShouldCacheFn installs a predicate deciding whether a freshly created
// value is persisted; the value is always returned to the caller regardless.
func WithShouldCacheFn(fn func(any) bool) GetOrCreateOption {
	return func(o *getOrCreateOptions) { o.shouldCacheFn = fn }
}

// GetOrCreate is the central dogpile-coordinated operation of spec §4.F/§4.G.
func (r *CacheRegion) GetOrCreate(ctx context.Context, key any, creator func() (any, error), opts ...GetOrCreateOption) (any, error) {
	if !r.IsConfigured() {
		return nil, ErrRegionNotConfigured
	}
	o := &getOrCreateOptions{}
	for _, opt := range opts {
		opt(o)
	}

	start := r.now()
	ctx, span := startSpan(ctx, "get_or_create", key)
	defer span.End()

	mangled := r.mangle(key)
	expiration, err := r.resolveExpiration(o.expiration)
	if err != nil {
		return nil, err
	}

	genValue := r.buildGenValue(ctx, mangled, creator, expiration, o.shouldCacheFn)

	getValue := func() (any, float64, error) {
		cv, err := r.backendGet(ctx, mangled)
		if err != nil {
			return nil, 0, err
		}
		env, ok := r.toCachedEnvelope(cv)
		if !ok {
			return nil, 0, errNeedRegeneration
		}
		if r.invalidation.IsHardInvalidated(env.Metadata.CreatedAt) {
			return nil, 0, errNeedRegeneration
		}
		ct := env.Metadata.CreatedAt
		if r.invalidation.IsSoftInvalidated(ct) {
			if expiration == nil {
				return nil, 0, ErrSoftInvalidationNoExpiration
			}
			ct = unixSeconds(r.now()) - expiration.Seconds() - 0.0001
		}
		return env.Payload, ct, nil
	}

	var async asyncCreator
	if r.asyncCreationRunner != nil {
		runner := r.asyncCreationRunner
		// The async runner's work must outlive this call: GetOrCreate may
		// return to an HTTP handler whose request context is canceled the
		// instant the handler returns, long before a detached goroutine gets
		// around to running genValue. Detach so that cancellation never
		// reaches the background regeneration.
		detachedCtx := context.WithoutCancel(ctx)
		asyncGenValue := r.buildGenValue(detachedCtx, mangled, creator, expiration, o.shouldCacheFn)
		async = func(mutex Mutex) {
			annotate(span, "async-regeneration-started")
			runner(detachedCtx, r, key, func() (any, error) {
				payload, _, err := asyncGenValue()
				return payload, err
			}, mutex)
		}
	}

	lock := &dogpileLock{
		mutex:          r.mutexes.Get(mangled),
		getValue:       getValue,
		genValue:       genValue,
		expirationTime: expiration,
		asyncCreator:   async,
		now:            r.now,
	}

	payload, oc, err := lock.run()
	if err != nil {
		r.metrics.Error.WithLabelValues("get_or_create").Inc()
		return nil, fmt.Errorf("dogpile: get_or_create %v: %w", key, err)
	}
	r.metrics.recordOutcome(oc, unixSeconds(start)*1000, unixSeconds(r.now())*1000)
	return payload, nil
}

// buildGenValue returns the synchronous "create + persist" step shared by
// GetOrCreate's sync and async paths.
func (r *CacheRegion) buildGenValue(ctx context.Context, mangledKey any, creator func() (any, error), expiration *time.Duration, shouldCacheFn func(any) bool) valueGenerator {
	return func() (any, float64, error) {
		created, err := creator()
		if err != nil {
			return nil, 0, err
		}
		if expiration == nil && r.invalidation.WasSoftInvalidated() {
			return nil, 0, ErrSoftInvalidationNoExpiration
		}
		env := newEnvelope(created, r.now())
		if shouldCacheFn == nil || shouldCacheFn(created) {
			if err := r.backendSet(ctx, mangledKey, env); err != nil {
				log.Err(err).Msgf("dogpile: failed to persist regenerated value for key %v", mangledKey)
			}
		}
		return env.Payload, env.Metadata.CreatedAt, nil
	}
}

// --- GetOrCreateMulti ---

// MultiCreator produces fresh values for exactly the keys that need
// regeneration, in the same order, given the sorted, deduplicated original
// (unmangled) keys that were selected.
type MultiCreator func(keys []any) ([]any, error)

// GetOrCreateMulti is the multi-key analogue of GetOrCreate (spec §4.G).
// Mutexes are acquired in sorted-key order to prevent deadlock between
// concurrent multi-key calls on overlapping key sets (spec §5/§8 invariant
// 8), tracked in an explicit acquired-set rather than via a side-effect
// callback threaded through the single-key Lock (DESIGN.md's Open Question
// decision).
func (r *CacheRegion) GetOrCreateMulti(ctx context.Context, keys []any, creator MultiCreator, opts ...GetOrCreateOption) ([]any, error) {
	if !r.IsConfigured() {
		return nil, ErrRegionNotConfigured
	}
	if len(keys) == 0 {
		return []any{}, nil
	}
	o := &getOrCreateOptions{}
	for _, opt := range opts {
		opt(o)
	}

	start := r.now()
	ctx, span := startSpan(ctx, "get_or_create_multi", nil)
	defer span.End()

	expiration, err := r.resolveExpiration(o.expiration)
	if err != nil {
		return nil, err
	}

	uniqueOrig := dedupeSortedAny(keys)
	mangledOf := make(map[any]any, len(uniqueOrig))
	mangled := make([]any, len(uniqueOrig))
	for i, k := range uniqueOrig {
		m := r.mangle(k)
		mangledOf[k] = m
		mangled[i] = m
	}

	cvs, err := r.backendGetMulti(ctx, mangled)
	if err != nil {
		return nil, err
	}
	values := make(map[any]CachedValue, len(mangled))
	for i, m := range mangled {
		values[m] = cvs[i]
	}

	type acquired struct {
		origKey any
		mangled any
		mutex   Mutex
	}
	var toRegenerate []acquired
	released := make(map[any]bool)

	releaseAll := func() {
		for _, a := range toRegenerate {
			if !released[a.mangled] {
				a.mutex.Release()
				released[a.mangled] = true
			}
		}
	}
	defer releaseAll()

	for _, origKey := range uniqueOrig {
		m := mangledOf[origKey]
		cv := values[m]
		needsRegen := false

		env, ok := r.toCachedEnvelope(cv)
		if !ok {
			needsRegen = true
		} else {
			ct := env.Metadata.CreatedAt
			if r.invalidation.IsHardInvalidated(ct) {
				needsRegen = true
			} else if r.invalidation.IsSoftInvalidated(ct) {
				if expiration == nil {
					return nil, ErrSoftInvalidationNoExpiration
				}
				needsRegen = true
			} else if expiration != nil {
				age := unixSeconds(r.now()) - ct
				if age >= expiration.Seconds() {
					needsRegen = true
				}
			}
		}
		if !needsRegen {
			continue
		}

		mutex := r.mutexes.Get(m)
		if !mutex.Acquire(false) {
			// Another producer is already regenerating this key. It is
			// not waited for and not re-read: the result slot gets what
			// `values` already holds, the stale payload or, on a cold
			// miss, NoValue.
			continue
		}
		toRegenerate = append(toRegenerate, acquired{origKey: origKey, mangled: m, mutex: mutex})
	}

	if len(toRegenerate) > 0 {
		// toRegenerate is already in sorted-key acquisition order: the loop
		// above walks uniqueOrig, which dedupeSortedAny produced in sorted
		// order, and acquires each mutex as it goes (spec §5/§8 invariant 8).
		regenKeys := make([]any, len(toRegenerate))
		for i, a := range toRegenerate {
			regenKeys[i] = a.origKey
		}

		annotate(span, "regenerating")
		created, err := creator(regenKeys)
		if err != nil {
			r.metrics.Error.WithLabelValues("get_or_create_multi").Inc()
			return nil, fmt.Errorf("dogpile: get_or_create_multi creator: %w", err)
		}
		if len(created) != len(regenKeys) {
			return nil, fmt.Errorf("dogpile: creator returned %d values for %d keys", len(created), len(regenKeys))
		}

		if expiration == nil && r.invalidation.WasSoftInvalidated() {
			return nil, ErrSoftInvalidationNoExpiration
		}

		now := r.now()
		toPersist := make(map[any]*Envelope, len(toRegenerate))
		for i, a := range toRegenerate {
			env := newEnvelope(created[i], now)
			values[a.mangled] = env
			if o.shouldCacheFn == nil || o.shouldCacheFn(created[i]) {
				toPersist[a.mangled] = env
			}
		}
		if err := r.backendSetMulti(ctx, toPersist); err != nil {
			log.Err(err).Msg("dogpile: failed to persist regenerated values for get_or_create_multi")
		}
	}

	// One outcome per batch, not per key: the whole call either needed a
	// regeneration round or was served entirely from already-fresh entries.
	batchOutcome := outcomeFresh
	if len(toRegenerate) > 0 {
		batchOutcome = outcomeRegenerated
	}
	r.metrics.recordOutcome(batchOutcome, unixSeconds(start)*1000, unixSeconds(r.now())*1000)

	out := make([]any, len(keys))
	for i, k := range keys {
		m := r.mangle(k)
		cv := values[m]
		if env, ok := r.toCachedEnvelope(cv); ok {
			out[i] = env.Payload
		} else {
			out[i] = NoValue
		}
	}
	return out, nil
}

func dedupeSortedAny(keys []any) []any {
	seen := make(map[any]bool, len(keys))
	var uniq []string
	byRepr := make(map[string]any, len(keys))
	for _, k := range keys {
		repr := fmt.Sprint(k)
		if seen[repr] {
			continue
		}
		seen[repr] = true
		uniq = append(uniq, repr)
		byRepr[repr] = k
	}
	sort.Strings(uniq)
	out := make([]any, len(uniq))
	for i, repr := range uniq {
		out[i] = byRepr[repr]
	}
	return out
}
