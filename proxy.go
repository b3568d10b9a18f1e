package dogpile

// Proxy is a composable wrapper around a Backend that intercepts each
// operation. A Proxy satisfies Backend itself (typically by delegating to
// whatever it wraps) plus the Wrap hook that binds it to its inner backend.
type Proxy interface {
	Backend

	// Wrap binds inner as this proxy's delegate and returns the bound
	// instance (a Proxy implementation may return itself or a fresh copy).
	Wrap(inner Backend) Proxy

	// Proxied returns the backend this proxy wraps, for actualBackend's
	// chain walk.
	Proxied() Backend
}

// wrapChain applies proxies to backend in reverse list order, so the first
// element of proxies ends up outermost (closest to the caller) -- spec §4.G.
func wrapChain(backend Backend, proxies []Proxy) (Backend, error) {
	current := backend
	for i := len(proxies) - 1; i >= 0; i-- {
		p := proxies[i]
		if p == nil {
			return nil, ErrInvalidProxy
		}
		current = p.Wrap(current)
	}
	return current, nil
}

// actualBackend walks a Proxy chain down to the innermost, non-proxy
// Backend.
func actualBackend(backend Backend) Backend {
	for {
		p, ok := backend.(Proxy)
		if !ok {
			return backend
		}
		inner := p.Proxied()
		if inner == nil {
			return backend
		}
		backend = inner
	}
}
