package policy

import (
	"fmt"
	"sync"
)

// Store holds immutable bundles keyed by digest and publishes one "active"
// bundle per policy domain. Publication swaps a pointer under the lock —
// readers always see either the old bundle or the new one, never a partial
// update — and never mutates a stored bundle.
type Store struct {
	mu      sync.RWMutex
	bundles map[string]*Bundle // digest -> bundle
	active  map[string]*Bundle // domain -> bundle
}

// NewStore creates an empty bundle store.
func NewStore() *Store {
	return &Store{
		bundles: make(map[string]*Bundle),
		active:  make(map[string]*Bundle),
	}
}

// Put registers a bundle by digest. Idempotent: re-putting the same digest
// is a no-op.
func (s *Store) Put(b *Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bundles[b.Digest()]; !ok {
		s.bundles[b.Digest()] = b
	}
}

// Get returns the bundle with the given digest.
func (s *Store) Get(digest string) (*Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[digest]
	if !ok {
		return nil, fmt.Errorf("policy: bundle %s not found", digest)
	}
	return b, nil
}

// Publish stores b and makes it the active bundle for domain. The version
// must be strictly greater than the currently active bundle's version;
// republishing the identical digest is idempotent.
func (s *Store) Publish(domain string, b *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.active[domain]; ok {
		if cur.Digest() == b.Digest() {
			return nil
		}
		if !b.SemVer().GreaterThan(cur.SemVer()) {
			return fmt.Errorf("policy: version %s does not advance active %s for domain %q",
				b.Version, cur.Version, domain)
		}
	}
	s.bundles[b.Digest()] = b
	s.active[domain] = b
	return nil
}

// Active returns the active bundle for domain, or nil when none is
// published. Callers carry the returned bundle (and its digest) explicitly;
// there is no ambient "current policy" beyond this read.
func (s *Store) Active(domain string) *Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[domain]
}
