package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/gatewright/gatewright/pkg/attest"
)

// MemoryStore is the in-process Store. Appends are serialized by a mutex;
// the compare-and-swap on the chain head still applies, so racing callers
// observe exactly the ErrStaleChain semantics of the durable backends.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*attest.Event
	byHash map[string]*attest.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: make(map[string]*attest.Event)}
}

func (s *MemoryStore) AppendCAS(_ context.Context, e *attest.Event, expectHead string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byHash[e.ContentHash]; dup {
		return fmt.Errorf("ledger: duplicate content hash %s", e.ContentHash)
	}
	if head := s.headLocked(e.Keys); head != expectHead {
		return fmt.Errorf("%w: head is %s, expected %s", ErrStaleChain, head, expectHead)
	}

	stored := *e
	s.events = append(s.events, &stored)
	s.byHash[stored.ContentHash] = &stored
	return nil
}

func (s *MemoryStore) Events(_ context.Context, keys attest.CorrelationKeys) ([]*attest.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*attest.Event
	for _, e := range s.events {
		if e.Keys.SharesKey(keys) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Head(_ context.Context, keys attest.CorrelationKeys) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headLocked(keys), nil
}

func (s *MemoryStore) SetHold(_ context.Context, contentHash string, hold bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byHash[contentHash]
	if !ok {
		return fmt.Errorf("ledger: event %s not found", contentHash)
	}
	e.LegalHold = hold
	return nil
}

// headLocked returns the content hash of the most recent event sharing a
// correlation key. Append order defines recency.
func (s *MemoryStore) headLocked(keys attest.CorrelationKeys) string {
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Keys.SharesKey(keys) {
			return s.events[i].ContentHash
		}
	}
	return attest.RootSentinel
}
