// Package ledger is the durable, append-only attestation event store.
//
// Append is the only mutation. Optimistic concurrency per chain: an append
// whose prevHash no longer matches the chain head is rejected with
// ErrStaleChain and the caller re-reads and retries — the chain must never
// fork. Reads never block writers and may be slightly stale but are always
// internally consistent.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gatewright/gatewright/pkg/attest"
)

var (
	// ErrStaleChain: a concurrent append advanced the chain first. Always
	// retryable after re-reading the head.
	ErrStaleChain = errors.New("ledger: stale chain head")

	// ErrInvalidSignature: the event's signature or content hash does not
	// verify. Never retryable.
	ErrInvalidSignature = errors.New("ledger: event signature invalid")

	// ErrNotFound: no events share the given correlation keys.
	ErrNotFound = errors.New("ledger: chain not found")
)

// AppendFailure wraps a storage failure that survived the retry budget.
// A silently dropped event is the worst failure mode in this system; this
// error is always escalated to a fatal alert before being returned.
type AppendFailure struct {
	Attempts int
	Err      error
}

func (e *AppendFailure) Error() string {
	return fmt.Sprintf("ledger: append failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AppendFailure) Unwrap() error { return e.Err }

// Store is the storage backend. AppendCAS must atomically compare the chain
// head against expectHead and insert, returning ErrStaleChain on mismatch.
type Store interface {
	AppendCAS(ctx context.Context, e *attest.Event, expectHead string) error
	Events(ctx context.Context, keys attest.CorrelationKeys) ([]*attest.Event, error)
	Head(ctx context.Context, keys attest.CorrelationKeys) (string, error)
	SetHold(ctx context.Context, contentHash string, hold bool) error
}

// Invalidator is notified after every successful append so derived chain
// views can be dropped. pkg/cache implements it; a nil invalidator is fine.
type Invalidator interface {
	Invalidate(ctx context.Context, keys attest.CorrelationKeys)
}

// Ledger is the append-only event service over a Store.
type Ledger struct {
	store       Store
	stagePolicy attest.StagePolicy
	invalidator Invalidator
	clock       func() time.Time
}

// New creates a ledger over store using the default stage policy.
func New(store Store) *Ledger {
	return &Ledger{
		store:       store,
		stagePolicy: attest.DefaultStagePolicy(),
		clock:       time.Now,
	}
}

// WithStagePolicy sets the required-stage policy used by GetChain.
func (l *Ledger) WithStagePolicy(p attest.StagePolicy) *Ledger {
	l.stagePolicy = p
	return l
}

// WithInvalidator registers a chain-view invalidator.
func (l *Ledger) WithInvalidator(inv Invalidator) *Ledger {
	l.invalidator = inv
	return l
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append validates and stores an event. Unsigned or tampered events are
// rejected before touching storage. prevHash must equal the current chain
// head; otherwise ErrStaleChain.
func (l *Ledger) Append(ctx context.Context, e *attest.Event) (*attest.Event, error) {
	if !attest.VerifyLink(e) {
		return nil, ErrInvalidSignature
	}
	if err := l.store.AppendCAS(ctx, e, e.PrevHash); err != nil {
		return nil, err
	}
	if l.invalidator != nil {
		l.invalidator.Invalidate(ctx, e.Keys)
	}
	return e, nil
}

// Head returns the current chain head for the given keys (RootSentinel for
// an empty chain).
func (l *Ledger) Head(ctx context.Context, keys attest.CorrelationKeys) (string, error) {
	return l.store.Head(ctx, keys)
}

// GetChain recomputes the chain view for the given keys: all events sharing
// at least one correlation key, in timestamp order, with completeness
// evaluated against the stage policy and the current clock.
func (l *Ledger) GetChain(ctx context.Context, keys attest.CorrelationKeys) (*attest.Chain, error) {
	events, err := l.store.Events(ctx, keys)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	status, gap := attest.ComputeCompleteness(events, l.stagePolicy, l.clock().UTC())
	return &attest.Chain{Key: keys, Events: events, Completeness: status, Gap: gap}, nil
}

// Hold marks an event for legal hold. Marks never alter chain content; the
// event stays exactly where it is.
func (l *Ledger) Hold(ctx context.Context, contentHash string) error {
	return l.store.SetHold(ctx, contentHash, true)
}

// ReleaseHold clears a legal-hold mark.
func (l *Ledger) ReleaseHold(ctx context.Context, contentHash string) error {
	return l.store.SetHold(ctx, contentHash, false)
}
