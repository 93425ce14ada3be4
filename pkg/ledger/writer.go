package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gatewright/gatewright/pkg/attest"
	"github.com/gatewright/gatewright/pkg/crypto"
)

// Appender is the write surface used by evidence producers. Both *Ledger
// and *RetryingAppender satisfy it.
type Appender interface {
	Append(ctx context.Context, e *attest.Event) (*attest.Event, error)
}

// Writer records signed evidence events, handling the head read and the
// re-read-and-retry loop that ErrStaleChain demands. It owns no state; the
// optimistic concurrency lives entirely in the store.
type Writer struct {
	ledger   *Ledger
	appender Appender
	signer   crypto.Signer
	clock    func() time.Time
	retries  int
}

// NewWriter builds a writer. appender is typically a RetryingAppender over
// the same ledger; passing the ledger itself skips transient-failure retry.
func NewWriter(l *Ledger, appender Appender, signer crypto.Signer) *Writer {
	return &Writer{ledger: l, appender: appender, signer: signer, clock: time.Now, retries: 5}
}

// WithClock overrides the clock for testing.
func (w *Writer) WithClock(clock func() time.Time) *Writer {
	w.clock = clock
	return w
}

// Record signs and appends an event of the given kind at the current chain
// head. On ErrStaleChain the head is re-read and the event re-signed with
// the fresh prevHash, up to the retry bound.
func (w *Writer) Record(ctx context.Context, kind attest.Kind, payload any, keys attest.CorrelationKeys) (*attest.Event, error) {
	var lastErr error
	for i := 0; i < w.retries; i++ {
		head, err := w.ledger.Head(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("ledger: read head before record: %w", err)
		}
		e, err := attest.NewEvent(kind, payload, keys, head, w.signer, w.clock().UTC())
		if err != nil {
			return nil, err
		}
		stored, err := w.appender.Append(ctx, e)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, ErrStaleChain) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("ledger: record lost %d consecutive head races: %w", w.retries, lastErr)
}
