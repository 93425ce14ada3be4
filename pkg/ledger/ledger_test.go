package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewright/gatewright/pkg/attest"
	"github.com/gatewright/gatewright/pkg/crypto"
	"github.com/gatewright/gatewright/pkg/ledger"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newSigner(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519Signer("ledger-test-key")
	require.NoError(t, err)
	return s
}

func mkEvent(t *testing.T, signer crypto.Signer, kind attest.Kind, prev string, payload any) *attest.Event {
	t.Helper()
	e, err := attest.NewEvent(kind, payload, attest.CorrelationKeys{ReleaseID: "rel-1"}, prev, signer, t0)
	require.NoError(t, err)
	return e
}

func TestAppend_RejectsInvalidSignature(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	signer := newSigner(t)

	e := mkEvent(t, signer, attest.KindBuilt, attest.RootSentinel, map[string]any{"n": 1})
	e.Signature = "00" + e.Signature[2:] // corrupt

	_, err := l.Append(context.Background(), e)
	assert.ErrorIs(t, err, ledger.ErrInvalidSignature)
}

// TestAppend_ConcurrentRace: N racing appends on the same chain head —
// exactly one succeeds, the rest get ErrStaleChain, and the final chain has
// no branching.
func TestAppend_ConcurrentRace(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	signer := newSigner(t)
	ctx := context.Background()

	root := mkEvent(t, signer, attest.KindBuilt, attest.RootSentinel, map[string]any{"stage": "built"})
	_, err := l.Append(ctx, root)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := mkEvent(t, signer, attest.KindPolicyEvaluated, root.ContentHash, map[string]any{"racer": i})
			_, err := l.Append(ctx, e)
			results[i] = err
		}(i)
	}
	wg.Wait()

	wins, stale := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ledger.ErrStaleChain):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, stale)

	chain, err := l.GetChain(ctx, attest.CorrelationKeys{ReleaseID: "rel-1"})
	require.NoError(t, err)
	_, err = attest.OrderByLinks(chain.Events)
	assert.NoError(t, err, "surviving chain must not fork")
}

// TestAppend_StaleRetryWithRefreshedHead: the loser of a race succeeds after
// re-reading the head.
func TestAppend_StaleRetryWithRefreshedHead(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	signer := newSigner(t)
	ctx := context.Background()
	keys := attest.CorrelationKeys{ReleaseID: "rel-1"}

	root := mkEvent(t, signer, attest.KindBuilt, attest.RootSentinel, map[string]any{"stage": "built"})
	_, err := l.Append(ctx, root)
	require.NoError(t, err)

	winner := mkEvent(t, signer, attest.KindPolicyEvaluated, root.ContentHash, map[string]any{"w": 1})
	_, err = l.Append(ctx, winner)
	require.NoError(t, err)

	loser := mkEvent(t, signer, attest.KindSigned, root.ContentHash, map[string]any{"l": 1})
	_, err = l.Append(ctx, loser)
	require.ErrorIs(t, err, ledger.ErrStaleChain)

	head, err := l.Head(ctx, keys)
	require.NoError(t, err)
	retried := mkEvent(t, signer, attest.KindSigned, head, map[string]any{"l": 1, "retry": true})
	_, err = l.Append(ctx, retried)
	assert.NoError(t, err)
}

func TestGetChain_Completeness(t *testing.T) {
	now := t0
	l := ledger.New(ledger.NewMemoryStore()).WithClock(func() time.Time { return now })
	signer := newSigner(t)
	ctx := context.Background()
	keys := attest.CorrelationKeys{ReleaseID: "rel-1"}

	_, err := l.GetChain(ctx, keys)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	prev := attest.RootSentinel
	for _, k := range []attest.Kind{attest.KindBuilt, attest.KindPolicyEvaluated} {
		e := mkEvent(t, signer, k, prev, map[string]any{"stage": string(k)})
		_, err := l.Append(ctx, e)
		require.NoError(t, err)
		prev = e.ContentHash
	}

	chain, err := l.GetChain(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, attest.ChainOpen, chain.Completeness)

	now = t0.Add(6 * time.Hour)
	chain, err = l.GetChain(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, attest.ChainGapped, chain.Completeness)
	assert.Contains(t, chain.Gap, string(attest.KindSigned))
}

func TestHold_MarksWithoutAltering(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	signer := newSigner(t)
	ctx := context.Background()

	e := mkEvent(t, signer, attest.KindBuilt, attest.RootSentinel, map[string]any{"n": 1})
	_, err := l.Append(ctx, e)
	require.NoError(t, err)

	require.NoError(t, l.Hold(ctx, e.ContentHash))
	chain, err := l.GetChain(ctx, attest.CorrelationKeys{ReleaseID: "rel-1"})
	require.NoError(t, err)
	assert.True(t, chain.Events[0].LegalHold)
	assert.Equal(t, e.ContentHash, chain.Events[0].ContentHash, "hold must not alter content")

	require.NoError(t, l.ReleaseHold(ctx, e.ContentHash))
	assert.Error(t, l.Hold(ctx, "sha256:missing"))
}
