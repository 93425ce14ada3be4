package attest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewright/gatewright/pkg/attest"
	"github.com/gatewright/gatewright/pkg/crypto"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newSigner(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519Signer("test-key")
	require.NoError(t, err)
	return s
}

func mkChain(t *testing.T, signer *crypto.Ed25519Signer, kinds []attest.Kind, step time.Duration) []*attest.Event {
	t.Helper()
	keys := attest.CorrelationKeys{ReleaseID: "rel-1"}
	prev := attest.RootSentinel
	events := make([]*attest.Event, 0, len(kinds))
	for i, k := range kinds {
		e, err := attest.NewEvent(k, map[string]any{"stage": string(k)}, keys, prev, signer, t0.Add(time.Duration(i)*step))
		require.NoError(t, err)
		events = append(events, e)
		prev = e.ContentHash
	}
	return events
}

func TestNewEvent_VerifyLink(t *testing.T) {
	signer := newSigner(t)
	e, err := attest.NewEvent(attest.KindBuilt, map[string]any{"artifact": "sha256:aa"},
		attest.CorrelationKeys{ReleaseID: "rel-1"}, attest.RootSentinel, signer, t0)
	require.NoError(t, err)

	assert.True(t, attest.VerifyLink(e))

	tampered := *e
	tampered.PrevHash = "sha256:feed"
	assert.False(t, attest.VerifyLink(&tampered))

	forged := *e
	forged.Payload = []byte(`{"artifact":"sha256:bb"}`)
	assert.False(t, attest.VerifyLink(&forged))
}

func TestOrderByLinks(t *testing.T) {
	signer := newSigner(t)
	events := mkChain(t, signer, []attest.Kind{attest.KindBuilt, attest.KindPolicyEvaluated, attest.KindSigned}, time.Minute)

	// Shuffle and reorder.
	shuffled := []*attest.Event{events[2], events[0], events[1]}
	ordered, err := attest.OrderByLinks(shuffled)
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	assert.Equal(t, attest.KindBuilt, ordered[0].Kind)
	assert.Equal(t, attest.KindSigned, ordered[2].Kind)
}

func TestOrderByLinks_DetectsFork(t *testing.T) {
	signer := newSigner(t)
	events := mkChain(t, signer, []attest.Kind{attest.KindBuilt, attest.KindPolicyEvaluated}, time.Minute)

	// A second event claiming the same predecessor is a fork.
	fork, err := attest.NewEvent(attest.KindSigned, map[string]any{"forged": true},
		events[0].Keys, events[0].ContentHash, signer, t0.Add(time.Hour))
	require.NoError(t, err)

	_, err = attest.OrderByLinks(append(events, fork))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fork")
}

func TestComputeCompleteness(t *testing.T) {
	signer := newSigner(t)
	policy := attest.DefaultStagePolicy()
	all := []attest.Kind{
		attest.KindBuilt, attest.KindPolicyEvaluated, attest.KindSigned,
		attest.KindLogged, attest.KindDeployed, attest.KindRuntimeVerified,
	}

	t.Run("complete", func(t *testing.T) {
		events := mkChain(t, signer, all, time.Minute)
		status, _ := attest.ComputeCompleteness(events, policy, t0.Add(24*time.Hour))
		assert.Equal(t, attest.ChainComplete, status)
	})

	t.Run("open within window", func(t *testing.T) {
		events := mkChain(t, signer, all[:2], time.Minute)
		status, _ := attest.ComputeCompleteness(events, policy, t0.Add(30*time.Minute))
		assert.Equal(t, attest.ChainOpen, status)
	})

	t.Run("gapped past deadline", func(t *testing.T) {
		events := mkChain(t, signer, all[:2], time.Minute)
		status, gap := attest.ComputeCompleteness(events, policy, t0.Add(3*time.Hour))
		assert.Equal(t, attest.ChainGapped, status)
		assert.Contains(t, gap, string(attest.KindSigned))
	})

	t.Run("empty chain is open", func(t *testing.T) {
		status, _ := attest.ComputeCompleteness(nil, policy, t0)
		assert.Equal(t, attest.ChainOpen, status)
	})

	// Gap detection is pure: same inputs, same answer, regardless of when
	// it runs.
	t.Run("pure over now", func(t *testing.T) {
		events := mkChain(t, signer, all[:3], time.Minute)
		s1, _ := attest.ComputeCompleteness(events, policy, t0.Add(3*time.Hour))
		s2, _ := attest.ComputeCompleteness(events, policy, t0.Add(3*time.Hour))
		assert.Equal(t, s1, s2)
	})
}

func TestCorrelationKeys_SharesKey(t *testing.T) {
	a := attest.CorrelationKeys{ReleaseID: "rel-1"}
	b := attest.CorrelationKeys{ReleaseID: "rel-1", DeployRev: "r9"}
	c := attest.CorrelationKeys{DeployRev: "r9"}
	empty := attest.CorrelationKeys{}

	assert.True(t, a.SharesKey(b))
	assert.True(t, b.SharesKey(c))
	assert.False(t, a.SharesKey(c))
	assert.False(t, empty.SharesKey(empty))
}
