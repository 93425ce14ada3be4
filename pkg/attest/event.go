// Package attest defines the attestation evidence model: immutable, signed,
// hash-linked events and the chain views derived from them.
//
// Events are created once and never mutated. The durable store lives in
// pkg/ledger; everything here is pure data and pure functions so the offline
// verifier can reuse it without dragging in storage.
package attest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gatewright/gatewright/pkg/canonical"
	"github.com/gatewright/gatewright/pkg/crypto"
)

// Kind is the stage an event attests.
type Kind string

// Lifecycle stage kinds.
const (
	KindBuilt           Kind = "built"
	KindPolicyEvaluated Kind = "policy-evaluated"
	KindSigned          Kind = "signed"
	KindLogged          Kind = "logged"
	KindDeployed        Kind = "deployed"
	KindRuntimeVerified Kind = "runtime-verified"
)

// Rollout control kinds, recorded by the controller as evidence of
// transitions. Terminal transitions close the chain.
const (
	KindRolloutStarted    Kind = "rollout-started"
	KindRolloutPaused     Kind = "rollout-paused"
	KindRolloutResumed    Kind = "rollout-resumed"
	KindRolloutRolledBack Kind = "rollout-rolled-back"
	KindRolloutCompleted  Kind = "rollout-completed"
)

// RootSentinel is the prevHash of the first event in a chain.
const RootSentinel = "genesis"

// CorrelationKeys identify the change an event belongs to. Any subset may be
// present at creation time; later events fill in the rest.
type CorrelationKeys struct {
	ReleaseID    string `json:"release_id,omitempty"`
	BundleDigest string `json:"bundle_digest,omitempty"`
	DeployRev    string `json:"deploy_rev,omitempty"`
}

// SharesKey reports whether two key sets overlap on at least one populated
// key.
func (k CorrelationKeys) SharesKey(other CorrelationKeys) bool {
	return (k.ReleaseID != "" && k.ReleaseID == other.ReleaseID) ||
		(k.BundleDigest != "" && k.BundleDigest == other.BundleDigest) ||
		(k.DeployRev != "" && k.DeployRev == other.DeployRev)
}

// Event is one immutable, signed, hash-linked attestation node.
// The signature covers (kind, contentHash, prevHash); the timestamp is
// advisory — ordering within a chain is defined by the prevHash links.
type Event struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Keys        CorrelationKeys `json:"keys"`
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"content_hash"`
	PrevHash    string          `json:"prev_hash"`
	Signature   string          `json:"signature"`
	SignerKeyID string          `json:"signer_key_id"`
	PublicKey   string          `json:"public_key"`
	Timestamp   time.Time       `json:"timestamp"`
	LegalHold   bool            `json:"legal_hold,omitempty"`
}

// LinkPayload is the byte string the signature covers.
func LinkPayload(kind Kind, contentHash, prevHash string) []byte {
	return []byte(fmt.Sprintf("%s\n%s\n%s", kind, contentHash, prevHash))
}

// NewEvent builds and signs an event over payload. prevHash must be the
// content hash of the current chain head, or RootSentinel for a new chain.
func NewEvent(kind Kind, payload any, keys CorrelationKeys, prevHash string, signer crypto.Signer, at time.Time) (*Event, error) {
	raw, err := canonical.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("attest: payload canonicalization failed: %w", err)
	}
	contentHash := canonical.HashBytes(raw)

	sig, err := signer.Sign(LinkPayload(kind, contentHash, prevHash))
	if err != nil {
		return nil, fmt.Errorf("attest: signing failed: %w", err)
	}

	return &Event{
		ID:          uuid.New().String(),
		Kind:        kind,
		Keys:        keys,
		Payload:     raw,
		ContentHash: contentHash,
		PrevHash:    prevHash,
		Signature:   sig,
		SignerKeyID: signer.KeyID(),
		PublicKey:   signer.PublicKey(),
		Timestamp:   at.UTC(),
	}, nil
}

// VerifyLink checks an event in isolation: the content hash matches the
// payload and the signature covers (kind, contentHash, prevHash).
func VerifyLink(e *Event) bool {
	if canonical.HashBytes(e.Payload) != e.ContentHash {
		return false
	}
	ok, err := crypto.Verify(e.PublicKey, e.Signature, LinkPayload(e.Kind, e.ContentHash, e.PrevHash))
	return err == nil && ok
}
