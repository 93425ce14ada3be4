// Package evidence assembles sealed, portable evidence bundles: everything
// an air-gapped verifier needs to independently re-derive a release decision
// and re-check its attestation chain.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gatewright/gatewright/pkg/attest"
	"github.com/gatewright/gatewright/pkg/canonical"
	"github.com/gatewright/gatewright/pkg/crypto"
	"github.com/gatewright/gatewright/pkg/ledger"
	"github.com/gatewright/gatewright/pkg/policy"
)

// Bundle is a sealed evidence package for one release decision. It embeds
// the exact policy document rather than a digest reference so verification
// needs no network and no shared store.
type Bundle struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ReleaseContext *policy.ReleaseContext `json:"release_context"`
	Decision       *policy.Decision       `json:"decision"`
	PolicyDoc      json.RawMessage        `json:"policy_doc"`

	Events       []*attest.Event     `json:"events"`
	StagePolicy  attest.StagePolicy  `json:"stage_policy"`
	Completeness attest.Completeness `json:"completeness"`

	BundleHash      string `json:"bundle_hash"`
	SignerKeyID     string `json:"signer_key_id"`
	SignerPublicKey string `json:"signer_public_key"`
	Signature       string `json:"signature"`
}

// ChainReader is the slice of the ledger the exporter needs.
type ChainReader interface {
	GetChain(ctx context.Context, keys attest.CorrelationKeys) (*attest.Chain, error)
}

// Exporter assembles and seals bundles from live system state.
type Exporter struct {
	chains      ChainReader
	signer      crypto.Signer
	stagePolicy attest.StagePolicy
	clock       func() time.Time
}

func NewExporter(chains ChainReader, signer crypto.Signer) *Exporter {
	return &Exporter{
		chains:      chains,
		signer:      signer,
		stagePolicy: attest.DefaultStagePolicy(),
		clock:       time.Now,
	}
}

func (e *Exporter) WithStagePolicy(p attest.StagePolicy) *Exporter {
	e.stagePolicy = p
	return e
}

func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export pulls the full chain for keys and seals it together with the
// decision, its release context and the exact policy document the decision
// was evaluated against.
func (e *Exporter) Export(ctx context.Context, keys attest.CorrelationKeys,
	rc *policy.ReleaseContext, d *policy.Decision, policyDoc []byte) (*Bundle, error) {

	if e.signer == nil {
		return nil, errors.New("evidence: exporter has no signing key, refusing to emit unsealed bundles")
	}
	if d == nil || rc == nil {
		return nil, errors.New("evidence: export needs both a decision and its release context")
	}
	if !json.Valid(policyDoc) {
		return nil, errors.New("evidence: policy document is not valid JSON")
	}

	chain, err := e.chains.GetChain(ctx, keys)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			chain = &attest.Chain{Key: keys}
		} else {
			return nil, fmt.Errorf("evidence: load chain for export: %w", err)
		}
	}

	b := &Bundle{
		ID:             uuid.New().String(),
		CreatedAt:      e.clock().UTC(),
		ReleaseContext: rc,
		Decision:       d,
		PolicyDoc:      policyDoc,
		Events:         chain.Events,
		StagePolicy:    e.stagePolicy,
		Completeness:   chain.Completeness,
	}
	if err := b.seal(e.signer); err != nil {
		return nil, err
	}
	return b, nil
}

// seal computes the content hash over the canonical form of the bundle with
// its seal fields cleared, then signs that hash.
func (b *Bundle) seal(signer crypto.Signer) error {
	hash, err := b.contentHash()
	if err != nil {
		return err
	}
	sig, err := signer.Sign([]byte(hash))
	if err != nil {
		return fmt.Errorf("evidence: seal signature failed: %w", err)
	}
	b.BundleHash = hash
	b.SignerKeyID = signer.KeyID()
	b.SignerPublicKey = signer.PublicKey()
	b.Signature = sig
	return nil
}

func (b *Bundle) contentHash() (string, error) {
	unsealed := *b
	unsealed.BundleHash = ""
	unsealed.SignerKeyID = ""
	unsealed.SignerPublicKey = ""
	unsealed.Signature = ""
	hash, err := canonical.Hash(&unsealed)
	if err != nil {
		return "", fmt.Errorf("evidence: canonical bundle hash: %w", err)
	}
	return hash, nil
}

// VerifySeal recomputes the content hash and checks the detached signature.
func (b *Bundle) VerifySeal() error {
	hash, err := b.contentHash()
	if err != nil {
		return err
	}
	if hash != b.BundleHash {
		return fmt.Errorf("evidence: bundle hash mismatch: sealed %s, recomputed %s", b.BundleHash, hash)
	}
	ok, err := crypto.Verify(b.SignerPublicKey, b.Signature, []byte(hash))
	if err != nil {
		return fmt.Errorf("evidence: seal verification: %w", err)
	}
	if !ok {
		return errors.New("evidence: bundle signature does not verify")
	}
	return nil
}

// Encode serializes the sealed bundle for transport.
func (b *Bundle) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("evidence: encode bundle: %w", err)
	}
	return data, nil
}

// Open decodes a transported bundle and verifies its seal before returning
// it. A tampered bundle never reaches the caller.
func Open(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("evidence: decode bundle: %w", err)
	}
	if err := b.VerifySeal(); err != nil {
		return nil, err
	}
	return &b, nil
}
