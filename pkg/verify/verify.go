// Package verify re-derives a sealed evidence bundle's claims from scratch:
// the policy decision is replayed, every chain link is re-checked, and
// completeness is recomputed.
//
// The package is deliberately offline. It trusts only Ed25519, SHA-256 and
// the canonical JSON form — never the service that produced the bundle. It
// imports no storage, no transport, no clock besides the bundle's own
// recorded evaluation time.
package verify

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gatewright/gatewright/pkg/attest"
	"github.com/gatewright/gatewright/pkg/evidence"
	"github.com/gatewright/gatewright/pkg/policy"
)

const Version = "1.0.0"

// Check names double as failure categories in auditor tooling.
const (
	CheckSeal             = "seal"
	CheckPolicyBundle     = "policy_bundle"
	CheckContextHash      = "context_hash"
	CheckPolicyDrift      = "policy_drift"
	CheckChainIntegrity   = "chain_integrity"
	CheckCompleteness     = "completeness"
	CheckDecisionRecorded = "decision_recorded"
)

// Report is the structured verification output. Every field is meant for
// auditor consumption.
type Report struct {
	BundleID   string    `json:"bundle_id"`
	BundleHash string    `json:"bundle_hash"`
	Verified   bool      `json:"verified"`
	Timestamp  time.Time `json:"timestamp"`
	Checks     []Check   `json:"checks"`
	Summary    string    `json:"summary"`
	IssueCount int       `json:"issue_count"`
	Version    string    `json:"verifier_version"`
}

// Check is one verification step's outcome.
type Check struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (r *Report) add(c Check) {
	r.Checks = append(r.Checks, c)
}

// VerifyFile opens a bundle from disk and verifies it.
func VerifyFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("verify: read bundle: %w", err)
	}
	b, err := evidence.Open(data)
	if err != nil {
		// A broken seal still yields a report: the auditor wants the
		// failure in the same structured form as every other finding.
		r := newReport("", "")
		r.add(Check{Name: CheckSeal, Pass: false, Reason: err.Error()})
		r.finish()
		return r, nil
	}
	return Verify(b), nil
}

// Verify runs every check against an already opened (seal-verified) bundle.
func Verify(b *evidence.Bundle) *Report {
	r := newReport(b.ID, b.BundleHash)

	r.add(checkSeal(b))
	bundle, pc := checkPolicyBundle(b)
	r.add(pc)
	r.add(checkContextHash(b))
	if bundle != nil {
		r.add(checkPolicyDrift(b, bundle))
	}
	ordered, cc := checkChainIntegrity(b)
	r.add(cc)
	r.add(checkCompleteness(b, ordered))
	r.add(checkDecisionRecorded(b))

	r.finish()
	return r
}

func newReport(id, hash string) *Report {
	return &Report{
		BundleID:   id,
		BundleHash: hash,
		Verified:   true,
		Timestamp:  time.Now().UTC(),
		Checks:     make([]Check, 0, 8),
		Version:    Version,
	}
}

func (r *Report) finish() {
	failed := 0
	for _, c := range r.Checks {
		if !c.Pass {
			failed++
		}
	}
	r.IssueCount = failed
	if failed > 0 {
		r.Verified = false
		r.Summary = fmt.Sprintf("FAIL: %d/%d checks failed", failed, len(r.Checks))
	} else {
		r.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(r.Checks), len(r.Checks))
	}
}

func checkSeal(b *evidence.Bundle) Check {
	if err := b.VerifySeal(); err != nil {
		return Check{Name: CheckSeal, Pass: false, Reason: err.Error()}
	}
	return Check{Name: CheckSeal, Pass: true, Detail: "bundle hash and signature verified"}
}

// checkPolicyBundle reloads the embedded policy document and confirms its
// digest is the one the decision claims to have been evaluated against.
func checkPolicyBundle(b *evidence.Bundle) (*policy.Bundle, Check) {
	bundle, err := policy.Load(b.PolicyDoc)
	if err != nil {
		return nil, Check{Name: CheckPolicyBundle, Pass: false,
			Reason: fmt.Sprintf("embedded policy document does not load: %v", err)}
	}
	if b.Decision != nil && bundle.Digest() != b.Decision.BundleDigest {
		return bundle, Check{Name: CheckPolicyBundle, Pass: false,
			Reason: fmt.Sprintf("policy digest %s does not match decision's %s",
				bundle.Digest(), b.Decision.BundleDigest)}
	}
	return bundle, Check{Name: CheckPolicyBundle, Pass: true,
		Detail: "policy document loads and matches decision digest " + bundle.Digest()}
}

func checkContextHash(b *evidence.Bundle) Check {
	if b.ReleaseContext == nil || b.Decision == nil {
		return Check{Name: CheckContextHash, Pass: false, Reason: "bundle lacks release context or decision"}
	}
	hash, err := b.ReleaseContext.Hash()
	if err != nil {
		return Check{Name: CheckContextHash, Pass: false, Reason: err.Error()}
	}
	if hash != b.Decision.ContextHash {
		return Check{Name: CheckContextHash, Pass: false,
			Reason: fmt.Sprintf("context hash %s does not match decision's %s", hash, b.Decision.ContextHash)}
	}
	return Check{Name: CheckContextHash, Pass: true, Detail: "release context hash matches decision"}
}

// checkPolicyDrift replays the decision at its recorded evaluation time. A
// byte-identical decision hash proves the recorded outcome is exactly what
// this policy produces for this context — anything else is drift.
func checkPolicyDrift(b *evidence.Bundle, bundle *policy.Bundle) Check {
	if b.Decision == nil {
		return Check{Name: CheckPolicyDrift, Pass: false, Reason: "bundle lacks a decision to replay"}
	}
	replayed, err := policy.EvaluateAt(b.ReleaseContext, bundle, b.Decision.EvalTime)
	if err != nil {
		return Check{Name: CheckPolicyDrift, Pass: false,
			Reason: fmt.Sprintf("replay failed: %v", err)}
	}
	if replayed.Allow != b.Decision.Allow {
		return Check{Name: CheckPolicyDrift, Pass: false,
			Reason: fmt.Sprintf("replayed allow=%t, recorded allow=%t", replayed.Allow, b.Decision.Allow)}
	}
	if replayed.DecisionHash != b.Decision.DecisionHash {
		return Check{Name: CheckPolicyDrift, Pass: false,
			Reason: fmt.Sprintf("replayed decision hash %s, recorded %s",
				replayed.DecisionHash, b.Decision.DecisionHash)}
	}
	return Check{Name: CheckPolicyDrift, Pass: true, Detail: "decision replays byte-identically"}
}

// checkChainIntegrity walks the prevHash links and re-verifies every event
// signature. The first broken link is named precisely; the ordered chain is
// returned for the completeness check.
func checkChainIntegrity(b *evidence.Bundle) ([]*attest.Event, Check) {
	if len(b.Events) == 0 {
		return nil, Check{Name: CheckChainIntegrity, Pass: true, Detail: "empty chain"}
	}

	for _, e := range b.Events {
		if !attest.VerifyLink(e) {
			return nil, Check{Name: CheckChainIntegrity, Pass: false,
				Reason: fmt.Sprintf("event %s (%s) fails link verification: content hash or signature invalid", e.ID, e.Kind)}
		}
	}

	ordered, err := attest.OrderByLinks(b.Events)
	if err != nil {
		return nil, Check{Name: CheckChainIntegrity, Pass: false, Reason: err.Error()}
	}
	if ordered[0].PrevHash != attest.RootSentinel {
		return nil, Check{Name: CheckChainIntegrity, Pass: false,
			Reason: fmt.Sprintf("chain root %s has prev hash %s, want %s",
				ordered[0].ID, ordered[0].PrevHash, attest.RootSentinel)}
	}
	return ordered, Check{Name: CheckChainIntegrity, Pass: true,
		Detail: fmt.Sprintf("%d events form an unbroken signed chain", len(ordered))}
}

// checkCompleteness recomputes stage completeness from the events alone,
// judged at the bundle's export time, and compares it to the recorded one.
func checkCompleteness(b *evidence.Bundle, ordered []*attest.Event) Check {
	events := ordered
	if events == nil {
		events = b.Events
	}
	got, gap := attest.ComputeCompleteness(events, b.StagePolicy, b.CreatedAt)
	if got != b.Completeness {
		reason := fmt.Sprintf("recomputed completeness %q, bundle claims %q", got, b.Completeness)
		if gap != "" {
			reason += " (" + gap + ")"
		}
		return Check{Name: CheckCompleteness, Pass: false, Reason: reason}
	}
	detail := "completeness " + string(got) + " confirmed"
	if gap != "" {
		detail += ": " + gap
	}
	return Check{Name: CheckCompleteness, Pass: true, Detail: detail}
}

// checkDecisionRecorded confirms the chain carries an attestation of the
// decision itself. Multiple evaluations per chain are legitimate; at least
// one must reference this decision's hash. An absent evaluation event is a
// pass — the chain may simply not have reached that stage when exported.
func checkDecisionRecorded(b *evidence.Bundle) Check {
	if b.Decision == nil {
		return Check{Name: CheckDecisionRecorded, Pass: false, Reason: "bundle lacks a decision"}
	}
	seen := 0
	for _, e := range b.Events {
		if e.Kind != attest.KindPolicyEvaluated {
			continue
		}
		seen++
		var payload struct {
			DecisionHash string `json:"decision_hash"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err == nil && payload.DecisionHash == b.Decision.DecisionHash {
			return Check{Name: CheckDecisionRecorded, Pass: true,
				Detail: "decision attested by event " + e.ID}
		}
	}
	if seen == 0 {
		return Check{Name: CheckDecisionRecorded, Pass: true,
			Detail: "no evaluation event in chain yet"}
	}
	return Check{Name: CheckDecisionRecorded, Pass: false,
		Reason: fmt.Sprintf("%d evaluation events present, none attests decision hash %s", seen, b.Decision.DecisionHash)}
}
