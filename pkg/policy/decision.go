package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/gatewright/gatewright/pkg/canonical"
)

// Outcome of a single trace node.
const (
	OutcomeTrue    = "true"
	OutcomeFalse   = "false"
	OutcomeSkipped = "skipped" // branch not evaluated due to short-circuit
)

// How a rule came to be satisfied.
const (
	ViaRule   = "rule"
	ViaWaiver = "waiver"
)

// NodeTrace records the outcome of one expression node. Short-circuited
// branches are present with Outcome "skipped" so the trace shape is stable.
type NodeTrace struct {
	Op       Op          `json:"op"`
	Field    string      `json:"field,omitempty"`
	Rule     string      `json:"rule,omitempty"`
	Outcome  string      `json:"outcome"`
	Children []NodeTrace `json:"children,omitempty"`
}

// RuleTrace explains one rule's result.
type RuleTrace struct {
	Rule      string     `json:"rule"`
	Satisfied bool       `json:"satisfied"`
	Via       string     `json:"via"` // "rule" or "waiver"
	WaiverID  string     `json:"waiver_id,omitempty"`
	Node      *NodeTrace `json:"node,omitempty"` // absent when via=waiver
}

// Note records a non-rule observation made during evaluation, e.g. the
// exclusion of an expired waiver.
type Note struct {
	Kind   string `json:"kind"` // "waiver-expired"
	Waiver string `json:"waiver"`
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// Decision is the complete, reproducible output of one evaluation.
// Re-evaluating the same (context, bundle, evalTime) triple yields a
// byte-identical Decision.
type Decision struct {
	Allow        bool        `json:"allow"`
	Trace        []RuleTrace `json:"trace"`
	Notes        []Note      `json:"notes,omitempty"`
	BundleDigest string      `json:"bundle_digest"`
	ContextHash  string      `json:"context_hash"`
	EvalTime     time.Time   `json:"eval_time"`
	DecisionHash string      `json:"decision_hash"`
}

// Reason derives the human-readable explanation required for any deny.
// "Denied with no reason" is treated as a defect, so this never returns an
// empty string for a denying decision.
func (d *Decision) Reason() string {
	if d.Allow {
		return "all rules satisfied"
	}
	var failed []string
	for _, rt := range d.Trace {
		if !rt.Satisfied {
			failed = append(failed, rt.Rule)
		}
	}
	if len(failed) == 0 {
		return "denied (evaluation incomplete)"
	}
	return fmt.Sprintf("rules not satisfied: %s", strings.Join(failed, ", "))
}

// seal computes and stores the decision hash. The hash field itself is
// excluded from the hashed form.
func (d *Decision) seal() error {
	hashInput := struct {
		Allow        bool        `json:"allow"`
		Trace        []RuleTrace `json:"trace"`
		Notes        []Note      `json:"notes,omitempty"`
		BundleDigest string      `json:"bundle_digest"`
		ContextHash  string      `json:"context_hash"`
		EvalTime     time.Time   `json:"eval_time"`
	}{d.Allow, d.Trace, d.Notes, d.BundleDigest, d.ContextHash, d.EvalTime}

	h, err := canonical.Hash(hashInput)
	if err != nil {
		return fmt.Errorf("policy: decision hash failed: %w", err)
	}
	d.DecisionHash = h
	return nil
}
