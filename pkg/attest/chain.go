package attest

import (
	"fmt"
	"sort"
	"time"
)

// Completeness of a chain against its required stages.
type Completeness string

const (
	ChainOpen     Completeness = "open"     // still within window
	ChainComplete Completeness = "complete" // all required stages present in time
	ChainGapped   Completeness = "gapped"   // a required stage missed its deadline
)

// StagePolicy declares the required stage kinds for a chain type, in order,
// and the maximum gap allowed between each stage and its predecessor.
type StagePolicy struct {
	Required []Kind                 `json:"required"`
	MaxGap   map[Kind]time.Duration `json:"max_gap"`
}

// DefaultStagePolicy is the full release lifecycle with a one-hour gap per
// stage. Deployments with slower pipelines configure their own.
func DefaultStagePolicy() StagePolicy {
	required := []Kind{KindBuilt, KindPolicyEvaluated, KindSigned, KindLogged, KindDeployed, KindRuntimeVerified}
	gaps := make(map[Kind]time.Duration, len(required))
	for _, k := range required {
		gaps[k] = time.Hour
	}
	return StagePolicy{Required: required, MaxGap: gaps}
}

// Chain is a derived, recomputable view: events correlated to one change.
// Chains are never stored; they are rebuilt from the ledger on demand.
type Chain struct {
	Key          CorrelationKeys `json:"key"`
	Events       []*Event        `json:"events"`
	Completeness Completeness    `json:"completeness"`
	Gap          string          `json:"gap,omitempty"` // names the missing stage when gapped
}

// Head returns the content hash of the last event, or RootSentinel for an
// empty chain.
func (c *Chain) Head() string {
	if len(c.Events) == 0 {
		return RootSentinel
	}
	return c.Events[len(c.Events)-1].ContentHash
}

// OrderByLinks arranges events into prevHash-link order: the event whose
// prevHash no other event produced comes first. Returns an error when the
// events do not form a single unbroken chain — a forked or gapped link set
// is a verification failure, not something to silently repair.
func OrderByLinks(events []*Event) ([]*Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	byPrev := make(map[string]*Event, len(events))
	produced := make(map[string]bool, len(events))
	for _, e := range events {
		if _, dup := byPrev[e.PrevHash]; dup {
			return nil, fmt.Errorf("attest: chain forks at prev hash %s", e.PrevHash)
		}
		byPrev[e.PrevHash] = e
		produced[e.ContentHash] = true
	}

	var root *Event
	for _, e := range events {
		if !produced[e.PrevHash] {
			if root != nil {
				return nil, fmt.Errorf("attest: disjoint chain segments (roots %s and %s)", root.ID, e.ID)
			}
			root = e
		}
	}
	if root == nil {
		return nil, fmt.Errorf("attest: chain has no root (link cycle)")
	}

	ordered := make([]*Event, 0, len(events))
	for e := root; e != nil; e = byPrev[e.ContentHash] {
		ordered = append(ordered, e)
		if len(ordered) > len(events) {
			return nil, fmt.Errorf("attest: link cycle detected")
		}
	}
	if len(ordered) != len(events) {
		return nil, fmt.Errorf("attest: %d of %d events unreachable from root", len(events)-len(ordered), len(events))
	}
	return ordered, nil
}

// ComputeCompleteness is a pure function over (events, policy, now): no
// hidden polling state, so gap detection is directly testable.
//
// Events are walked in timestamp order. A chain is gapped when a required
// stage's predecessor is present but the stage itself has not appeared
// within its maximum gap from the predecessor's timestamp — judged against
// now while the chain is still open.
func ComputeCompleteness(events []*Event, policy StagePolicy, now time.Time) (Completeness, string) {
	if len(policy.Required) == 0 {
		return ChainComplete, ""
	}

	sorted := make([]*Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	firstSeen := make(map[Kind]time.Time, len(sorted))
	for _, e := range sorted {
		if _, ok := firstSeen[e.Kind]; !ok {
			firstSeen[e.Kind] = e.Timestamp
		}
	}

	predTime, predPresent := time.Time{}, false
	for i, stage := range policy.Required {
		seen, ok := firstSeen[stage]
		if ok {
			predTime, predPresent = seen, true
			continue
		}

		if i == 0 || !predPresent {
			// Nothing upstream to anchor a deadline: the chain has not
			// started this lifecycle yet.
			return ChainOpen, ""
		}

		gap, hasGap := policy.MaxGap[stage]
		if !hasGap {
			return ChainOpen, ""
		}
		deadline := predTime.Add(gap)
		if now.After(deadline) {
			return ChainGapped, fmt.Sprintf("stage %q missing since %s (deadline %s)",
				stage, predTime.UTC().Format(time.RFC3339), deadline.UTC().Format(time.RFC3339))
		}
		return ChainOpen, ""
	}
	return ChainComplete, ""
}
