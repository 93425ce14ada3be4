package policy_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/gatewright/gatewright/pkg/policy"
)

// TestDecisionDeterminism_Property verifies the core correctness property:
// for arbitrary fact maps, repeated evaluation of the same
// (context, bundle, evalTime) triple produces identical decision hashes.
func TestDecisionDeterminism_Property(t *testing.T) {
	b, err := policy.Load([]byte(`{
	  "name": "prop",
	  "version": "1.0.0",
	  "rules": [
	    {"name": "tiered", "expr": {"op": "compare", "field": "riskTier", "cmp": "lte", "value": 2}},
	    {"name": "named", "expr": {"op": "exists", "field": "owner"}},
	    {"name": "both", "expr": {"op": "and", "args": [
	      {"op": "rule", "rule": "tiered"},
	      {"op": "rule", "rule": "named"}
	    ]}}
	  ]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(keys []string, tier int, owner string) bool {
			facts := map[string]any{"riskTier": tier}
			if owner != "" {
				facts["owner"] = owner
			}
			for _, k := range keys {
				if k != "" {
					facts[k] = len(k)
				}
			}
			rc := &policy.ReleaseContext{ReleaseID: "rel-p", SubmittedAt: at, Facts: facts}

			d1, err1 := policy.EvaluateAt(rc, b, at)
			d2, err2 := policy.EvaluateAt(rc, b, at)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return d1.DecisionHash == d2.DecisionHash && d1.Allow == d2.Allow
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 5),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
