package policy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// Engine evaluates release contexts against loaded bundles.
//
// Evaluate reads the clock exactly once and delegates to EvaluateAt, which
// is pure: same (context, bundle, evalTime) in, byte-identical Decision out.
// The engine does no I/O and holds no mutable state; one instance may be
// shared by any number of goroutines.
type Engine struct {
	clock func() time.Time
}

// NewEngine creates an engine using the wall clock.
func NewEngine() *Engine {
	return &Engine{clock: time.Now}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Evaluate samples the clock once and evaluates rc against b.
func (e *Engine) Evaluate(rc *ReleaseContext, b *Bundle) (*Decision, error) {
	return EvaluateAt(rc, b, e.clock().UTC())
}

// EvaluateAt is the pure evaluation core. Waiver expiry is judged against
// evalTime only; no other clock read occurs. Malformed contexts never cause
// an error — absent or mistyped facts make the relevant predicate false.
// The only failure mode is ResourceExceededError on pathological rule
// reference fan-out.
func EvaluateAt(rc *ReleaseContext, b *Bundle, evalTime time.Time) (*Decision, error) {
	ctxHash, err := rc.Hash()
	if err != nil {
		return nil, fmt.Errorf("policy: context hash failed: %w", err)
	}

	d := &Decision{
		Allow:        true,
		Trace:        make([]RuleTrace, 0, len(b.Rules)),
		BundleDigest: b.Digest(),
		ContextHash:  ctxHash,
		EvalTime:     evalTime.UTC(),
	}

	// Expired waivers are excluded before evaluation begins; the exclusion
	// itself is part of the trace. A rule keeps only its first active waiver.
	active := make(map[string]*Waiver)
	for i := range rc.Waivers {
		w := &rc.Waivers[i]
		if !w.Expiry.After(evalTime) {
			d.Notes = append(d.Notes, Note{
				Kind:   "waiver-expired",
				Waiver: w.ID,
				Rule:   w.Rule,
				Detail: fmt.Sprintf("expired %s, evaluated %s", w.Expiry.UTC().Format(time.RFC3339Nano), evalTime.UTC().Format(time.RFC3339Nano)),
			})
			continue
		}
		if _, taken := active[w.Rule]; !taken {
			active[w.Rule] = w
		}
	}

	ev := &evaluator{facts: rc.Facts, results: make(map[string]bool, len(b.Rules))}

	for _, idx := range b.evalOrder {
		rule := &b.Rules[idx]

		if w, ok := active[rule.Name]; ok {
			// A waiver short-circuits exactly this rule, never the decision.
			ev.results[rule.Name] = true
			d.Trace = append(d.Trace, RuleTrace{
				Rule:      rule.Name,
				Satisfied: true,
				Via:       ViaWaiver,
				WaiverID:  w.ID,
			})
			continue
		}

		ev.rule = rule.Name
		sat, node, err := ev.eval(&rule.Expr)
		if err != nil {
			return nil, err
		}
		ev.results[rule.Name] = sat
		d.Trace = append(d.Trace, RuleTrace{
			Rule:      rule.Name,
			Satisfied: sat,
			Via:       ViaRule,
			Node:      &node,
		})
		if !sat {
			d.Allow = false
		}
	}

	if err := d.seal(); err != nil {
		return nil, err
	}
	return d, nil
}

// evaluator walks expression trees for one evaluation. visited is a global
// node budget across all rules: per-rule trees are bounded at load time,
// but rule references can multiply the total.
type evaluator struct {
	facts   map[string]any
	results map[string]bool
	rule    string
	visited int
}

func (ev *evaluator) eval(e *Expr) (bool, NodeTrace, error) {
	ev.visited++
	if ev.visited > MaxExprNodes {
		return false, NodeTrace{}, &ResourceExceededError{Rule: ev.rule, Limit: "nodes", Max: MaxExprNodes}
	}

	nt := NodeTrace{Op: e.Op, Field: e.Field, Rule: e.Rule}

	switch e.Op {
	case OpAnd:
		result := true
		for i := range e.Args {
			if !result {
				nt.Children = append(nt.Children, skipped(&e.Args[i]))
				continue
			}
			v, child, err := ev.eval(&e.Args[i])
			if err != nil {
				return false, NodeTrace{}, err
			}
			nt.Children = append(nt.Children, child)
			result = result && v
		}
		nt.Outcome = outcome(result)
		return result, nt, nil

	case OpOr:
		result := false
		for i := range e.Args {
			if result {
				nt.Children = append(nt.Children, skipped(&e.Args[i]))
				continue
			}
			v, child, err := ev.eval(&e.Args[i])
			if err != nil {
				return false, NodeTrace{}, err
			}
			nt.Children = append(nt.Children, child)
			result = result || v
		}
		nt.Outcome = outcome(result)
		return result, nt, nil

	case OpNot:
		v, child, err := ev.eval(e.Arg)
		if err != nil {
			return false, NodeTrace{}, err
		}
		nt.Children = append(nt.Children, child)
		nt.Outcome = outcome(!v)
		return !v, nt, nil

	case OpExists:
		_, ok := ev.facts[e.Field]
		nt.Outcome = outcome(ok)
		return ok, nt, nil

	case OpCompare:
		v := ev.compare(e)
		nt.Outcome = outcome(v)
		return v, nt, nil

	case OpIn:
		fact, ok := ev.facts[e.Field]
		result := false
		if ok {
			for _, candidate := range e.Values {
				if looseEqual(fact, candidate) {
					result = true
					break
				}
			}
		}
		nt.Outcome = outcome(result)
		return result, nt, nil

	case OpMatch:
		s, ok := ev.facts[e.Field].(string)
		result := ok && e.matchString(s)
		nt.Outcome = outcome(result)
		return result, nt, nil

	case OpRule:
		// Topological ordering guarantees the referenced rule was already
		// evaluated (or waived).
		v := ev.results[e.Rule]
		nt.Outcome = outcome(v)
		return v, nt, nil
	}

	// Unreachable: unknown ops are rejected at bundle load.
	nt.Outcome = OutcomeFalse
	return false, nt, nil
}

// compare applies the node's comparator. An absent field or a non-numeric
// fact under an ordering comparator evaluates to false, never an error.
func (ev *evaluator) compare(e *Expr) bool {
	fact, ok := ev.facts[e.Field]
	if !ok {
		return false
	}
	switch e.Cmp {
	case CmpEq:
		return looseEqual(fact, e.Value)
	case CmpNe:
		return !looseEqual(fact, e.Value)
	}

	fv, fok := asFloat(fact)
	cv, cok := asFloat(e.Value)
	if !fok || !cok {
		return false
	}
	switch e.Cmp {
	case CmpLt:
		return fv < cv
	case CmpLte:
		return fv <= cv
	case CmpGt:
		return fv > cv
	case CmpGte:
		return fv >= cv
	}
	return false
}

func outcome(v bool) string {
	if v {
		return OutcomeTrue
	}
	return OutcomeFalse
}

// skipped produces the stable trace marker for a short-circuited branch.
func skipped(e *Expr) NodeTrace {
	return NodeTrace{Op: e.Op, Field: e.Field, Rule: e.Rule, Outcome: OutcomeSkipped}
}

// looseEqual compares a fact to a literal: numerically when both sides are
// numeric, by deep equality otherwise.
func looseEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
