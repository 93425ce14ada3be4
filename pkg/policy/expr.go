// Package policy implements the Policy Decision Engine: content-addressed
// rule bundles evaluated deterministically against release facts.
//
// The rule language is a closed set of expression node types interpreted by
// Engine — deliberately not a dynamic policy language. Bundles are validated
// fully at load time (fail-closed); evaluation is pure and total.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Op enumerates the closed set of expression node types.
type Op string

const (
	OpAnd     Op = "and"
	OpOr      Op = "or"
	OpNot     Op = "not"
	OpExists  Op = "exists"  // field presence
	OpCompare Op = "compare" // eq/ne/lt/lte/gt/gte against a literal
	OpIn      Op = "in"      // set membership
	OpMatch   Op = "match"   // regex or prefix match on a string fact
	OpRule    Op = "rule"    // another rule's outcome
)

// Comparator names for OpCompare.
const (
	CmpEq  = "eq"
	CmpNe  = "ne"
	CmpLt  = "lt"
	CmpLte = "lte"
	CmpGt  = "gt"
	CmpGte = "gte"
)

// Match kinds for OpMatch.
const (
	MatchRegex  = "regex"
	MatchPrefix = "prefix"
)

// Expr is one node of a rule expression tree. Exactly the fields relevant
// to Op are set; Validate rejects anything else at bundle load.
type Expr struct {
	Op      Op     `json:"op" yaml:"op"`
	Args    []Expr `json:"args,omitempty" yaml:"args,omitempty"`     // and/or
	Arg     *Expr  `json:"arg,omitempty" yaml:"arg,omitempty"`       // not
	Field   string `json:"field,omitempty" yaml:"field,omitempty"`   // exists/compare/in/match
	Cmp     string `json:"cmp,omitempty" yaml:"cmp,omitempty"`       // compare
	Value   any    `json:"value,omitempty" yaml:"value,omitempty"`   // compare
	Values  []any  `json:"values,omitempty" yaml:"values,omitempty"` // in
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Kind    string `json:"kind,omitempty" yaml:"kind,omitempty"` // match: regex|prefix
	Rule    string `json:"rule,omitempty" yaml:"rule,omitempty"` // rule reference
}

var comparators = map[string]bool{
	CmpEq: true, CmpNe: true, CmpLt: true, CmpLte: true, CmpGt: true, CmpGte: true,
}

// Validate structurally checks the node and its children. Returns the set of
// rule names this expression references.
func (e *Expr) Validate() ([]string, error) {
	var refs []string
	if err := e.validate(&refs, 0); err != nil {
		return nil, err
	}
	return refs, nil
}

func (e *Expr) validate(refs *[]string, depth int) error {
	if depth > MaxExprDepth {
		return fmt.Errorf("expression deeper than %d levels", MaxExprDepth)
	}
	switch e.Op {
	case OpAnd, OpOr:
		if len(e.Args) == 0 {
			return fmt.Errorf("%q requires at least one argument", e.Op)
		}
		for i := range e.Args {
			if err := e.Args[i].validate(refs, depth+1); err != nil {
				return err
			}
		}
	case OpNot:
		if e.Arg == nil {
			return fmt.Errorf("%q requires an argument", e.Op)
		}
		return e.Arg.validate(refs, depth+1)
	case OpExists:
		if e.Field == "" {
			return fmt.Errorf("%q requires a field", e.Op)
		}
	case OpCompare:
		if e.Field == "" {
			return fmt.Errorf("%q requires a field", e.Op)
		}
		if !comparators[e.Cmp] {
			return fmt.Errorf("unknown comparator %q", e.Cmp)
		}
		if e.Value == nil {
			return fmt.Errorf("%q requires a value", e.Op)
		}
	case OpIn:
		if e.Field == "" || len(e.Values) == 0 {
			return fmt.Errorf("%q requires a field and a non-empty value set", e.Op)
		}
	case OpMatch:
		if e.Field == "" || e.Pattern == "" {
			return fmt.Errorf("%q requires a field and a pattern", e.Op)
		}
		switch e.Kind {
		case MatchPrefix:
		case MatchRegex, "":
			if _, err := regexp.Compile(e.Pattern); err != nil {
				return fmt.Errorf("invalid regex %q: %w", e.Pattern, err)
			}
		default:
			return fmt.Errorf("unknown match kind %q", e.Kind)
		}
	case OpRule:
		if e.Rule == "" {
			return fmt.Errorf("%q requires a rule name", e.Op)
		}
		*refs = append(*refs, e.Rule)
	default:
		return fmt.Errorf("unknown predicate type %q", e.Op)
	}
	return nil
}

// nodeCount returns the total number of nodes in the subtree.
func (e *Expr) nodeCount() int {
	n := 1
	for i := range e.Args {
		n += e.Args[i].nodeCount()
	}
	if e.Arg != nil {
		n += e.Arg.nodeCount()
	}
	return n
}

// matchString reports whether s matches the node's pattern. The pattern was
// compile-checked at bundle load, so a compile failure here is impossible
// short of memory corruption; it is treated as no-match.
func (e *Expr) matchString(s string) bool {
	if e.Kind == MatchPrefix {
		return strings.HasPrefix(s, e.Pattern)
	}
	re, err := regexp.Compile(e.Pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
