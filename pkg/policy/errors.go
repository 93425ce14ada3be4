package policy

import "fmt"

// LoadError reports a malformed bundle: unknown predicate types, invalid
// expressions, unknown or cyclic rule references, bad versions. A bundle
// that fails to load is never evaluated (fail-closed for malformed policy).
type LoadError struct {
	Bundle string // bundle name, if known
	Rule   string // offending rule, if attributable
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("policy load: bundle %q rule %q: %s", e.Bundle, e.Rule, e.Reason)
	}
	return fmt.Sprintf("policy load: bundle %q: %s", e.Bundle, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ResourceExceededError reports that an evaluation hit the expression tree
// depth or node budget. It is the only way evaluation can fail; it is never
// silently converted into a deny.
type ResourceExceededError struct {
	Rule  string
	Limit string // "depth" or "nodes"
	Max   int
}

func (e *ResourceExceededError) Error() string {
	return fmt.Sprintf("policy eval: rule %q exceeded %s limit (%d)", e.Rule, e.Limit, e.Max)
}

// Hard limits on rule expression trees. Exceeding them at load time is a
// LoadError; at evaluation time, a ResourceExceededError.
const (
	MaxExprDepth = 64
	MaxExprNodes = 4096
)
