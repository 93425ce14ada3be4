package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/gatewright/gatewright/pkg/canonical"
)

// Rule is one named boolean rule of a bundle.
type Rule struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Expr        Expr   `json:"expr" yaml:"expr"`
}

// Bundle is an immutable, versioned, content-addressed set of rules.
// Construct only through Load/LoadYAML so every Bundle in the process has
// been fully validated and carries its digest and evaluation order.
type Bundle struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	Rules   []Rule `json:"rules" yaml:"rules"`

	digest    string         // sha256 of the canonical serialization
	evalOrder []int          // indices into Rules, topologically sorted
	byName    map[string]int // rule name -> index
}

// Digest returns the content address of the bundle.
func (b *Bundle) Digest() string { return b.digest }

// SemVer returns the parsed bundle version.
func (b *Bundle) SemVer() *semver.Version {
	v, _ := semver.NewVersion(b.Version)
	return v
}

// bundleSchema validates the raw bundle document shape before any Go-level
// checks run. Expression-level structure is checked by Expr.Validate.
const bundleSchema = `{
  "type": "object",
  "required": ["name", "version", "rules"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "expr"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "expr": {"type": "object", "required": ["op"]}
        }
      }
    }
  }
}`

var compiledBundleSchema = jsonschema.MustCompileString("bundle.schema.json", bundleSchema)

// Load parses and validates a bundle from its JSON document.
// All validation is load-time: schema shape, semver version, expression
// structure, node budget, and the rule-reference graph (unknown references
// and cycles are rejected here, never at evaluation time).
func Load(doc []byte) (*Bundle, error) {
	var generic any
	if err := json.Unmarshal(doc, &generic); err != nil {
		return nil, &LoadError{Reason: "invalid JSON", Err: err}
	}
	if err := compiledBundleSchema.Validate(generic); err != nil {
		return nil, &LoadError{Reason: "schema validation failed", Err: err}
	}

	var b Bundle
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, &LoadError{Reason: "invalid bundle document", Err: err}
	}
	if err := finalize(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

// LoadYAML parses a YAML bundle document. The document is converted to JSON
// and routed through Load so both formats share one validation path.
func LoadYAML(doc []byte) (*Bundle, error) {
	var generic any
	if err := yaml.Unmarshal(doc, &generic); err != nil {
		return nil, &LoadError{Reason: "invalid YAML", Err: err}
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, &LoadError{Reason: "yaml to json conversion failed", Err: err}
	}
	return Load(asJSON)
}

func finalize(b *Bundle) error {
	if _, err := semver.NewVersion(b.Version); err != nil {
		return &LoadError{Bundle: b.Name, Reason: fmt.Sprintf("invalid version %q", b.Version), Err: err}
	}

	b.byName = make(map[string]int, len(b.Rules))
	refs := make(map[string][]string, len(b.Rules))
	for i := range b.Rules {
		r := &b.Rules[i]
		if _, dup := b.byName[r.Name]; dup {
			return &LoadError{Bundle: b.Name, Rule: r.Name, Reason: "duplicate rule name"}
		}
		b.byName[r.Name] = i

		if n := r.Expr.nodeCount(); n > MaxExprNodes {
			return &LoadError{Bundle: b.Name, Rule: r.Name,
				Reason: fmt.Sprintf("expression has %d nodes, limit %d", n, MaxExprNodes)}
		}
		rr, err := r.Expr.Validate()
		if err != nil {
			return &LoadError{Bundle: b.Name, Rule: r.Name, Reason: "malformed expression", Err: err}
		}
		refs[r.Name] = rr
	}

	for name, deps := range refs {
		for _, dep := range deps {
			if _, ok := b.byName[dep]; !ok {
				return &LoadError{Bundle: b.Name, Rule: name,
					Reason: fmt.Sprintf("references unknown rule %q", dep)}
			}
		}
	}

	order, err := topoSort(b, refs)
	if err != nil {
		return err
	}
	b.evalOrder = order

	digest, err := canonical.Hash(struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Rules   []Rule `json:"rules"`
	}{b.Name, b.Version, b.Rules})
	if err != nil {
		return &LoadError{Bundle: b.Name, Reason: "digest computation failed", Err: err}
	}
	b.digest = digest

	if len(b.Rules) == 0 {
		// Fail-open for absence of rules is intentional; make it visible.
		slog.Warn("policy bundle has no rules; every evaluation will allow",
			"bundle", b.Name, "version", b.Version, "digest", digest)
	}
	return nil
}

// topoSort orders rules so every referenced rule is evaluated before its
// referrers. Rules with no dependency relation keep declaration order, so
// the trace order is stable across loads. Cycles are a load error.
func topoSort(b *Bundle, refs map[string][]string) ([]int, error) {
	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // done
	)
	color := make([]int, len(b.Rules))
	order := make([]int, 0, len(b.Rules))

	var visit func(i int, path []string) error
	visit = func(i int, path []string) error {
		switch color[i] {
		case black:
			return nil
		case gray:
			return &LoadError{Bundle: b.Name, Rule: b.Rules[i].Name,
				Reason: fmt.Sprintf("cyclic rule dependency: %v", append(path, b.Rules[i].Name))}
		}
		color[i] = gray
		for _, dep := range refs[b.Rules[i].Name] {
			if err := visit(b.byName[dep], append(path, b.Rules[i].Name)); err != nil {
				return err
			}
		}
		color[i] = black
		order = append(order, i)
		return nil
	}

	for i := range b.Rules {
		if err := visit(i, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
