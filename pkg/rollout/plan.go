// Package rollout drives staged exposure of an allowed change: a state
// machine per plan, burn-rate health gates over pushed telemetry, and
// automatic pause/rollback recorded as attestation evidence.
package rollout

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Cohort is a named population slice. Weight documents the cohort's share
// of the population; gating is weight-independent — the strictest cohort
// governs the whole step.
type Cohort struct {
	Name   string `json:"name" yaml:"name"`
	Weight int    `json:"weight" yaml:"weight"`
}

// Step is one exposure stage of a plan.
type Step struct {
	Percent int           `json:"percent" yaml:"percent"`
	MinSoak time.Duration `json:"min_soak" yaml:"min_soak"`
}

// GateConfig tunes the burn-rate health gate. All timing is configuration,
// never hardcoded.
type GateConfig struct {
	// BurnRateThreshold is the multiple of budget at which a sample
	// breaches, e.g. 2.0.
	BurnRateThreshold float64 `json:"burn_rate_threshold" yaml:"burn_rate_threshold"`
	// ConsecutiveBreaches is how many breaching samples in a row a cohort
	// needs before the gate fails — a single outlier never pauses a plan.
	ConsecutiveBreaches int `json:"consecutive_breaches" yaml:"consecutive_breaches"`
}

// Plan is the staged-exposure configuration for one change. Immutable once
// started; the mutable counterpart is State.
type Plan struct {
	ID           string     `json:"id" yaml:"id"`
	ReleaseID    string     `json:"release_id" yaml:"release_id"`
	BundleDigest string     `json:"bundle_digest" yaml:"bundle_digest"`
	Cohorts      []Cohort   `json:"cohorts" yaml:"cohorts"`
	Steps        []Step     `json:"steps" yaml:"steps"`
	Gate         GateConfig `json:"gate" yaml:"gate"`
}

// Validate checks the plan is runnable.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("rollout: plan missing id")
	}
	if p.ReleaseID == "" {
		return fmt.Errorf("rollout: plan %s missing release id", p.ID)
	}
	if len(p.Cohorts) == 0 {
		return fmt.Errorf("rollout: plan %s has no cohorts", p.ID)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("rollout: plan %s has no steps", p.ID)
	}
	prev := 0
	for i, s := range p.Steps {
		if s.Percent <= prev || s.Percent > 100 {
			return fmt.Errorf("rollout: plan %s step %d percent %d must increase toward 100", p.ID, i, s.Percent)
		}
		if s.MinSoak <= 0 {
			return fmt.Errorf("rollout: plan %s step %d needs a positive soak duration", p.ID, i)
		}
		prev = s.Percent
	}
	if p.Steps[len(p.Steps)-1].Percent != 100 {
		return fmt.Errorf("rollout: plan %s final step must reach 100%%", p.ID)
	}
	if p.Gate.BurnRateThreshold <= 0 {
		return fmt.Errorf("rollout: plan %s gate threshold must be positive", p.ID)
	}
	if p.Gate.ConsecutiveBreaches < 1 {
		return fmt.Errorf("rollout: plan %s gate needs at least one consecutive breach", p.ID)
	}
	return nil
}

// LoadPlanYAML parses and validates a plan document.
func LoadPlanYAML(doc []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("rollout: invalid plan YAML: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
