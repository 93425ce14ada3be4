package rollout

import (
	"fmt"
	"time"
)

// Status of a rollout plan.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAdvancing  Status = "advancing"
	StatusSoaking    Status = "soaking"
	StatusPaused     Status = "paused"
	StatusRolledBack Status = "rolled-back"
	StatusCompleted  Status = "completed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusRolledBack || s == StatusCompleted
}

// validTransitions is the full state machine. Rollback is reachable from
// every non-terminal state because an operator can always pull the plug.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusAdvancing, StatusRolledBack},
	StatusAdvancing: {StatusSoaking, StatusRolledBack},
	StatusSoaking:   {StatusAdvancing, StatusPaused, StatusCompleted, StatusRolledBack},
	StatusPaused:    {StatusSoaking, StatusRolledBack},
}

// Transition is one recorded state change.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	Actor  string    `json:"actor,omitempty"` // approver identity for operator actions
}

// State is the mutable status of one plan. Owned exclusively by its
// Controller; the ledger records transitions as evidence but never owns
// rollout state.
type State struct {
	PlanID      string         `json:"plan_id"`
	StepIndex   int            `json:"step_index"`
	Percent     map[string]int `json:"percent_per_cohort"`
	Status      Status         `json:"status"`
	SoakStart   time.Time      `json:"soak_start,omitempty"`
	Transitions []Transition   `json:"transitions"`
}

// NewState initializes a pending state with zero exposure everywhere.
func NewState(p *Plan) *State {
	percent := make(map[string]int, len(p.Cohorts))
	for _, c := range p.Cohorts {
		percent[c.Name] = 0
	}
	return &State{PlanID: p.ID, Percent: percent, Status: StatusPending}
}

// transition moves the state machine, rejecting moves the machine does not
// allow. Every accepted move is appended to the transition log with its
// human-readable reason.
func (s *State) transition(to Status, at time.Time, reason, actor string) error {
	if reason == "" {
		return fmt.Errorf("rollout: transition %s -> %s requires a reason", s.Status, to)
	}
	for _, allowed := range validTransitions[s.Status] {
		if allowed == to {
			s.Transitions = append(s.Transitions, Transition{
				From: s.Status, To: to, At: at.UTC(), Reason: reason, Actor: actor,
			})
			s.Status = to
			return nil
		}
	}
	return fmt.Errorf("rollout: invalid transition %s -> %s", s.Status, to)
}
