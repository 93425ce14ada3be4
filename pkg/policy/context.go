package policy

import (
	"time"

	"github.com/gatewright/gatewright/pkg/canonical"
)

// Waiver is a time-bounded override for a single named rule. A waiver past
// its expiry never satisfies its rule; expiry is judged against the one
// clock read taken per evaluation.
type Waiver struct {
	ID       string    `json:"id"`
	Rule     string    `json:"rule"`
	Reason   string    `json:"reason"`
	Approver string    `json:"approver"`
	Expiry   time.Time `json:"expiry"`
}

// ReleaseContext is the immutable set of facts for one evaluation. Callers
// extract facts from their own tooling and submit them here; the engine
// never parses source control, tickets, or CI logs.
type ReleaseContext struct {
	ReleaseID      string         `json:"release_id"`
	ArtifactDigest string         `json:"artifact_digest,omitempty"`
	Actor          string         `json:"actor,omitempty"`
	SubmittedAt    time.Time      `json:"submitted_at"`
	Facts          map[string]any `json:"facts"`
	Waivers        []Waiver       `json:"waivers,omitempty"`
}

// Hash returns the content address of the context.
func (rc *ReleaseContext) Hash() (string, error) {
	return canonical.Hash(rc)
}
