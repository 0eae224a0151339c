package models

import "time"

type ElectionStatus string

const (
	ElectionPending ElectionStatus = "pending"
	ElectionActive  ElectionStatus = "active"
	ElectionClosed  ElectionStatus = "closed"
)

// Election is the only election metadata the core keeps: the candidate
// list in canonical (ascending) order and a lifecycle status.
type Election struct {
	ID           string         `json:"id"`
	CandidateIDs []int64        `json:"candidate_ids"`
	Status       ElectionStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
}

type IntegrityKind string

const (
	IntegrityBallotExcluded    IntegrityKind = "ballot_excluded"
	IntegrityAuditChainBroken  IntegrityKind = "audit_chain_broken"
	IntegrityTallyInconsistent IntegrityKind = "tally_inconsistent"
)

// IntegrityEvent records something an operator must look at: a ballot left
// out of a tally, a chain that failed verification, or decrypted totals that
// no set of valid ballots could produce. BallotID is empty for
// election-wide events.
type IntegrityEvent struct {
	ID         string        `json:"id"`
	ElectionID string        `json:"election_id"`
	Kind       IntegrityKind `json:"kind"`
	BallotID   string        `json:"ballot_id,omitempty"`
	Detail     string        `json:"detail"`
	At         time.Time     `json:"at"`
}
