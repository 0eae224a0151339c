package models

import "time"

// BallotRecord is one accepted ballot. Payload is the tagged ciphertext
// envelope, opaque to everything but the ballot package.
type BallotRecord struct {
	ID          string    `json:"id"`
	ElectionID  string    `json:"election_id"`
	VoterID     string    `json:"voter_id"`
	Payload     []byte    `json:"payload"`
	Fingerprint string    `json:"fingerprint"`
	CastAt      time.Time `json:"cast_at"`
}

// Receipt is handed back to the voter after a successful cast.
type Receipt struct {
	BallotID    string `json:"ballot_id"`
	Fingerprint string `json:"fingerprint"`
}
