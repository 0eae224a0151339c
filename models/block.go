package models

import "time"

// AuditRecord is one link of an election's audit chain. Index starts at 0
// and increases by one per accepted ballot.
type AuditRecord struct {
	ElectionID          string    `json:"election_id"`
	Index               int64     `json:"index"`
	BallotID            string    `json:"ballot_id"`
	Fingerprint         string    `json:"fingerprint"`
	PreviousFingerprint string    `json:"previous_fingerprint"`
	ContentHash         string    `json:"content_hash"`
	Timestamp           time.Time `json:"timestamp"`
}
