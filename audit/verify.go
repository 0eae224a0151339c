package audit

import (
	"fmt"
	"time"

	"voting-core/models"
)

// Entry pairs a stored audit record with the content it should commit to,
// rebuilt from the ballot row it points at.
type Entry struct {
	Record  models.AuditRecord
	Content Content
}

// Report is the result of Verify. BrokenAt is -1 for a valid chain.
type Report struct {
	ElectionID string    `json:"election_id"`
	Valid      bool      `json:"valid"`
	BrokenAt   int       `json:"broken_at"`
	Reason     string    `json:"reason,omitempty"`
	Length     int       `json:"length"`
	Head       string    `json:"head"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Err returns an ErrChainBroken error for an invalid report and nil otherwise.
func (r *Report) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w at index %d: %s", ErrChainBroken, r.BrokenAt, r.Reason)
}

// Verify recomputes the chain from genesis over entries in insertion order
// and stops at the first link that does not hold.
func Verify(entries []Entry) *Report {
	report := &Report{
		Valid:     true,
		BrokenAt:  -1,
		Length:    len(entries),
		Head:      Genesis(),
		CheckedAt: time.Now(),
	}
	if len(entries) > 0 {
		report.ElectionID = entries[0].Record.ElectionID
	}

	previous := Genesis()
	for i, e := range entries {
		if reason := check(i, previous, e); reason != "" {
			report.Valid = false
			report.BrokenAt = i
			report.Reason = reason
			return report
		}
		previous = e.Record.Fingerprint
	}
	report.Head = previous
	return report
}

func check(i int, previous string, e Entry) string {
	rec := e.Record
	if rec.Index != int64(i) {
		return fmt.Sprintf("expected index %d, found %d", i, rec.Index)
	}
	if rec.BallotID != e.Content.BallotID || rec.ElectionID != e.Content.ElectionID {
		return "record does not reference its ballot"
	}
	if rec.PreviousFingerprint != previous {
		return "previous fingerprint does not match the preceding record"
	}

	link, err := Append(previous, e.Content, rec.Timestamp)
	if err != nil {
		return err.Error()
	}
	if link.ContentHash != rec.ContentHash {
		return "ballot content does not match its content hash"
	}
	if link.Fingerprint != rec.Fingerprint {
		return "fingerprint mismatch"
	}
	return ""
}
