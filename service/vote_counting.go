package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"

	"voting-core/audit"
	"voting-core/models"
	"voting-core/tally"
)

// TallyReport is the published result of an election tally. Digest covers
// every field above it and Signature is the authority's signature over the
// same bytes.
type TallyReport struct {
	ElectionID string                 `json:"election_id"`
	Status     models.ElectionStatus  `json:"status"`
	Counts     []tally.CandidateCount `json:"counts"`
	TotalVotes *big.Int               `json:"total_votes"`
	Counted    int                    `json:"counted"`
	Excluded   []tally.Exclusion      `json:"excluded"`
	Anomalies  []int64                `json:"anomalies,omitempty"`
	Consistent bool                   `json:"consistent"`
	AuditHead  string                 `json:"audit_head"`
	ComputedAt time.Time              `json:"computed_at"`

	Digest    string `json:"digest"`
	Signature string `json:"signature,omitempty"`
	Signer    string `json:"signer,omitempty"`
}

// Votes returns the count for one candidate, -1 if it does not fit an int64.
func (r *TallyReport) Votes(candidateID int64) int64 {
	return tally.VotesFor(r.Counts, candidateID)
}

func (r *TallyReport) signedBytes() ([]byte, error) {
	return json.Marshal(struct {
		ElectionID string                 `json:"election_id"`
		Counts     []tally.CandidateCount `json:"counts"`
		TotalVotes *big.Int               `json:"total_votes"`
		Counted    int                    `json:"counted"`
		Excluded   int                    `json:"excluded"`
		Anomalies  []int64                `json:"anomalies,omitempty"`
		AuditHead  string                 `json:"audit_head"`
		ComputedAt int64                  `json:"computed_at"`
	}{r.ElectionID, r.Counts, r.TotalVotes, r.Counted, len(r.Excluded), r.Anomalies, r.AuditHead, r.ComputedAt.UnixNano()})
}

// snapshot reads an election's audit chain and ballots under the election
// lock so both describe the same set of accepted ballots.
func (vs *VotingService) snapshot(ctx context.Context, electionID string) (*models.Election, []models.AuditRecord, map[string]models.BallotRecord, error) {
	mu := vs.electionLock(electionID)
	mu.Lock()
	defer mu.Unlock()

	e, err := vs.GetElection(ctx, electionID)
	if err != nil {
		return nil, nil, nil, err
	}
	records, err := vs.store.ListAuditRecords(ctx, electionID)
	if err != nil {
		return nil, nil, nil, err
	}
	ballots, err := vs.store.ListBallots(ctx, electionID)
	if err != nil {
		return nil, nil, nil, err
	}

	byID := make(map[string]models.BallotRecord, len(ballots))
	for _, b := range ballots {
		byID[b.ID] = b
	}
	return e, records, byID, nil
}

// ComputeTally sums every audited ballot of the election homomorphically and
// decrypts only the per-candidate totals. Excluded ballots are listed in the
// report and recorded as integrity events.
func (vs *VotingService) ComputeTally(ctx context.Context, electionID string) (*TallyReport, error) {
	start := time.Now()

	e, records, byID, err := vs.snapshot(ctx, electionID)
	if err != nil {
		return nil, err
	}
	sk, err := vs.keys.Get(electionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load election key: %w", err)
	}

	// tally exactly the ballots the chain commits to, in chain order
	ballots := make([]tally.Ballot, 0, len(records))
	var orphans []tally.Exclusion
	for _, rec := range records {
		b, ok := byID[rec.BallotID]
		if !ok {
			orphans = append(orphans, tally.Exclusion{BallotID: rec.BallotID, Reason: "ballot row missing"})
			continue
		}
		ballots = append(ballots, tally.Ballot{ID: b.ID, Payload: b.Payload})
		delete(byID, rec.BallotID)
	}
	for id := range byID {
		orphans = append(orphans, tally.Exclusion{BallotID: id, Reason: "ballot has no audit record"})
	}

	res, err := tally.Run(ctx, sk, e.CandidateIDs, ballots, tally.Options{Workers: vs.opts.TallyWorkers})
	if err != nil {
		return nil, err
	}

	report := &TallyReport{
		ElectionID: electionID,
		Status:     e.Status,
		Counts:     res.Counts,
		TotalVotes: res.TotalVotes,
		Counted:    res.Counted,
		Excluded:   append(res.Excluded, orphans...),
		Anomalies:  res.Anomalies,
		Consistent: res.Consistent,
		AuditHead:  audit.Genesis(),
		ComputedAt: vs.now().UTC(),
	}
	if len(records) > 0 {
		report.AuditHead = records[len(records)-1].Fingerprint
	}

	for _, ex := range report.Excluded {
		log.Warn().
			Str("alert", "ballot_excluded").
			Str("election", electionID).
			Str("ballot", ex.BallotID).
			Str("reason", ex.Reason).
			Msg("ballot excluded from tally")
		vs.flag(ctx, electionID, models.IntegrityBallotExcluded, ex.BallotID, ex.Reason)
	}
	if !report.Consistent {
		detail := fmt.Sprintf("%s votes decrypted for %d ballots", report.TotalVotes, report.Counted)
		if len(report.Anomalies) > 0 {
			detail = fmt.Sprintf("%s; out-of-range totals for candidates %v", detail, report.Anomalies)
		}
		log.Error().
			Str("alert", "tally_inconsistent").
			Str("election", electionID).
			Str("total_votes", report.TotalVotes.String()).
			Int("counted", report.Counted).
			Ints64("anomalies", report.Anomalies).
			Msg("vote total differs from ballot count")
		vs.flag(ctx, electionID, models.IntegrityTallyInconsistent, "", detail)
	}

	if err := vs.signTally(report); err != nil {
		return nil, err
	}

	vs.metrics.RecordTally(time.Since(start), report.Counted)
	log.Info().
		Str("election", electionID).
		Int("counted", report.Counted).
		Int("excluded", len(report.Excluded)).
		Dur("ms", time.Since(start)).
		Msg("tally computed")
	return report, nil
}

func (vs *VotingService) signTally(report *TallyReport) error {
	data, err := report.signedBytes()
	if err != nil {
		return fmt.Errorf("failed to encode tally for signing: %w", err)
	}
	report.Digest = hexutil.Encode(vs.signer.Keccak256(data))
	if vs.signer.Address() == "" {
		return nil
	}

	sig, err := vs.signer.Sign(data)
	if err != nil {
		return fmt.Errorf("failed to sign tally: %w", err)
	}
	report.Signature = hexutil.Encode(sig)
	report.Signer = vs.signer.Address()
	return nil
}

// VerifyTallyReport checks a report's digest and signature.
func (vs *VotingService) VerifyTallyReport(report *TallyReport) bool {
	data, err := report.signedBytes()
	if err != nil {
		return false
	}
	if hexutil.Encode(vs.signer.Keccak256(data)) != report.Digest {
		return false
	}
	sig, err := hexutil.Decode(report.Signature)
	if err != nil {
		return false
	}
	return vs.signer.VerifySignature(data, sig, report.Signer)
}

// AuditReport is a chain verification result signed by the authority.
type AuditReport struct {
	*audit.Report
	Signature string `json:"signature,omitempty"`
	Signer    string `json:"signer,omitempty"`
}

// VerifyAuditChain recomputes the election's chain from genesis against the
// stored ballots. A broken chain is never repaired: it is logged as an alert
// and recorded as an integrity event.
func (vs *VotingService) VerifyAuditChain(ctx context.Context, electionID string) (*AuditReport, error) {
	start := time.Now()

	_, records, byID, err := vs.snapshot(ctx, electionID)
	if err != nil {
		return nil, err
	}

	entries := make([]audit.Entry, len(records))
	for i, rec := range records {
		b := byID[rec.BallotID]
		entries[i] = audit.Entry{
			Record: rec,
			Content: audit.Content{
				ElectionID: electionID,
				BallotID:   rec.BallotID,
				Payload:    b.Payload,
			},
		}
	}

	report := audit.Verify(entries)
	report.ElectionID = electionID
	if report.Valid && len(byID) > len(records) {
		report.Valid = false
		report.BrokenAt = len(records)
		report.Reason = fmt.Sprintf("%d ballots have no audit record", len(byID)-len(records))
	}

	out := &AuditReport{Report: report}
	if report.Valid {
		if sig, err := vs.signer.Sign([]byte(electionID + ":" + report.Head)); err == nil {
			out.Signature = hexutil.Encode(sig)
			out.Signer = vs.signer.Address()
		}
	} else {
		log.Error().
			Str("alert", "audit_chain_broken").
			Str("election", electionID).
			Int("broken_at", report.BrokenAt).
			Str("reason", report.Reason).
			Msg("audit chain verification failed")
		ballotID := ""
		if report.BrokenAt < len(records) {
			ballotID = records[report.BrokenAt].BallotID
		}
		vs.flag(ctx, electionID, models.IntegrityAuditChainBroken, ballotID, report.Err().Error())
	}

	vs.metrics.RecordVerify(time.Since(start), report.Valid)
	return out, nil
}
