// Package tally sums encrypted ballots per candidate and decrypts only the
// final sums.
package tally

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"runtime"
	"sync"

	"voting-core/ballot"
	"voting-core/encryption"
)

var ErrKeyMismatch = errors.New("private key does not match the tallied ballots")

// Ballot is one stored ballot as the aggregator sees it.
type Ballot struct {
	ID      string
	Payload []byte
}

type Options struct {
	// Workers is the number of shards folded in parallel. Zero means GOMAXPROCS.
	Workers int
}

// Exclusion is a ballot left out of the tally and why.
type Exclusion struct {
	BallotID string `json:"ballot_id"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

// Partial holds the encrypted per-candidate sums. It is derived state: a
// cancelled or discarded Partial is simply recomputed.
type Partial struct {
	pk         *encryption.PublicKey
	candidates []int64
	sums       []*encryption.Ciphertext
	counted    int
	excluded   []Exclusion
}

// Sums returns the encrypted per-candidate totals in candidate order.
func (p *Partial) Sums() []*encryption.Ciphertext {
	return p.sums
}

// CandidateCount is one decrypted per-candidate total. Votes is kept
// arbitrary-precision: a forged ballot can make it any residue mod n.
type CandidateCount struct {
	CandidateID int64    `json:"candidate_id"`
	Votes       *big.Int `json:"votes"`
}

type Result struct {
	Counts     []CandidateCount `json:"counts"`
	TotalVotes *big.Int         `json:"total_votes"`
	// Counted is the number of ballots folded into the sums.
	Counted  int         `json:"counted"`
	Excluded []Exclusion `json:"excluded"`
	// Anomalies lists candidates whose total exceeds the number of counted
	// ballots, which no set of one-hot ballots can produce.
	Anomalies []int64 `json:"anomalies,omitempty"`
	// Consistent is false when TotalVotes != Counted or there are anomalies,
	// which only happens if some counted ballot was not one-hot.
	Consistent bool `json:"consistent"`
}

// Votes returns the count for a candidate, 0 if it is not on the ballot and
// -1 if the total does not fit an int64.
func (r *Result) Votes(candidateID int64) int64 {
	return VotesFor(r.Counts, candidateID)
}

// VotesFor looks up a candidate's count with the same conventions as
// Result.Votes.
func VotesFor(counts []CandidateCount, candidateID int64) int64 {
	for _, c := range counts {
		if c.CandidateID != candidateID {
			continue
		}
		if c.Votes == nil || !c.Votes.IsInt64() {
			return -1
		}
		return c.Votes.Int64()
	}
	return 0
}

type shard struct {
	sums     []*encryption.Ciphertext
	counted  int
	excluded []Exclusion
}

// Accumulate folds ballots into per-candidate sums with homomorphic addition
// only. Ballots are split into contiguous shards, each folded by its own
// goroutine from fresh encryptions of zero, and the shards are merged with
// Add. Ballots that fail to decode are excluded, not fatal.
func Accumulate(ctx context.Context, pk *encryption.PublicKey, candidates []int64, ballots []Ballot, opts Options) (*Partial, error) {
	if !ballot.IsCanonical(candidates) {
		return nil, fmt.Errorf("%w: candidates are not in canonical order", ballot.ErrInvalidCandidates)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(ballots) {
		workers = len(ballots)
	}
	if workers == 0 {
		workers = 1
	}

	shards := make([]shard, workers)
	errs := make([]error, workers)
	size := (len(ballots) + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := min(w*size, len(ballots))
		hi := min(lo+size, len(ballots))

		wg.Add(1)
		go func(w int, part []Ballot) {
			defer wg.Done()
			shards[w], errs[w] = fold(ctx, pk, pk, len(candidates), part)
		}(w, ballots[lo:hi])
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	partial := &Partial{
		pk:         pk,
		candidates: candidates,
		sums:       shards[0].sums,
	}
	for i, s := range shards {
		partial.counted += s.counted
		partial.excluded = append(partial.excluded, s.excluded...)
		if i == 0 {
			continue
		}
		for c := range partial.sums {
			sum, err := pk.Add(partial.sums[c], s.sums[c])
			if err != nil {
				return nil, fmt.Errorf("failed to merge shard %d: %w", i, err)
			}
			partial.sums[c] = sum
		}
	}
	return partial, nil
}

// fold decodes ballots against pk and sums them with scheme.
func fold(ctx context.Context, scheme encryption.HomomorphicEncryptionScheme, pk *encryption.PublicKey, n int, part []Ballot) (shard, error) {
	s := shard{sums: make([]*encryption.Ciphertext, n)}
	zero := big.NewInt(0)
	for i := range s.sums {
		ct, err := scheme.Encrypt(zero)
		if err != nil {
			return s, fmt.Errorf("failed to initialise accumulator: %w", err)
		}
		s.sums[i] = ct
	}

	for _, b := range part {
		if err := ctx.Err(); err != nil {
			return s, nil
		}

		v, err := ballot.UnmarshalEnvelope(pk, b.Payload, n)
		if err != nil {
			s.excluded = append(s.excluded, Exclusion{BallotID: b.ID, Reason: err.Error(), Err: err})
			continue
		}

		next := make([]*encryption.Ciphertext, n)
		for i, ct := range v.Entries {
			if next[i], err = scheme.Add(s.sums[i], ct); err != nil {
				break
			}
		}
		if err != nil {
			s.excluded = append(s.excluded, Exclusion{BallotID: b.ID, Reason: err.Error(), Err: err})
			continue
		}
		s.sums = next
		s.counted++
	}
	return s, nil
}

// Finalize decrypts each per-candidate sum exactly once. Out-of-range totals
// are reported through Anomalies and Consistent, never as an error, so one
// forged ballot cannot block the tally of the honest ones.
func Finalize(d encryption.Decrypter, p *Partial) (*Result, error) {
	if !d.Public().Equal(p.pk) {
		return nil, ErrKeyMismatch
	}

	res := &Result{
		Counts:     make([]CandidateCount, len(p.candidates)),
		TotalVotes: new(big.Int),
		Counted:    p.counted,
		Excluded:   p.excluded,
	}
	if res.Excluded == nil {
		res.Excluded = []Exclusion{}
	}
	counted := big.NewInt(int64(p.counted))
	for i, id := range p.candidates {
		m, err := d.Decrypt(p.sums[i])
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt total for candidate %d: %w", id, err)
		}
		res.Counts[i] = CandidateCount{CandidateID: id, Votes: m}
		res.TotalVotes.Add(res.TotalVotes, m)
		if m.Cmp(counted) > 0 {
			res.Anomalies = append(res.Anomalies, id)
		}
	}
	res.Consistent = len(res.Anomalies) == 0 && res.TotalVotes.Cmp(counted) == 0
	return res, nil
}

// Run is Accumulate followed by Finalize.
func Run(ctx context.Context, sk *encryption.PrivateKey, candidates []int64, ballots []Ballot, opts Options) (*Result, error) {
	partial, err := Accumulate(ctx, sk.Public(), candidates, ballots, opts)
	if err != nil {
		return nil, err
	}
	return Finalize(sk, partial)
}
