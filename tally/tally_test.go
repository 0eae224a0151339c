package tally_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand/v2"
	"testing"

	"voting-core/ballot"
	"voting-core/encryption"
	"voting-core/encryption/encryptiontest"
	"voting-core/tally"
)

var candidates = []int64{1, 2, 3, 4}

func castAll(t *testing.T, pk *encryption.PublicKey, choices []int64) []tally.Ballot {
	t.Helper()
	ballots := make([]tally.Ballot, len(choices))
	for i, choice := range choices {
		v, err := ballot.Encode(pk, choice, candidates)
		if err != nil {
			t.Fatalf("Encode(%d) error = %v", choice, err)
		}
		payload, err := v.MarshalEnvelope(pk)
		if err != nil {
			t.Fatal(err)
		}
		ballots[i] = tally.Ballot{ID: fmt.Sprintf("b%d", i), Payload: payload}
	}
	return ballots
}

func assertCounts(t *testing.T, res *tally.Result, want map[int64]int64, total int64) {
	t.Helper()
	for id, n := range want {
		if got := res.Votes(id); got != n {
			t.Errorf("candidate %d: got %d votes, want %d", id, got, n)
		}
	}
	if res.TotalVotes.Cmp(big.NewInt(total)) != 0 {
		t.Errorf("TotalVotes = %s, want %d", res.TotalVotes, total)
	}
}

func TestFourCandidateScenario(t *testing.T) {
	sk := encryptiontest.Key(t)
	ballots := castAll(t, sk.Public(), []int64{1, 1, 2, 3, 1})

	res, err := tally.Run(context.Background(), sk, candidates, ballots, tally.Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertCounts(t, res, map[int64]int64{1: 3, 2: 1, 3: 1, 4: 0}, 5)
	if len(res.Counts) != 4 || res.Counts[3].CandidateID != 4 {
		t.Errorf("Counts = %+v, want every candidate in canonical order", res.Counts)
	}
	if !res.Consistent || res.Counted != 5 || len(res.Excluded) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestTallyIsOrderAndShardIndependent(t *testing.T) {
	sk := encryptiontest.Key(t)
	choices := []int64{4, 2, 2, 1, 3, 4, 4, 1, 2, 4, 3}
	ballots := castAll(t, sk.Public(), choices)
	want := map[int64]int64{1: 2, 2: 3, 3: 2, 4: 4}

	rng := rand.New(rand.NewPCG(1, 2))
	for _, workers := range []int{1, 2, 3, 7, 64} {
		shuffled := append([]tally.Ballot(nil), ballots...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			res, err := tally.Run(context.Background(), sk, candidates, shuffled, tally.Options{Workers: workers})
			if err != nil {
				t.Fatal(err)
			}
			assertCounts(t, res, want, int64(len(choices)))
		})
	}
}

func TestZeroBallots(t *testing.T) {
	sk := encryptiontest.Key(t)

	res, err := tally.Run(context.Background(), sk, candidates, nil, tally.Options{Workers: 4})
	if err != nil {
		t.Fatalf("Run() with no ballots error = %v", err)
	}
	assertCounts(t, res, map[int64]int64{1: 0, 2: 0, 3: 0, 4: 0}, 0)
	if !res.Consistent {
		t.Error("empty tally should be consistent")
	}
}

func TestMalformedBallotsAreExcluded(t *testing.T) {
	sk := encryptiontest.Key(t)
	pk := sk.Public()
	ballots := castAll(t, pk, []int64{1, 2, 2})

	short, err := ballot.Encode(pk, 1, []int64{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	shortPayload, _ := short.MarshalEnvelope(pk)

	ballots = append(ballots,
		tally.Ballot{ID: "short", Payload: shortPayload},
		tally.Ballot{ID: "garbage", Payload: []byte("not a ballot")},
	)

	res, err := tally.Run(context.Background(), sk, candidates, ballots, tally.Options{Workers: 2})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertCounts(t, res, map[int64]int64{1: 1, 2: 2}, 3)

	if len(res.Excluded) != 2 {
		t.Fatalf("Excluded = %+v, want 2 entries", res.Excluded)
	}
	for _, ex := range res.Excluded {
		if !errors.Is(ex.Err, ballot.ErrMalformedBallot) {
			t.Errorf("exclusion %s error = %v, want ErrMalformedBallot", ex.BallotID, ex.Err)
		}
	}
	if res.Excluded[0].BallotID != "short" || res.Excluded[1].BallotID != "garbage" {
		t.Errorf("exclusions out of order: %+v", res.Excluded)
	}
}

func TestForgedBallotMakesTallyInconsistent(t *testing.T) {
	sk := encryptiontest.Key(t)
	pk := sk.Public()
	ballots := castAll(t, pk, []int64{1, 2})

	forged := &ballot.Vector{}
	for _, m := range []int64{1, 1, 0, 0} {
		ct, _ := pk.Encrypt(big.NewInt(m))
		forged.Entries = append(forged.Entries, ct)
	}
	payload, _ := forged.MarshalEnvelope(pk)
	ballots = append(ballots, tally.Ballot{ID: "forged", Payload: payload})

	res, err := tally.Run(context.Background(), sk, candidates, ballots, tally.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Consistent || res.TotalVotes.Int64() != 4 || res.Counted != 3 {
		t.Errorf("result = %+v, want inconsistent with 4 votes from 3 ballots", res)
	}
}

func TestOversizedTotalStillTallies(t *testing.T) {
	sk := encryptiontest.Key(t)
	pk := sk.Public()
	ballots := castAll(t, pk, []int64{1, 1, 3})

	// entry for candidate 2 encrypts n-1, i.e. -1 mod n
	nMinusOne := new(big.Int).Sub(pk.N, big.NewInt(1))
	forged := &ballot.Vector{}
	for _, m := range []*big.Int{big.NewInt(0), nMinusOne, big.NewInt(0), big.NewInt(0)} {
		ct, err := pk.Encrypt(m)
		if err != nil {
			t.Fatal(err)
		}
		forged.Entries = append(forged.Entries, ct)
	}
	payload, err := forged.MarshalEnvelope(pk)
	if err != nil {
		t.Fatal(err)
	}
	ballots = append(ballots, tally.Ballot{ID: "forged", Payload: payload})

	res, err := tally.Run(context.Background(), sk, candidates, ballots, tally.Options{Workers: 2})
	if err != nil {
		t.Fatalf("Run() error = %v, want a tally with an anomaly", err)
	}
	if res.Votes(1) != 2 || res.Votes(3) != 1 || res.Votes(4) != 0 {
		t.Errorf("honest counts = %+v", res.Counts)
	}
	if res.Votes(2) != -1 || res.Counts[1].Votes.Cmp(nMinusOne) != 0 {
		t.Errorf("candidate 2 total = %s, want n-1", res.Counts[1].Votes)
	}
	if res.Consistent || res.Counted != 4 {
		t.Errorf("result consistent=%v counted=%d", res.Consistent, res.Counted)
	}
	if len(res.Anomalies) != 1 || res.Anomalies[0] != 2 {
		t.Errorf("Anomalies = %v, want [2]", res.Anomalies)
	}
	want := new(big.Int).Add(nMinusOne, big.NewInt(3))
	if res.TotalVotes.Cmp(want) != 0 {
		t.Errorf("TotalVotes = %s, want n+2 without wrapping", res.TotalVotes)
	}
}

func TestCancelledTallyIsDiscarded(t *testing.T) {
	sk := encryptiontest.Key(t)
	ballots := castAll(t, sk.Public(), []int64{1, 2, 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	partial, err := tally.Accumulate(ctx, sk.Public(), candidates, ballots, tally.Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Accumulate() error = %v, want context.Canceled", err)
	}
	if partial != nil {
		t.Error("cancelled Accumulate() returned a partial tally")
	}

	// the same ballots still tally once the caller retries
	res, err := tally.Run(context.Background(), sk, candidates, ballots, tally.Options{})
	if err != nil {
		t.Fatal(err)
	}
	assertCounts(t, res, map[int64]int64{1: 1, 2: 1, 3: 1, 4: 0}, 3)
}

func TestFinalizeRejectsForeignKey(t *testing.T) {
	sk := encryptiontest.Key(t)
	other := encryptiontest.OtherKey(t)

	partial, err := tally.Accumulate(context.Background(), sk.Public(), candidates, nil, tally.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tally.Finalize(other, partial); !errors.Is(err, tally.ErrKeyMismatch) {
		t.Errorf("Finalize() error = %v, want ErrKeyMismatch", err)
	}
}

func TestAccumulateRequiresCanonicalCandidates(t *testing.T) {
	pk := encryptiontest.Key(t).Public()
	_, err := tally.Accumulate(context.Background(), pk, []int64{2, 1}, nil, tally.Options{})
	if !errors.Is(err, ballot.ErrInvalidCandidates) {
		t.Errorf("Accumulate() error = %v, want ErrInvalidCandidates", err)
	}
}
