package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"voting-core/ballot"
	"voting-core/encryption"
	"voting-core/encryption/encryptiontest"
	"voting-core/models"
	"voting-core/storage"
)

var fourCandidates = []int64{1, 2, 3, 4}

func newTestService(t *testing.T, store storage.Store) *VotingService {
	t.Helper()
	if store == nil {
		s, err := storage.NewJSONStore(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		store = s
	}

	keys, err := encryption.NewKeyRing(encryption.KeyRingConfig{Deployment: encryptiontest.Key(t)})
	if err != nil {
		t.Fatal(err)
	}
	signingKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return NewVotingService(store, keys, encryption.NewCryptoService(signingKey), Options{TallyWorkers: 3})
}

func openElection(t *testing.T, vs *VotingService, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := vs.RegisterElection(ctx, id, []int64{4, 2, 3, 1}); err != nil {
		t.Fatalf("RegisterElection() error = %v", err)
	}
	if err := vs.OpenElection(ctx, id); err != nil {
		t.Fatalf("OpenElection() error = %v", err)
	}
}

func TestScenarioTally(t *testing.T) {
	vs := newTestService(t, nil)
	ctx := context.Background()
	openElection(t, vs, "e1")

	for i, choice := range []int64{1, 1, 2, 3, 1} {
		if _, err := vs.CastBallot(ctx, fmt.Sprintf("voter-%d", i), "e1", choice, fourCandidates); err != nil {
			t.Fatalf("CastBallot(%d) error = %v", i, err)
		}
	}

	report, err := vs.ComputeTally(ctx, "e1")
	if err != nil {
		t.Fatalf("ComputeTally() error = %v", err)
	}
	want := map[int64]int64{1: 3, 2: 1, 3: 1, 4: 0}
	for id, n := range want {
		if got := report.Votes(id); got != n {
			t.Errorf("candidate %d: %d votes, want %d", id, got, n)
		}
	}
	if report.TotalVotes.Int64() != 5 || report.Counted != 5 || !report.Consistent || len(report.Excluded) != 0 {
		t.Errorf("report = %+v", report)
	}
	if !vs.VerifyTallyReport(report) {
		t.Error("tally report signature does not verify")
	}

	report.Counts[0].Votes = new(big.Int).Add(report.Counts[0].Votes, big.NewInt(1))
	if vs.VerifyTallyReport(report) {
		t.Error("altered tally report still verifies")
	}
}

func TestDoubleVoteRejected(t *testing.T) {
	store, err := storage.NewJSONStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	vs := newTestService(t, store)
	ctx := context.Background()
	openElection(t, vs, "e1")

	if _, err := vs.CastBallot(ctx, "alice", "e1", 2, nil); err != nil {
		t.Fatal(err)
	}
	_, err = vs.CastBallot(ctx, "alice", "e1", 3, nil)
	if !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("second CastBallot() error = %v, want ErrAlreadyVoted", err)
	}

	records, _ := store.ListAuditRecords(ctx, "e1")
	if len(records) != 1 {
		t.Errorf("%d audit records after double vote, want 1", len(records))
	}
	voted, _ := vs.HasVoted(ctx, "e1", "alice")
	if !voted {
		t.Error("HasVoted(alice) = false")
	}
}

func TestConcurrentCastsBySameVoter(t *testing.T) {
	s, err := storage.OpenSQL(storage.DialectSQLite, t.TempDir()+"/voting.db")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	vs := newTestService(t, s)
	ctx := context.Background()
	openElection(t, vs, "e1")

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(choice int64) {
			defer wg.Done()
			_, err := vs.CastBallot(ctx, "mallory", "e1", choice, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrAlreadyVoted):
				rejected++
			default:
				t.Errorf("CastBallot() unexpected error = %v", err)
			}
		}(int64(i%4 + 1))
	}
	wg.Wait()

	if succeeded != 1 || rejected != attempts-1 {
		t.Errorf("succeeded=%d rejected=%d, want 1 and %d", succeeded, rejected, attempts-1)
	}
	records, _ := s.ListAuditRecords(ctx, "e1")
	if len(records) != 1 {
		t.Errorf("%d audit records, want 1", len(records))
	}
}

func TestConcurrentCastsKeepChainValid(t *testing.T) {
	vs := newTestService(t, nil)
	ctx := context.Background()
	openElection(t, vs, "e1")

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := vs.CastBallot(ctx, fmt.Sprintf("v%d", i), "e1", int64(i%4+1), nil); err != nil {
				t.Errorf("CastBallot(%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	report, err := vs.VerifyAuditChain(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.Length != 12 {
		t.Errorf("VerifyAuditChain() = %+v, want valid chain of 12", report.Report)
	}
	if report.Signature == "" {
		t.Error("valid chain head should be signed")
	}

	tallied, err := vs.ComputeTally(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if tallied.TotalVotes.Int64() != 12 || tallied.Votes(1) != 3 || tallied.AuditHead != report.Head {
		t.Errorf("tally = %+v", tallied)
	}
}

func TestCastRequiresActiveElection(t *testing.T) {
	vs := newTestService(t, nil)
	ctx := context.Background()

	if _, err := vs.RegisterElection(ctx, "e1", fourCandidates); err != nil {
		t.Fatal(err)
	}
	if _, err := vs.CastBallot(ctx, "alice", "e1", 1, nil); !errors.Is(err, ErrElectionNotActive) {
		t.Errorf("cast into pending election error = %v, want ErrElectionNotActive", err)
	}

	if err := vs.OpenElection(ctx, "e1"); err != nil {
		t.Fatal(err)
	}
	if err := vs.CloseElection(ctx, "e1"); err != nil {
		t.Fatal(err)
	}
	if _, err := vs.CastBallot(ctx, "alice", "e1", 1, nil); !errors.Is(err, ErrElectionNotActive) {
		t.Errorf("cast into closed election error = %v, want ErrElectionNotActive", err)
	}

	if err := vs.OpenElection(ctx, "e1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reopening a closed election error = %v, want ErrInvalidTransition", err)
	}
	if _, err := vs.CastBallot(ctx, "alice", "missing", 1, nil); !errors.Is(err, ErrElectionNotFound) {
		t.Errorf("cast into unknown election error = %v, want ErrElectionNotFound", err)
	}
}

func TestCastRejectsInvalidChoice(t *testing.T) {
	vs := newTestService(t, nil)
	ctx := context.Background()
	openElection(t, vs, "e1")

	if _, err := vs.CastBallot(ctx, "alice", "e1", 9, nil); !errors.Is(err, ballot.ErrInvalidChoice) {
		t.Errorf("CastBallot(9) error = %v, want ErrInvalidChoice", err)
	}
	if _, err := vs.CastBallot(ctx, "alice", "e1", 1, []int64{1, 2, 3}); !errors.Is(err, ballot.ErrInvalidChoice) {
		t.Errorf("CastBallot(stale candidate list) error = %v, want ErrInvalidChoice", err)
	}
	// order of the caller's list does not matter
	if _, err := vs.CastBallot(ctx, "alice", "e1", 1, []int64{3, 1, 4, 2}); err != nil {
		t.Errorf("CastBallot(unordered list) error = %v", err)
	}
}

func TestCastEncodedBallot(t *testing.T) {
	store, err := storage.NewJSONStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	vs := newTestService(t, store)
	ctx := context.Background()
	openElection(t, vs, "e1")

	pk := encryptiontest.Key(t).Public()
	v, err := ballot.Encode(pk, 3, fourCandidates)
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := v.MarshalEnvelope(pk)

	if _, err := vs.CastEncodedBallot(ctx, "alice", "e1", payload); err != nil {
		t.Fatalf("CastEncodedBallot() error = %v", err)
	}

	short, _ := ballot.Encode(pk, 1, []int64{1, 2})
	shortPayload, _ := short.MarshalEnvelope(pk)
	if _, err := vs.CastEncodedBallot(ctx, "bob", "e1", shortPayload); !errors.Is(err, ballot.ErrMalformedBallot) {
		t.Errorf("CastEncodedBallot(short) error = %v, want ErrMalformedBallot", err)
	}

	records, _ := store.ListAuditRecords(ctx, "e1")
	if len(records) != 1 {
		t.Errorf("%d audit records, want 1", len(records))
	}

	report, err := vs.ComputeTally(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Votes(3) != 1 || report.TotalVotes.Int64() != 1 {
		t.Errorf("tally = %+v", report.Counts)
	}
}

func TestExportPublicKey(t *testing.T) {
	vs := newTestService(t, nil)
	openElection(t, vs, "e1")
	sk := encryptiontest.Key(t)

	exp, err := vs.ExportPublicKey("e1")
	if err != nil {
		t.Fatal(err)
	}
	if exp.N != sk.N.Text(10) || exp.G != sk.G.Text(10) || exp.KeyID != sk.KeyID() || exp.Bits != 2048 {
		t.Errorf("ExportPublicKey() = %+v", exp)
	}
}

func TestLookupBallotByReceipt(t *testing.T) {
	vs := newTestService(t, nil)
	ctx := context.Background()
	openElection(t, vs, "e1")

	receipt, err := vs.CastBallot(ctx, "alice", "e1", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	proof, err := vs.LookupBallot(ctx, "e1", receipt.Fingerprint)
	if err != nil {
		t.Fatalf("LookupBallot() error = %v", err)
	}
	if proof.BallotID != receipt.BallotID {
		t.Errorf("LookupBallot() = %+v, want ballot %s", proof, receipt.BallotID)
	}
	if _, err := vs.LookupBallot(ctx, "e1", "0xdead"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("LookupBallot(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestMetricsRecorded(t *testing.T) {
	vs := newTestService(t, nil)
	ctx := context.Background()
	openElection(t, vs, "e1")

	vs.CastBallot(ctx, "alice", "e1", 1, nil)
	vs.CastBallot(ctx, "alice", "e1", 1, nil)
	vs.ComputeTally(ctx, "e1")
	vs.VerifyAuditChain(ctx, "e1")

	m := vs.Metrics().GetMetrics()
	if m.Casting.Count != 2 || m.Casting.Failed != 1 {
		t.Errorf("casting metrics = %+v", m.Casting)
	}
	if m.Counting.Count != 1 || m.LastTallyBallots != 1 || m.Verification.Count != 1 {
		t.Errorf("metrics = %+v", m)
	}

	vs.Metrics().Reset()
	if vs.Metrics().GetMetrics().Casting.Count != 0 {
		t.Error("Reset() did not clear metrics")
	}
}

func TestQueueProcessor(t *testing.T) {
	vs := newTestService(t, nil)
	ctx := context.Background()
	openElection(t, vs, "e1")

	qp := NewQueueProcessor(vs, 16)
	qp.Start(2)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipt, err := qp.Cast(ctx, VoteRequest{VoterID: fmt.Sprintf("q%d", i), ElectionID: "e1", CandidateID: 2})
			if err != nil || receipt.Fingerprint == "" {
				t.Errorf("Cast(%d) = %+v, %v", i, receipt, err)
			}
		}(i)
	}
	wg.Wait()

	if _, err := qp.Cast(ctx, VoteRequest{VoterID: "q0", ElectionID: "e1", CandidateID: 1}); !errors.Is(err, ErrAlreadyVoted) {
		t.Errorf("queued double vote error = %v, want ErrAlreadyVoted", err)
	}

	qp.Stop()
	if _, err := qp.Cast(ctx, VoteRequest{VoterID: "late", ElectionID: "e1", CandidateID: 1}); !errors.Is(err, ErrQueueStopped) {
		t.Errorf("Cast() after Stop error = %v, want ErrQueueStopped", err)
	}

	report, _ := vs.ComputeTally(ctx, "e1")
	if report.Votes(2) != 4 {
		t.Errorf("queued votes tallied = %d, want 4", report.Votes(2))
	}
}

func TestRegisterElectionRejectsBadCandidates(t *testing.T) {
	vs := newTestService(t, nil)
	if _, err := vs.RegisterElection(context.Background(), "e1", []int64{1, 1}); !errors.Is(err, ballot.ErrInvalidCandidates) {
		t.Errorf("RegisterElection(duplicate) error = %v, want ErrInvalidCandidates", err)
	}

	e, err := vs.RegisterElection(context.Background(), "", []int64{2, 1})
	if err != nil {
		t.Fatal(err)
	}
	if e.ID == "" || e.Status != models.ElectionPending || e.CandidateIDs[0] != 1 {
		t.Errorf("RegisterElection() = %+v", e)
	}
}
