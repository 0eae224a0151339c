package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"voting-core/ballot"
	"voting-core/encryption"
	"voting-core/encryption/encryptiontest"
	"voting-core/models"
	"voting-core/service"
	"voting-core/storage"
)

func setupServer(t *testing.T, queued bool) (*Server, *service.VotingService) {
	t.Helper()
	store, err := storage.NewJSONStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	keys, err := encryption.NewKeyRing(encryption.KeyRingConfig{Deployment: encryptiontest.Key(t)})
	if err != nil {
		t.Fatal(err)
	}
	signingKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	vs := service.NewVotingService(store, keys, encryption.NewCryptoService(signingKey), service.Options{TallyWorkers: 2})

	var qp *service.QueueProcessor
	if queued {
		qp = service.NewQueueProcessor(vs, 16)
		qp.Start(2)
		t.Cleanup(qp.Stop)
	}
	return NewServer(vs, qp), vs
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func createOpenElection(t *testing.T, s *Server, id string) {
	t.Helper()
	w := do(t, s, http.MethodPost, "/elections", CreateElectionRequest{ID: id, CandidateIDs: []int64{3, 1, 4, 2}})
	if w.Code != http.StatusCreated {
		t.Fatalf("create election: status %d, body %s", w.Code, w.Body)
	}
	e := decode[models.Election](t, w)
	if e.Status != models.ElectionPending {
		t.Errorf("new election status = %q", e.Status)
	}
	w = do(t, s, http.MethodPost, "/elections/"+id+"/open", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("open election: status %d, body %s", w.Code, w.Body)
	}
}

func vote(voter string, candidate int64) CastBallotRequest {
	return CastBallotRequest{VoterID: voter, CandidateID: &candidate}
}

func TestHealth(t *testing.T) {
	s, _ := setupServer(t, false)
	w := do(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestScenarioOverHTTP(t *testing.T) {
	for _, queued := range []bool{false, true} {
		t.Run(fmt.Sprintf("queued=%v", queued), func(t *testing.T) {
			s, vs := setupServer(t, queued)
			createOpenElection(t, s, "e1")

			var receipts []models.Receipt
			for i, choice := range []int64{1, 1, 2, 3, 1} {
				w := do(t, s, http.MethodPost, "/elections/e1/ballots", vote(fmt.Sprintf("v%d", i), choice))
				if w.Code != http.StatusCreated {
					t.Fatalf("cast %d: status %d, body %s", i, w.Code, w.Body)
				}
				receipts = append(receipts, decode[models.Receipt](t, w))
			}

			w := do(t, s, http.MethodGet, "/elections/e1/tally", nil)
			if w.Code != http.StatusOK {
				t.Fatalf("tally: status %d, body %s", w.Code, w.Body)
			}
			report := decode[service.TallyReport](t, w)
			want := map[int64]int64{1: 3, 2: 1, 3: 1, 4: 0}
			for id, n := range want {
				if got := report.Votes(id); got != n {
					t.Errorf("votes for %d = %d, want %d", id, got, n)
				}
			}
			if report.TotalVotes.Int64() != 5 || !report.Consistent {
				t.Errorf("total=%d consistent=%v", report.TotalVotes, report.Consistent)
			}
			if !vs.VerifyTallyReport(&report) {
				t.Error("tally report signature does not verify after a JSON round trip")
			}

			w = do(t, s, http.MethodGet, "/elections/e1/audit", nil)
			if w.Code != http.StatusOK {
				t.Fatalf("audit: status %d, body %s", w.Code, w.Body)
			}
			audit := decode[map[string]any](t, w)
			if audit["valid"] != true || audit["length"] != float64(5) || audit["broken_at"] != float64(-1) {
				t.Errorf("audit report = %v", audit)
			}
			if audit["head"] != receipts[4].Fingerprint {
				t.Errorf("audit head = %v, want last receipt %s", audit["head"], receipts[4].Fingerprint)
			}

			w = do(t, s, http.MethodGet, "/elections/e1/ballots/"+receipts[2].Fingerprint, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("lookup: status %d", w.Code)
			}
			if proof := decode[service.BallotProof](t, w); proof.BallotID != receipts[2].BallotID {
				t.Errorf("lookup returned ballot %s, want %s", proof.BallotID, receipts[2].BallotID)
			}
		})
	}
}

func TestDoubleVoteConflict(t *testing.T) {
	s, _ := setupServer(t, true)
	createOpenElection(t, s, "e1")

	if w := do(t, s, http.MethodPost, "/elections/e1/ballots", vote("alice", 1)); w.Code != http.StatusCreated {
		t.Fatalf("first cast: status %d", w.Code)
	}
	w := do(t, s, http.MethodPost, "/elections/e1/ballots", vote("alice", 2))
	if w.Code != http.StatusConflict {
		t.Fatalf("second cast: status %d, want 409", w.Code)
	}

	w = do(t, s, http.MethodGet, "/elections/e1/voters/alice", nil)
	if st := decode[VoterStatusResponse](t, w); !st.HasVoted {
		t.Error("alice should be marked as voted")
	}
	w = do(t, s, http.MethodGet, "/elections/e1/voters/bob", nil)
	if st := decode[VoterStatusResponse](t, w); st.HasVoted {
		t.Error("bob has not voted")
	}
}

func TestCastErrors(t *testing.T) {
	s, _ := setupServer(t, false)
	createOpenElection(t, s, "e1")
	if w := do(t, s, http.MethodPost, "/elections", CreateElectionRequest{ID: "pending", CandidateIDs: []int64{1, 2}}); w.Code != http.StatusCreated {
		t.Fatalf("create: %d", w.Code)
	}

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"unknown election", "/elections/nope/ballots", vote("a", 1), http.StatusNotFound},
		{"pending election", "/elections/pending/ballots", vote("a", 1), http.StatusConflict},
		{"invalid candidate", "/elections/e1/ballots", vote("a", 9), http.StatusUnprocessableEntity},
		{"missing voter", "/elections/e1/ballots", CastBallotRequest{CandidateID: new(int64)}, http.StatusBadRequest},
		{"neither choice nor ballot", "/elections/e1/ballots", CastBallotRequest{VoterID: "a"}, http.StatusBadRequest},
		{"not json", "/elections/e1/ballots", "{", http.StatusBadRequest},
		{"unknown field", "/elections/e1/ballots", `{"voter_id":"a","candidate_id":1,"extra":true}`, http.StatusBadRequest},
		{"malformed envelope", "/elections/e1/ballots", `{"voter_id":"a","ballot":{"scheme":"paillier-v1","entries":["1"]}}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body)
			}
			resp := decode[ErrorResponse](t, w)
			if resp.Error != http.StatusText(tt.status) || resp.Message == "" {
				t.Errorf("error body = %+v", resp)
			}
		})
	}
}

func TestCastEncodedBallotOverHTTP(t *testing.T) {
	s, _ := setupServer(t, false)
	createOpenElection(t, s, "e1")

	w := do(t, s, http.MethodGet, "/elections/e1/public-key", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("public key: status %d", w.Code)
	}
	exp := decode[service.PublicKeyExport](t, w)
	pk := encryptiontest.Key(t).Public()
	if exp.KeyID != pk.KeyID() || exp.N != pk.N.String() {
		t.Fatalf("exported key %+v does not match the deployment key", exp)
	}

	v, err := ballot.Encode(pk, 4, []int64{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	envelope, err := v.MarshalEnvelope(pk)
	if err != nil {
		t.Fatal(err)
	}
	body := fmt.Sprintf(`{"voter_id":"carol","ballot":%s}`, envelope)
	if w := do(t, s, http.MethodPost, "/elections/e1/ballots", body); w.Code != http.StatusCreated {
		t.Fatalf("cast encoded: status %d, body %s", w.Code, w.Body)
	}

	report := decode[service.TallyReport](t, do(t, s, http.MethodGet, "/elections/e1/tally", nil))
	if report.Votes(4) != 1 || report.TotalVotes.Int64() != 1 {
		t.Errorf("tally = %+v", report.Counts)
	}
}

func TestElectionLifecycle(t *testing.T) {
	s, _ := setupServer(t, false)
	createOpenElection(t, s, "e1")

	w := do(t, s, http.MethodPost, "/elections/e1/close", nil)
	if w.Code != http.StatusOK || decode[models.Election](t, w).Status != models.ElectionClosed {
		t.Fatalf("close: status %d, body %s", w.Code, w.Body)
	}
	if w := do(t, s, http.MethodPost, "/elections/e1/open", nil); w.Code != http.StatusConflict {
		t.Errorf("reopen closed election: status %d, want 409", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/elections/e1/ballots", vote("late", 1)); w.Code != http.StatusConflict {
		t.Errorf("cast after close: status %d, want 409", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/elections", CreateElectionRequest{ID: "e1", CandidateIDs: []int64{1}}); w.Code != http.StatusConflict {
		t.Errorf("duplicate election: status %d, want 409", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/elections", CreateElectionRequest{CandidateIDs: []int64{2, 2}}); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("duplicate candidates: status %d, want 422", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/elections/missing/tally", nil); w.Code != http.StatusNotFound {
		t.Errorf("tally of missing election: status %d, want 404", w.Code)
	}
}

func TestMetricsAndIntegrityEvents(t *testing.T) {
	s, _ := setupServer(t, false)
	createOpenElection(t, s, "e1")
	do(t, s, http.MethodPost, "/elections/e1/ballots", vote("a", 2))
	do(t, s, http.MethodPost, "/elections/e1/ballots", vote("a", 2))

	m := decode[service.MetricsResponse](t, do(t, s, http.MethodGet, "/metrics", nil))
	if m.Casting.Count != 2 || m.Casting.Failed != 1 {
		t.Errorf("casting metrics = %+v", m.Casting)
	}

	w := do(t, s, http.MethodGet, "/elections/e1/integrity-events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if events := decode[[]models.IntegrityEvent](t, w); len(events) != 0 {
		t.Errorf("clean election has integrity events: %+v", events)
	}
}
