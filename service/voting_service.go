package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"voting-core/audit"
	"voting-core/ballot"
	"voting-core/encryption"
	"voting-core/models"
	"voting-core/storage"
)

var (
	ErrAlreadyVoted      = errors.New("voter has already cast a ballot in this election")
	ErrElectionNotActive = errors.New("election is not active")
	ErrElectionNotFound  = errors.New("election not found")
	ErrInvalidTransition = errors.New("invalid election status transition")
)

type Options struct {
	// TallyWorkers bounds the goroutines used per tally. Zero means GOMAXPROCS.
	TallyWorkers int
}

// VotingService is the narrow interface the request layer talks to. Voter
// authentication and eligibility are the caller's job; the service enforces
// one ballot per voter per election and keeps the audit chain.
type VotingService struct {
	store   storage.Store
	keys    *encryption.KeyRing
	signer  *encryption.CryptoService
	metrics *MetricsCollector
	opts    Options

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	flagMu  sync.Mutex

	now func() time.Time
}

func NewVotingService(store storage.Store, keys *encryption.KeyRing, signer *encryption.CryptoService, opts Options) *VotingService {
	return &VotingService{
		store:   store,
		keys:    keys,
		signer:  signer,
		metrics: NewMetricsCollector(),
		opts:    opts,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// Metrics returns the service's metrics collector
func (vs *VotingService) Metrics() *MetricsCollector {
	return vs.metrics
}

// electionLock returns the mutex serializing casts into one election's chain.
func (vs *VotingService) electionLock(electionID string) *sync.Mutex {
	vs.locksMu.Lock()
	defer vs.locksMu.Unlock()

	mu, ok := vs.locks[electionID]
	if !ok {
		mu = &sync.Mutex{}
		vs.locks[electionID] = mu
	}
	return mu
}

// RegisterElection stores a new pending election with its candidates in
// canonical order and provisions its key. An empty id gets a fresh UUID.
func (vs *VotingService) RegisterElection(ctx context.Context, id string, candidateIDs []int64) (*models.Election, error) {
	candidates, err := ballot.CanonicalOrder(candidateIDs)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.New().String()
	}

	// blocks until the key exists; no ballot can be encrypted before that
	if _, err := vs.keys.Ensure(id); err != nil {
		return nil, fmt.Errorf("failed to provision election key: %w", err)
	}

	e := &models.Election{
		ID:           id,
		CandidateIDs: candidates,
		Status:       models.ElectionPending,
		CreatedAt:    vs.now().UTC(),
	}
	if err := vs.store.CreateElection(ctx, e); err != nil {
		return nil, err
	}

	log.Info().Str("election", id).Ints64("candidates", candidates).Msg("election registered")
	return e, nil
}

// GetElection returns the stored election
func (vs *VotingService) GetElection(ctx context.Context, electionID string) (*models.Election, error) {
	e, err := vs.store.GetElection(ctx, electionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrElectionNotFound
	}
	return e, err
}

// OpenElection moves a pending election to active.
func (vs *VotingService) OpenElection(ctx context.Context, electionID string) error {
	return vs.transition(ctx, electionID, models.ElectionPending, models.ElectionActive)
}

// CloseElection moves an active election to closed. Ballots are refused from
// then on; tallying and verification remain available.
func (vs *VotingService) CloseElection(ctx context.Context, electionID string) error {
	return vs.transition(ctx, electionID, models.ElectionActive, models.ElectionClosed)
}

func (vs *VotingService) transition(ctx context.Context, electionID string, from, to models.ElectionStatus) error {
	mu := vs.electionLock(electionID)
	mu.Lock()
	defer mu.Unlock()

	e, err := vs.GetElection(ctx, electionID)
	if err != nil {
		return err
	}
	if e.Status != from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	if err := vs.store.SetElectionStatus(ctx, electionID, to); err != nil {
		return err
	}

	log.Info().Str("election", electionID).Str("status", string(to)).Msg("election status changed")
	return nil
}

// CastBallot encrypts the voter's choice as a one-hot vector and records it.
// candidateIDsInElection, when given, must name the election's candidates;
// order does not matter.
func (vs *VotingService) CastBallot(ctx context.Context, voterID, electionID string, candidateID int64, candidateIDsInElection []int64) (*models.Receipt, error) {
	e, err := vs.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.ElectionActive {
		return nil, ErrElectionNotActive
	}
	if candidateIDsInElection != nil {
		given, err := ballot.CanonicalOrder(candidateIDsInElection)
		if err != nil || !slices.Equal(given, e.CandidateIDs) {
			return nil, fmt.Errorf("%w: candidate list does not match the election", ballot.ErrInvalidChoice)
		}
	}

	pk, err := vs.keys.Public(electionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load election key: %w", err)
	}

	// encryption happens outside the election lock
	v, err := ballot.Encode(pk, candidateID, e.CandidateIDs)
	if err != nil {
		return nil, err
	}
	payload, err := v.MarshalEnvelope(pk)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize ballot: %w", err)
	}
	return vs.record(ctx, voterID, electionID, payload)
}

// CastEncodedBallot records a ballot encrypted by the caller. The payload must
// be a canonical envelope under the election key with one entry per
// candidate. Whether it is one-hot cannot be checked without a proof.
func (vs *VotingService) CastEncodedBallot(ctx context.Context, voterID, electionID string, payload []byte) (*models.Receipt, error) {
	e, err := vs.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.ElectionActive {
		return nil, ErrElectionNotActive
	}
	pk, err := vs.keys.Public(electionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load election key: %w", err)
	}

	v, err := ballot.UnmarshalEnvelope(pk, payload, len(e.CandidateIDs))
	if err != nil {
		return nil, err
	}
	canonical, err := v.MarshalEnvelope(pk)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize ballot: %w", err)
	}
	return vs.record(ctx, voterID, electionID, canonical)
}

// record runs the has-voted check and both inserts in one transaction under
// the election lock.
func (vs *VotingService) record(ctx context.Context, voterID, electionID string, payload []byte) (receipt *models.Receipt, err error) {
	start := time.Now()
	defer func() {
		vs.metrics.RecordCast(time.Since(start), err)
		log.Debug().
			Str("election", electionID).
			Dur("ms", time.Since(start)).
			Err(err).
			Msg("ballot cast")
	}()

	if voterID == "" {
		return nil, errors.New("voter id is required")
	}

	mu := vs.electionLock(electionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := vs.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	e, err := tx.GetElection(ctx, electionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrElectionNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.Status != models.ElectionActive {
		return nil, ErrElectionNotActive
	}

	voted, err := tx.HasVoted(ctx, electionID, voterID)
	if err != nil {
		return nil, err
	}
	if voted {
		return nil, ErrAlreadyVoted
	}

	previous, idx := audit.Genesis(), int64(0)
	last, err := tx.LastAuditRecord(ctx, electionID)
	switch {
	case err == nil:
		previous, idx = last.Fingerprint, last.Index+1
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	ballotID := uuid.New().String()
	link, err := audit.Append(previous, audit.Content{
		ElectionID: electionID,
		BallotID:   ballotID,
		Payload:    payload,
	}, vs.now().UTC())
	if err != nil {
		return nil, err
	}

	if err := tx.InsertBallot(ctx, &models.BallotRecord{
		ID:          ballotID,
		ElectionID:  electionID,
		VoterID:     voterID,
		Payload:     payload,
		Fingerprint: link.Fingerprint,
		CastAt:      link.Timestamp,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateBallot) {
			return nil, ErrAlreadyVoted
		}
		return nil, err
	}

	record := link.Record(electionID, ballotID, idx)
	if err := tx.InsertAuditRecord(ctx, &record); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ballot: %w", err)
	}

	log.Info().
		Str("election", electionID).
		Str("ballot", ballotID).
		Int64("index", idx).
		Str("fingerprint", link.Fingerprint).
		Msg("ballot accepted")
	return &models.Receipt{BallotID: ballotID, Fingerprint: link.Fingerprint}, nil
}

// HasVoted reports whether voterID already has a ballot in the election.
func (vs *VotingService) HasVoted(ctx context.Context, electionID, voterID string) (bool, error) {
	return vs.store.HasVoted(ctx, electionID, voterID)
}

// BallotProof is what a voter can look up with their receipt fingerprint.
// It carries no voter identity.
type BallotProof struct {
	BallotID    string    `json:"ballot_id"`
	ElectionID  string    `json:"election_id"`
	Fingerprint string    `json:"fingerprint"`
	CastAt      time.Time `json:"cast_at"`
	Payload     string    `json:"payload"`
}

// LookupBallot finds the ballot a receipt fingerprint refers to.
func (vs *VotingService) LookupBallot(ctx context.Context, electionID, fingerprint string) (*BallotProof, error) {
	b, err := vs.store.GetBallotByFingerprint(ctx, electionID, fingerprint)
	if err != nil {
		return nil, err
	}
	return &BallotProof{
		BallotID:    b.ID,
		ElectionID:  b.ElectionID,
		Fingerprint: b.Fingerprint,
		CastAt:      b.CastAt,
		Payload:     string(b.Payload),
	}, nil
}

// PublicKeyExport is the only key material that leaves the service.
type PublicKeyExport struct {
	ElectionID string `json:"election_id"`
	Scheme     string `json:"scheme"`
	KeyID      string `json:"key_id"`
	Bits       int    `json:"bits"`
	N          string `json:"n"`
	G          string `json:"g"`
}

// ExportPublicKey returns (n, g) for an election's key in decimal.
func (vs *VotingService) ExportPublicKey(electionID string) (*PublicKeyExport, error) {
	pk, err := vs.keys.Public(electionID)
	if err != nil {
		if errors.Is(err, encryption.ErrKeyNotFound) {
			return nil, ErrElectionNotFound
		}
		return nil, err
	}
	return &PublicKeyExport{
		ElectionID: electionID,
		Scheme:     ballot.Scheme,
		KeyID:      pk.KeyID(),
		Bits:       pk.KeySize(),
		N:          pk.N.Text(10),
		G:          pk.G.Text(10),
	}, nil
}

// IntegrityEvents lists what has been flagged for an election.
func (vs *VotingService) IntegrityEvents(ctx context.Context, electionID string) ([]models.IntegrityEvent, error) {
	return vs.store.ListIntegrityEvents(ctx, electionID)
}

// flag records an integrity event once. Ballot-scoped events are keyed by
// (kind, ballot); election-wide ones by (kind, detail), so repeated tallies
// and verifications of the same damage do not grow the log.
func (vs *VotingService) flag(ctx context.Context, electionID string, kind models.IntegrityKind, ballotID, detail string) {
	vs.flagMu.Lock()
	defer vs.flagMu.Unlock()

	existing, err := vs.store.ListIntegrityEvents(ctx, electionID)
	if err != nil {
		log.Error().Err(err).Str("election", electionID).Msg("failed to read integrity events")
	}
	for _, ev := range existing {
		if ev.Kind != kind || ev.BallotID != ballotID {
			continue
		}
		if ballotID != "" || ev.Detail == detail {
			return
		}
	}

	ev := &models.IntegrityEvent{
		ID:         uuid.New().String(),
		ElectionID: electionID,
		Kind:       kind,
		BallotID:   ballotID,
		Detail:     detail,
		At:         vs.now().UTC(),
	}
	if err := vs.store.AddIntegrityEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("election", electionID).Str("kind", string(kind)).Msg("failed to record integrity event")
	}
}
