package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"voting-core/models"
)

// electionFile is everything stored for one election
type electionFile struct {
	Election models.Election         `json:"election"`
	Ballots  []models.BallotRecord   `json:"ballots"`
	Audit    []models.AuditRecord    `json:"audit"`
	Events   []models.IntegrityEvent `json:"events"`
}

// JSONStore keeps one JSON document per election under basePath, rewritten
// atomically on every change. It suits single-node deployments and tests.
type JSONStore struct {
	basePath  string
	mu        sync.RWMutex
	elections map[string]*electionFile
}

func NewJSONStore(basePath string) (*JSONStore, error) {
	// Create storage directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	store := &JSONStore{
		basePath:  basePath,
		elections: make(map[string]*electionFile),
	}

	paths, err := filepath.Glob(filepath.Join(basePath, "election_*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list election files: %w", err)
	}
	for _, path := range paths {
		ef, err := loadElectionFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", filepath.Base(path), err)
		}
		store.elections[ef.Election.ID] = ef
	}

	log.Debug().Str("path", basePath).Int("elections", len(store.elections)).Msg("json store loaded")
	return store, nil
}

func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) path(electionID string) string {
	sum := sha256.Sum256([]byte(electionID))
	return filepath.Join(s.basePath, "election_"+hex.EncodeToString(sum[:16])+".json")
}

func loadElectionFile(path string) (*electionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ef electionFile
	if err := json.Unmarshal(data, &ef); err != nil {
		return nil, fmt.Errorf("failed to unmarshal election: %w", err)
	}
	return &ef, nil
}

func (s *JSONStore) save(ef *electionFile) error {
	path := s.path(ef.Election.ID)

	data, err := json.MarshalIndent(ef, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal election: %w", err)
	}

	// Write to temporary file first
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write election file: %w", err)
	}

	// Atomic rename to ensure consistency
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save election file: %w", err)
	}
	return nil
}

func (s *JSONStore) CreateElection(_ context.Context, e *models.Election) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.elections[e.ID]; exists {
		return ErrDuplicateElection
	}
	ef := &electionFile{Election: *e}
	ef.Election.CandidateIDs = slices.Clone(e.CandidateIDs)
	if err := s.save(ef); err != nil {
		return err
	}
	s.elections[e.ID] = ef
	return nil
}

func (s *JSONStore) GetElection(_ context.Context, id string) (*models.Election, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getElection(id)
}

func (s *JSONStore) getElection(id string) (*models.Election, error) {
	ef, ok := s.elections[id]
	if !ok {
		return nil, ErrNotFound
	}
	e := ef.Election
	e.CandidateIDs = slices.Clone(ef.Election.CandidateIDs)
	return &e, nil
}

func (s *JSONStore) SetElectionStatus(_ context.Context, id string, status models.ElectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ef, ok := s.elections[id]
	if !ok {
		return ErrNotFound
	}
	previous := ef.Election.Status
	ef.Election.Status = status
	if err := s.save(ef); err != nil {
		ef.Election.Status = previous
		return err
	}
	return nil
}

func (s *JSONStore) HasVoted(_ context.Context, electionID, voterID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasVoted(electionID, voterID), nil
}

func (s *JSONStore) hasVoted(electionID, voterID string) bool {
	ef, ok := s.elections[electionID]
	if !ok {
		return false
	}
	return slices.ContainsFunc(ef.Ballots, func(b models.BallotRecord) bool {
		return b.VoterID == voterID
	})
}

func (s *JSONStore) ListBallots(_ context.Context, electionID string) ([]models.BallotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ef, ok := s.elections[electionID]
	if !ok {
		return []models.BallotRecord{}, nil
	}
	// Return a copy of the ballots to prevent modification
	ballots := make([]models.BallotRecord, len(ef.Ballots))
	for i, b := range ef.Ballots {
		b.Payload = slices.Clone(b.Payload)
		ballots[i] = b
	}
	return ballots, nil
}

func (s *JSONStore) GetBallotByFingerprint(_ context.Context, electionID, fingerprint string) (*models.BallotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ef, ok := s.elections[electionID]
	if !ok {
		return nil, ErrNotFound
	}
	for _, b := range ef.Ballots {
		if b.Fingerprint == fingerprint {
			b.Payload = slices.Clone(b.Payload)
			return &b, nil
		}
	}
	return nil, ErrNotFound
}

func (s *JSONStore) ListAuditRecords(_ context.Context, electionID string) ([]models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ef, ok := s.elections[electionID]
	if !ok {
		return []models.AuditRecord{}, nil
	}
	return slices.Clone(ef.Audit), nil
}

func (s *JSONStore) AddIntegrityEvent(_ context.Context, ev *models.IntegrityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ef, ok := s.elections[ev.ElectionID]
	if !ok {
		return ErrNotFound
	}
	ef.Events = append(ef.Events, *ev)
	if err := s.save(ef); err != nil {
		ef.Events = ef.Events[:len(ef.Events)-1]
		return err
	}
	return nil
}

func (s *JSONStore) ListIntegrityEvents(_ context.Context, electionID string) ([]models.IntegrityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ef, ok := s.elections[electionID]
	if !ok {
		return []models.IntegrityEvent{}, nil
	}
	return slices.Clone(ef.Events), nil
}

// BeginTx takes the store's write lock until Commit or Rollback. Writes are
// staged and only reach the file on Commit.
func (s *JSONStore) BeginTx(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &jsonTx{store: s}, nil
}

type jsonTx struct {
	store   *JSONStore
	ballots []models.BallotRecord
	audit   []models.AuditRecord
	done    bool
}

func (t *jsonTx) GetElection(_ context.Context, id string) (*models.Election, error) {
	return t.store.getElection(id)
}

func (t *jsonTx) HasVoted(_ context.Context, electionID, voterID string) (bool, error) {
	if t.store.hasVoted(electionID, voterID) {
		return true, nil
	}
	return slices.ContainsFunc(t.ballots, func(b models.BallotRecord) bool {
		return b.ElectionID == electionID && b.VoterID == voterID
	}), nil
}

func (t *jsonTx) LastAuditRecord(_ context.Context, electionID string) (*models.AuditRecord, error) {
	for i := len(t.audit) - 1; i >= 0; i-- {
		if t.audit[i].ElectionID == electionID {
			r := t.audit[i]
			return &r, nil
		}
	}
	ef, ok := t.store.elections[electionID]
	if !ok || len(ef.Audit) == 0 {
		return nil, ErrNotFound
	}
	r := ef.Audit[len(ef.Audit)-1]
	return &r, nil
}

func (t *jsonTx) InsertBallot(ctx context.Context, b *models.BallotRecord) error {
	if _, ok := t.store.elections[b.ElectionID]; !ok {
		return ErrNotFound
	}
	if voted, _ := t.HasVoted(ctx, b.ElectionID, b.VoterID); voted {
		return ErrDuplicateBallot
	}
	record := *b
	record.Payload = slices.Clone(b.Payload)
	t.ballots = append(t.ballots, record)
	return nil
}

func (t *jsonTx) InsertAuditRecord(ctx context.Context, r *models.AuditRecord) error {
	if _, ok := t.store.elections[r.ElectionID]; !ok {
		return ErrNotFound
	}
	next := int64(0)
	if last, err := t.LastAuditRecord(ctx, r.ElectionID); err == nil {
		next = last.Index + 1
	}
	if r.Index != next {
		return fmt.Errorf("%w: audit index %d, next is %d", ErrConflict, r.Index, next)
	}
	t.audit = append(t.audit, *r)
	return nil
}

func (t *jsonTx) Commit() error {
	if t.done {
		return nil
	}
	defer t.finish()

	touched := make(map[string]*electionFile)
	ballotCounts := make(map[string]int)
	auditCounts := make(map[string]int)
	for _, b := range t.ballots {
		ef := t.store.elections[b.ElectionID]
		ballotCounts[b.ElectionID]++
		ef.Ballots = append(ef.Ballots, b)
		touched[b.ElectionID] = ef
	}
	for _, r := range t.audit {
		ef := t.store.elections[r.ElectionID]
		auditCounts[r.ElectionID]++
		ef.Audit = append(ef.Audit, r)
		touched[r.ElectionID] = ef
	}

	for id, ef := range touched {
		if err := t.store.save(ef); err != nil {
			// undo the in-memory append for this election
			ef.Ballots = ef.Ballots[:len(ef.Ballots)-ballotCounts[id]]
			ef.Audit = ef.Audit[:len(ef.Audit)-auditCounts[id]]
			return err
		}
	}
	return nil
}

func (t *jsonTx) Rollback() error {
	if !t.done {
		t.finish()
	}
	return nil
}

func (t *jsonTx) finish() {
	t.done = true
	t.ballots = nil
	t.audit = nil
	t.store.mu.Unlock()
}
