// Package storage persists elections, ballots, audit records and integrity
// events. Ciphertexts are opaque here; the store never sees key material.
package storage

import (
	"context"
	"errors"

	"voting-core/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateBallot   = errors.New("voter already has a ballot in this election")
	ErrDuplicateElection = errors.New("election already exists")
	ErrConflict          = errors.New("conflicting write")
)

// Store is implemented by SQLStore and JSONStore.
type Store interface {
	CreateElection(ctx context.Context, e *models.Election) error
	GetElection(ctx context.Context, id string) (*models.Election, error)
	SetElectionStatus(ctx context.Context, id string, status models.ElectionStatus) error

	HasVoted(ctx context.Context, electionID, voterID string) (bool, error)
	// ListBallots returns an election's ballots in cast order.
	ListBallots(ctx context.Context, electionID string) ([]models.BallotRecord, error)
	GetBallotByFingerprint(ctx context.Context, electionID, fingerprint string) (*models.BallotRecord, error)
	// ListAuditRecords returns an election's audit chain ordered by index.
	ListAuditRecords(ctx context.Context, electionID string) ([]models.AuditRecord, error)

	AddIntegrityEvent(ctx context.Context, ev *models.IntegrityEvent) error
	ListIntegrityEvents(ctx context.Context, electionID string) ([]models.IntegrityEvent, error)

	// BeginTx starts the transaction a ballot cast runs in.
	BeginTx(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is the atomic region of a ballot cast: status check, has-voted check,
// chain tail lookup and both inserts commit together or not at all.
type Tx interface {
	GetElection(ctx context.Context, id string) (*models.Election, error)
	HasVoted(ctx context.Context, electionID, voterID string) (bool, error)
	// LastAuditRecord returns ErrNotFound for an empty chain.
	LastAuditRecord(ctx context.Context, electionID string) (*models.AuditRecord, error)
	InsertBallot(ctx context.Context, b *models.BallotRecord) error
	InsertAuditRecord(ctx context.Context, r *models.AuditRecord) error
	Commit() error
	// Rollback is a no-op after Commit.
	Rollback() error
}
