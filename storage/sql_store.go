package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"voting-core/models"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS election (
    id TEXT PRIMARY KEY,
    candidate_ids TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'active', 'closed')),
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS ballot (
    id TEXT PRIMARY KEY,
    election_id TEXT NOT NULL REFERENCES election(id),
    voter_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    cast_at BIGINT NOT NULL,
    UNIQUE (election_id, voter_id)
);

CREATE INDEX IF NOT EXISTS idx_ballot_fingerprint ON ballot(election_id, fingerprint);

CREATE TABLE IF NOT EXISTS audit_record (
    election_id TEXT NOT NULL REFERENCES election(id),
    idx BIGINT NOT NULL,
    ballot_id TEXT NOT NULL REFERENCES ballot(id),
    fingerprint TEXT NOT NULL,
    previous_fingerprint TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    ts BIGINT NOT NULL,
    PRIMARY KEY (election_id, idx)
);

CREATE TABLE IF NOT EXISTS integrity_event (
    id TEXT PRIMARY KEY,
    election_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    ballot_id TEXT,
    detail TEXT NOT NULL,
    at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_integrity_event_election ON integrity_event(election_id);
`

// SQLStore keeps everything in a relational database, PostgreSQL via lib/pq
// or SQLite via modernc.org/sqlite. Queries are written with ? placeholders
// and rebound per dialect. Timestamps are stored as Unix nanoseconds so audit
// fingerprints recompute exactly.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenSQL opens and migrates a database. dialect is "postgres" or "sqlite";
// for sqlite dsn is a file path.
func OpenSQL(dialect, dsn string) (*SQLStore, error) {
	var driver string
	switch dialect {
	case DialectPostgres:
		driver = "postgres"
	case DialectSQLite:
		driver = "sqlite"
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		}
	default:
		return nil, fmt.Errorf("unsupported database type %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// one writer; the cast transaction serializes on this connection
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store, err := NewSQLStore(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database and creates the schema if needed.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	log.Debug().Str("dialect", dialect).Msg("database schema ready")
	return &SQLStore{db: db, dialect: dialect}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $1, $2, ... for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) CreateElection(ctx context.Context, e *models.Election) error {
	ids, err := json.Marshal(e.CandidateIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO election (id, candidate_ids, status, created_at)
		VALUES (?, ?, ?, ?)
	`), e.ID, string(ids), string(e.Status), e.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateElection
		}
		return fmt.Errorf("failed to create election: %w", err)
	}
	return nil
}

func (s *SQLStore) GetElection(ctx context.Context, id string) (*models.Election, error) {
	return s.getElection(ctx, s.db, id)
}

func (s *SQLStore) getElection(ctx context.Context, q querier, id string) (*models.Election, error) {
	var (
		e         models.Election
		ids       string
		status    string
		createdAt int64
	)
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT id, candidate_ids, status, created_at FROM election WHERE id = ?
	`), id).Scan(&e.ID, &ids, &status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load election: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &e.CandidateIDs); err != nil {
		return nil, fmt.Errorf("failed to decode candidate ids: %w", err)
	}
	e.Status = models.ElectionStatus(status)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return &e, nil
}

func (s *SQLStore) SetElectionStatus(ctx context.Context, id string, status models.ElectionStatus) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE election SET status = ? WHERE id = ?`), string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update election status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update election status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) HasVoted(ctx context.Context, electionID, voterID string) (bool, error) {
	return s.hasVoted(ctx, s.db, electionID, voterID)
}

func (s *SQLStore) hasVoted(ctx context.Context, q querier, electionID, voterID string) (bool, error) {
	var exists int
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT 1 FROM ballot WHERE election_id = ? AND voter_id = ?
	`), electionID, voterID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check existing ballot: %w", err)
	}
	return true, nil
}

const ballotColumns = `id, election_id, voter_id, payload, fingerprint, cast_at`

func scanBallot(scan func(dest ...any) error) (*models.BallotRecord, error) {
	var (
		b       models.BallotRecord
		payload string
		castAt  int64
	)
	if err := scan(&b.ID, &b.ElectionID, &b.VoterID, &payload, &b.Fingerprint, &castAt); err != nil {
		return nil, err
	}
	b.Payload = []byte(payload)
	b.CastAt = time.Unix(0, castAt).UTC()
	return &b, nil
}

func (s *SQLStore) ListBallots(ctx context.Context, electionID string) ([]models.BallotRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+ballotColumns+` FROM ballot WHERE election_id = ? ORDER BY cast_at, id
	`), electionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ballots: %w", err)
	}
	defer rows.Close()

	ballots := []models.BallotRecord{}
	for rows.Next() {
		b, err := scanBallot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ballot: %w", err)
		}
		ballots = append(ballots, *b)
	}
	return ballots, rows.Err()
}

func (s *SQLStore) GetBallotByFingerprint(ctx context.Context, electionID, fingerprint string) (*models.BallotRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+ballotColumns+` FROM ballot WHERE election_id = ? AND fingerprint = ?
	`), electionID, fingerprint)
	b, err := scanBallot(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ballot: %w", err)
	}
	return b, nil
}

const auditColumns = `election_id, idx, ballot_id, fingerprint, previous_fingerprint, content_hash, ts`

func scanAuditRecord(scan func(dest ...any) error) (*models.AuditRecord, error) {
	var (
		r  models.AuditRecord
		ts int64
	)
	if err := scan(&r.ElectionID, &r.Index, &r.BallotID, &r.Fingerprint, &r.PreviousFingerprint, &r.ContentHash, &ts); err != nil {
		return nil, err
	}
	r.Timestamp = time.Unix(0, ts).UTC()
	return &r, nil
}

func (s *SQLStore) ListAuditRecords(ctx context.Context, electionID string) ([]models.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+auditColumns+` FROM audit_record WHERE election_id = ? ORDER BY idx
	`), electionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	records := []models.AuditRecord{}
	for rows.Next() {
		r, err := scanAuditRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *SQLStore) AddIntegrityEvent(ctx context.Context, ev *models.IntegrityEvent) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO integrity_event (id, election_id, kind, ballot_id, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), ev.ID, ev.ElectionID, string(ev.Kind), ev.BallotID, ev.Detail, ev.At.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record integrity event: %w", err)
	}
	return nil
}

func (s *SQLStore) ListIntegrityEvents(ctx context.Context, electionID string) ([]models.IntegrityEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, election_id, kind, ballot_id, detail, at
		FROM integrity_event WHERE election_id = ? ORDER BY at, id
	`), electionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrity events: %w", err)
	}
	defer rows.Close()

	events := []models.IntegrityEvent{}
	for rows.Next() {
		var (
			ev       models.IntegrityEvent
			kind     string
			ballotID sql.NullString
			at       int64
		)
		if err := rows.Scan(&ev.ID, &ev.ElectionID, &kind, &ballotID, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan integrity event: %w", err)
		}
		ev.Kind = models.IntegrityKind(kind)
		ev.BallotID = ballotID.String
		ev.At = time.Unix(0, at).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlTx{store: s, tx: tx}, nil
}

type sqlTx struct {
	store *SQLStore
	tx    *sql.Tx
}

func (t *sqlTx) GetElection(ctx context.Context, id string) (*models.Election, error) {
	return t.store.getElection(ctx, t.tx, id)
}

func (t *sqlTx) HasVoted(ctx context.Context, electionID, voterID string) (bool, error) {
	return t.store.hasVoted(ctx, t.tx, electionID, voterID)
}

func (t *sqlTx) LastAuditRecord(ctx context.Context, electionID string) (*models.AuditRecord, error) {
	row := t.tx.QueryRowContext(ctx, t.store.rebind(`
		SELECT `+auditColumns+` FROM audit_record WHERE election_id = ? ORDER BY idx DESC LIMIT 1
	`), electionID)
	r, err := scanAuditRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chain tail: %w", err)
	}
	return r, nil
}

func (t *sqlTx) InsertBallot(ctx context.Context, b *models.BallotRecord) error {
	_, err := t.tx.ExecContext(ctx, t.store.rebind(`
		INSERT INTO ballot (`+ballotColumns+`) VALUES (?, ?, ?, ?, ?, ?)
	`), b.ID, b.ElectionID, b.VoterID, string(b.Payload), b.Fingerprint, b.CastAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateBallot
		}
		return fmt.Errorf("failed to insert ballot: %w", err)
	}
	return nil
}

func (t *sqlTx) InsertAuditRecord(ctx context.Context, r *models.AuditRecord) error {
	_, err := t.tx.ExecContext(ctx, t.store.rebind(`
		INSERT INTO audit_record (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	`), r.ElectionID, r.Index, r.BallotID, r.Fingerprint, r.PreviousFingerprint, r.ContentHash, r.Timestamp.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: audit index %d already taken", ErrConflict, r.Index)
		}
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
