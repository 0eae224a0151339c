// Package api exposes the voting service over HTTP. It performs no
// authentication: the caller is trusted to have authenticated the voter and
// checked eligibility before forwarding a ballot.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"voting-core/ballot"
	"voting-core/models"
	"voting-core/service"
	"voting-core/storage"
)

type Server struct {
	voting *service.VotingService
	queue  *service.QueueProcessor
	mux    *http.ServeMux

	castTimeout time.Duration
}

type CreateElectionRequest struct {
	ID           string  `json:"id,omitempty"`
	CandidateIDs []int64 `json:"candidate_ids"`
}

// CastBallotRequest carries either a plaintext choice, encrypted here, or a
// ballot envelope encrypted by the caller.
type CastBallotRequest struct {
	VoterID     string          `json:"voter_id"`
	CandidateID *int64          `json:"candidate_id,omitempty"`
	Ballot      json.RawMessage `json:"ballot,omitempty"`
}

type VoterStatusResponse struct {
	ElectionID string `json:"election_id"`
	VoterID    string `json:"voter_id"`
	HasVoted   bool   `json:"has_voted"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewServer wires the routes. queue may be nil, in which case ballots are
// cast synchronously on the request goroutine.
func NewServer(voting *service.VotingService, queue *service.QueueProcessor) *Server {
	s := &Server{
		voting:      voting,
		queue:       queue,
		mux:         http.NewServeMux(),
		castTimeout: 30 * time.Second,
	}

	s.mux.HandleFunc("GET /health", withLogging(s.handleHealth))
	s.mux.HandleFunc("GET /metrics", withLogging(s.handleMetrics))

	s.mux.HandleFunc("POST /elections", withLogging(s.handleCreateElection))
	s.mux.HandleFunc("GET /elections/{id}", withLogging(s.handleGetElection))
	s.mux.HandleFunc("POST /elections/{id}/open", withLogging(s.handleOpenElection))
	s.mux.HandleFunc("POST /elections/{id}/close", withLogging(s.handleCloseElection))
	s.mux.HandleFunc("GET /elections/{id}/public-key", withLogging(s.handlePublicKey))

	s.mux.HandleFunc("POST /elections/{id}/ballots", withLogging(s.handleCastBallot))
	s.mux.HandleFunc("GET /elections/{id}/ballots/{fingerprint}", withLogging(s.handleLookupBallot))
	s.mux.HandleFunc("GET /elections/{id}/voters/{voter}", withLogging(s.handleVoterStatus))

	s.mux.HandleFunc("GET /elections/{id}/tally", withLogging(s.handleTally))
	s.mux.HandleFunc("GET /elections/{id}/audit", withLogging(s.handleVerifyAudit))
	s.mux.HandleFunc("GET /elections/{id}/integrity-events", withLogging(s.handleIntegrityEvents))

	return s
}

// Handler returns the routed handler for an http.Server
func (s *Server) Handler() http.Handler {
	return s.mux
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrElectionNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyVoted),
		errors.Is(err, service.ErrElectionNotActive),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, storage.ErrDuplicateElection):
		return http.StatusConflict
	case errors.Is(err, ballot.ErrInvalidChoice),
		errors.Is(err, ballot.ErrInvalidCandidates),
		errors.Is(err, ballot.ErrMalformedBallot):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		// internal details stay in the log
		message = "internal error"
	}
	errorResponse(w, status, message)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.voting.Metrics().GetMetrics())
}

func (s *Server) handleCreateElection(w http.ResponseWriter, r *http.Request) {
	var req CreateElectionRequest
	if err := parseJSONBody(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	e, err := s.voting.RegisterElection(r.Context(), req.ID, req.CandidateIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, e)
}

func (s *Server) handleGetElection(w http.ResponseWriter, r *http.Request) {
	e, err := s.voting.GetElection(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, e)
}

func (s *Server) handleOpenElection(w http.ResponseWriter, r *http.Request) {
	s.changeStatus(w, r, s.voting.OpenElection)
}

func (s *Server) handleCloseElection(w http.ResponseWriter, r *http.Request) {
	s.changeStatus(w, r, s.voting.CloseElection)
}

func (s *Server) changeStatus(w http.ResponseWriter, r *http.Request, change func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := change(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	e, err := s.voting.GetElection(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, e)
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.voting.GetElection(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	exp, err := s.voting.ExportPublicKey(id)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, exp)
}

func (s *Server) handleCastBallot(w http.ResponseWriter, r *http.Request) {
	var req CastBallotRequest
	if err := parseJSONBody(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.VoterID == "" {
		errorResponse(w, http.StatusBadRequest, "voter_id is required")
		return
	}
	if (req.CandidateID == nil) == (len(req.Ballot) == 0) {
		errorResponse(w, http.StatusBadRequest, "exactly one of candidate_id or ballot is required")
		return
	}

	vr := service.VoteRequest{
		VoterID:    req.VoterID,
		ElectionID: r.PathValue("id"),
		Payload:    []byte(req.Ballot),
	}
	if req.CandidateID != nil {
		vr.CandidateID = *req.CandidateID
		vr.Payload = nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.castTimeout)
	defer cancel()

	receipt, err := s.cast(ctx, vr)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, receipt)
}

func (s *Server) cast(ctx context.Context, vr service.VoteRequest) (*models.Receipt, error) {
	if s.queue != nil {
		return s.queue.Cast(ctx, vr)
	}
	if vr.Payload != nil {
		return s.voting.CastEncodedBallot(ctx, vr.VoterID, vr.ElectionID, vr.Payload)
	}
	return s.voting.CastBallot(ctx, vr.VoterID, vr.ElectionID, vr.CandidateID, nil)
}

func (s *Server) handleLookupBallot(w http.ResponseWriter, r *http.Request) {
	proof, err := s.voting.LookupBallot(r.Context(), r.PathValue("id"), r.PathValue("fingerprint"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, proof)
}

func (s *Server) handleVoterStatus(w http.ResponseWriter, r *http.Request) {
	id, voter := r.PathValue("id"), r.PathValue("voter")
	if _, err := s.voting.GetElection(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	voted, err := s.voting.HasVoted(r.Context(), id, voter)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, VoterStatusResponse{ElectionID: id, VoterID: voter, HasVoted: voted})
}

func (s *Server) handleTally(w http.ResponseWriter, r *http.Request) {
	report, err := s.voting.ComputeTally(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, report)
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.voting.VerifyAuditChain(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, report)
}

func (s *Server) handleIntegrityEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.voting.GetElection(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.voting.IntegrityEvents(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, events)
}
