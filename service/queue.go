package service

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"voting-core/models"
)

var (
	ErrQueueFull    = errors.New("vote queue is full")
	ErrQueueStopped = errors.New("vote queue is stopped")
)

// QueueProcessor casts ballots asynchronously on a fixed pool of workers.
// The pool size bounds how many ballots are encrypted at once.
type QueueProcessor struct {
	votingService *VotingService
	voteCh        chan *VoteRequest
	processingWg  sync.WaitGroup
	shutdownCh    chan struct{}
	stopOnce      sync.Once
	// held for reading while enqueueing, for writing while stopping
	stateMu sync.RWMutex
}

// VoteRequest represents a queued ballot cast
type VoteRequest struct {
	VoterID     string
	ElectionID  string
	CandidateID int64
	// Payload, when set, is a pre-encoded envelope and CandidateID is ignored.
	Payload  []byte
	ResultCh chan<- *ProcessingResult
}

// ProcessingResult contains the result of an asynchronous cast
type ProcessingResult struct {
	Success bool
	Receipt *models.Receipt
	Err     error
}

// NewQueueProcessor creates a new queue processor
func NewQueueProcessor(votingService *VotingService, queueSize int) *QueueProcessor {
	return &QueueProcessor{
		votingService: votingService,
		voteCh:        make(chan *VoteRequest, queueSize),
		shutdownCh:    make(chan struct{}),
	}
}

// Start launches the given number of vote workers
func (qp *QueueProcessor) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		qp.processingWg.Add(1)
		go qp.voteWorker()
	}
}

// Stop gracefully shuts down the queue processor. Requests still queued are
// answered with ErrQueueStopped.
func (qp *QueueProcessor) Stop() {
	qp.stopOnce.Do(func() {
		qp.stateMu.Lock()
		close(qp.shutdownCh)
		qp.stateMu.Unlock()
		qp.processingWg.Wait()

		for {
			select {
			case req := <-qp.voteCh:
				req.ResultCh <- &ProcessingResult{Err: ErrQueueStopped}
				close(req.ResultCh)
			default:
				return
			}
		}
	})
}

// QueueVote adds a cast request to the queue. A full queue answers
// immediately with ErrQueueFull instead of blocking the caller.
func (qp *QueueProcessor) QueueVote(req VoteRequest) <-chan *ProcessingResult {
	resultCh := make(chan *ProcessingResult, 1)
	req.ResultCh = resultCh

	qp.stateMu.RLock()
	defer qp.stateMu.RUnlock()

	select {
	case <-qp.shutdownCh:
		resultCh <- &ProcessingResult{Err: ErrQueueStopped}
		close(resultCh)
		return resultCh
	default:
	}

	select {
	case qp.voteCh <- &req:
		return resultCh
	default:
		log.Warn().Str("election", req.ElectionID).Msg("vote queue is full, request rejected")
		resultCh <- &ProcessingResult{Err: ErrQueueFull}
		close(resultCh)
		return resultCh
	}
}

// Cast queues a request and waits for its result or ctx.
func (qp *QueueProcessor) Cast(ctx context.Context, req VoteRequest) (*models.Receipt, error) {
	select {
	case res := <-qp.QueueVote(req):
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Receipt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// voteWorker processes queued votes
func (qp *QueueProcessor) voteWorker() {
	defer qp.processingWg.Done()

	for {
		select {
		case <-qp.shutdownCh:
			return
		case req := <-qp.voteCh:
			var (
				receipt *models.Receipt
				err     error
			)
			ctx := context.Background()
			if req.Payload != nil {
				receipt, err = qp.votingService.CastEncodedBallot(ctx, req.VoterID, req.ElectionID, req.Payload)
			} else {
				receipt, err = qp.votingService.CastBallot(ctx, req.VoterID, req.ElectionID, req.CandidateID, nil)
			}

			req.ResultCh <- &ProcessingResult{
				Success: err == nil,
				Receipt: receipt,
				Err:     err,
			}
			close(req.ResultCh)
		}
	}
}
