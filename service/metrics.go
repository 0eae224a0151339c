package service

import (
	"sync"
	"time"
)

// MetricsCollector tracks timings for casting, tallying and verification
type MetricsCollector struct {
	mu sync.RWMutex

	castStartTime time.Time
	castEndTime   time.Time
	castCount     int
	castRejected  int
	castTotalTime time.Duration

	tallyEndTime   time.Time
	tallyCount     int
	tallyBallots   int
	tallyTotalTime time.Duration
	tallyLastTime  time.Duration

	verifyEndTime   time.Time
	verifyCount     int
	verifyFailures  int
	verifyTotalTime time.Duration
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	StartTime      time.Time `json:"start_time,omitempty"`
	EndTime        time.Time `json:"end_time"`
	Count          int       `json:"count"`
	Failed         int       `json:"failed"`
	ProcessingTime int64     `json:"processing_time_ms"`
}

// MetricsResponse provides the metrics for all operations
type MetricsResponse struct {
	Casting      OperationMetrics `json:"casting"`
	Counting     OperationMetrics `json:"counting"`
	Verification OperationMetrics `json:"verification"`
	// LastTallyMs and LastTallyBallots describe the most recent tally run.
	LastTallyMs      int64 `json:"last_tally_ms"`
	LastTallyBallots int   `json:"last_tally_ballots"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordCast records one cast attempt; err is the attempt's outcome.
func (mc *MetricsCollector) RecordCast(duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	if mc.castCount == 0 {
		mc.castStartTime = now.Add(-duration)
	}
	mc.castCount++
	if err != nil {
		mc.castRejected++
	}
	mc.castEndTime = now
	mc.castTotalTime += duration
}

// RecordTally records a completed tally over the given number of ballots
func (mc *MetricsCollector) RecordTally(duration time.Duration, ballots int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.tallyEndTime = time.Now()
	mc.tallyCount++
	mc.tallyBallots = ballots
	mc.tallyTotalTime += duration
	mc.tallyLastTime = duration
}

// RecordVerify records one audit chain verification
func (mc *MetricsCollector) RecordVerify(duration time.Duration, valid bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.verifyEndTime = time.Now()
	mc.verifyCount++
	if !valid {
		mc.verifyFailures++
	}
	mc.verifyTotalTime += duration
}

// GetMetrics returns current metrics for all operations
func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return MetricsResponse{
		Casting: OperationMetrics{
			StartTime:      mc.castStartTime,
			EndTime:        mc.castEndTime,
			Count:          mc.castCount,
			Failed:         mc.castRejected,
			ProcessingTime: mc.castTotalTime.Milliseconds(),
		},
		Counting: OperationMetrics{
			EndTime:        mc.tallyEndTime,
			Count:          mc.tallyCount,
			ProcessingTime: mc.tallyTotalTime.Milliseconds(),
		},
		Verification: OperationMetrics{
			EndTime:        mc.verifyEndTime,
			Count:          mc.verifyCount,
			Failed:         mc.verifyFailures,
			ProcessingTime: mc.verifyTotalTime.Milliseconds(),
		},
		LastTallyMs:      mc.tallyLastTime.Milliseconds(),
		LastTallyBallots: mc.tallyBallots,
	}
}

// Reset clears all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.castStartTime = time.Time{}
	mc.castEndTime = time.Time{}
	mc.castCount = 0
	mc.castRejected = 0
	mc.castTotalTime = 0

	mc.tallyEndTime = time.Time{}
	mc.tallyCount = 0
	mc.tallyBallots = 0
	mc.tallyTotalTime = 0
	mc.tallyLastTime = 0

	mc.verifyEndTime = time.Time{}
	mc.verifyCount = 0
	mc.verifyFailures = 0
	mc.verifyTotalTime = 0
}
