package priority

import (
	"sync"
	"time"
)

// LearningRecord is one observed routing outcome for a
// (segment, provider) pair, consumed by the learning-based strategy.
type LearningRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	LatencyMs  float64   `json:"latency_ms"`
	ErrorCount int       `json:"error_count"`
}

// learningRing is a bounded ring buffer of learning records. The oldest
// record is evicted when capacity is exceeded.
type learningRing struct {
	mu      sync.Mutex
	records []LearningRecord
	next    int
	full    bool
}

func newLearningRing(capacity int) *learningRing {
	return &learningRing{records: make([]LearningRecord, capacity)}
}

func (r *learningRing) add(rec LearningRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[r.next] = rec
	r.next++
	if r.next == len(r.records) {
		r.next = 0
		r.full = true
	}
}

func (r *learningRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.records)
	}
	return r.next
}

// summary aggregates the retained records in one pass.
type learningSummary struct {
	count        int
	successRate  float64
	avgLatencyMs float64
	errorRate    float64 // average errors per record
}

func (r *learningRing) summarize() learningSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.records)
	}
	if n == 0 {
		return learningSummary{}
	}

	var successes int
	var totalLatency float64
	var totalErrors int
	for i := 0; i < n; i++ {
		rec := r.records[i]
		if rec.Success {
			successes++
		}
		totalLatency += rec.LatencyMs
		totalErrors += rec.ErrorCount
	}

	return learningSummary{
		count:        n,
		successRate:  float64(successes) / float64(n),
		avgLatencyMs: totalLatency / float64(n),
		errorRate:    float64(totalErrors) / float64(n),
	}
}
