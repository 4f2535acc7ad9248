// Package jobs keeps in-flight job bookkeeping for diagnostics and load
// telemetry. Nothing in the resilience path depends on it.
package jobs

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/GriffinCanCode/computeguard/internal/shared/clock"
	"github.com/GriffinCanCode/computeguard/internal/shared/id"
)

// DefaultHistorySize is the number of finished jobs kept for Recent
const DefaultHistorySize = 256

// Status is the lifecycle status of a job
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one tracked job
type Record struct {
	ID          id.JobID      `json:"id"`
	Thread      int           `json:"thread"`
	Type        string        `json:"type"`
	Status      Status        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Stats summarizes tracker state
type Stats struct {
	InFlight    int           `json:"in_flight"`
	PerThread   map[int]int   `json:"per_thread"`
	Completed   uint64        `json:"completed"`
	Failed      uint64        `json:"failed"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Tracker records in-flight and recently finished jobs
type Tracker struct {
	clock clock.Clock

	mu        sync.Mutex
	inflight  map[id.JobID]*Record
	history   *lru.Cache[id.JobID, Record]
	completed uint64
	failed    uint64
	total     time.Duration
}

// New creates a tracker keeping historySize finished jobs
func New(historySize int, clk clock.Clock) *Tracker {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	// lru.New only fails for a non-positive size
	history, _ := lru.New[id.JobID, Record](historySize)

	return &Tracker{
		clock:    clock.OrReal(clk),
		inflight: make(map[id.JobID]*Record),
		history:  history,
	}
}

// Begin assigns an ID and a logical thread to a new job and starts tracking it
func (t *Tracker) Begin(jobType string, poolSize int) Record {
	t.mu.Lock()
	thread := t.nextThread(poolSize)
	t.mu.Unlock()

	return t.Start(id.NewJobID(), thread, jobType)
}

// Start begins tracking a job
func (t *Tracker) Start(jobID id.JobID, thread int, jobType string) Record {
	rec := &Record{
		ID:        jobID,
		Thread:    thread,
		Type:      jobType,
		Status:    StatusRunning,
		StartedAt: t.clock.Now(),
	}

	t.mu.Lock()
	t.inflight[jobID] = rec
	t.mu.Unlock()

	return *rec
}

// Complete stops tracking a job that succeeded
func (t *Tracker) Complete(jobID id.JobID) (Record, bool) {
	return t.finish(jobID, StatusCompleted, nil)
}

// Fail stops tracking a job that failed
func (t *Tracker) Fail(jobID id.JobID, err error) (Record, bool) {
	return t.finish(jobID, StatusFailed, err)
}

func (t *Tracker) finish(jobID id.JobID, status Status, err error) (Record, bool) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.inflight[jobID]
	if !ok {
		return Record{}, false
	}
	delete(t.inflight, jobID)

	rec.Status = status
	rec.CompletedAt = now
	rec.Duration = now.Sub(rec.StartedAt)
	if err != nil {
		rec.Error = err.Error()
	}

	if status == StatusCompleted {
		t.completed++
	} else {
		t.failed++
	}
	t.total += rec.Duration
	t.history.Add(jobID, *rec)

	return *rec, true
}

// Get returns an in-flight or recently finished job
func (t *Tracker) Get(jobID id.JobID) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.inflight[jobID]; ok {
		return *rec, true
	}
	return t.history.Peek(jobID)
}

// NextThread returns the least loaded logical thread, lowest index first
func (t *Tracker) NextThread(poolSize int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextThread(poolSize)
}

func (t *Tracker) nextThread(poolSize int) int {
	if poolSize <= 1 {
		return 0
	}

	load := make([]int, poolSize)
	for _, rec := range t.inflight {
		if rec.Thread >= 0 && rec.Thread < poolSize {
			load[rec.Thread]++
		}
	}

	best := 0
	for i := 1; i < poolSize; i++ {
		if load[i] < load[best] {
			best = i
		}
	}
	return best
}

// InFlight returns the number of running jobs
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Stats returns a summary of tracked jobs
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	perThread := make(map[int]int)
	for _, rec := range t.inflight {
		perThread[rec.Thread]++
	}

	stats := Stats{
		InFlight:  len(t.inflight),
		PerThread: perThread,
		Completed: t.completed,
		Failed:    t.failed,
	}
	if finished := t.completed + t.failed; finished > 0 {
		stats.AvgDuration = t.total / time.Duration(finished)
	}
	return stats
}

// Recent returns up to n finished jobs, newest first
func (t *Tracker) Recent(n int) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := t.history.Keys()
	if n <= 0 || n > len(keys) {
		n = len(keys)
	}

	out := make([]Record, 0, n)
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		if rec, ok := t.history.Peek(keys[i]); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Reset drops all in-flight records. Used after the engine is torn down.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.inflight)
}
