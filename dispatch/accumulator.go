package dispatch

import (
	"sync"
	"time"
)

// Accumulator collects outcomes from concurrent workers. Every mutation holds
// the lock, so no outcome is lost or counted twice.
type Accumulator struct {
	mu       sync.Mutex
	sent     int
	failed   int
	skipped  int
	outcomes []Outcome
	closed   bool
	now      func() time.Time
}

// NewAccumulator returns an empty accumulator sized for capacity outcomes.
func NewAccumulator(capacity int) *Accumulator {
	if capacity < 0 {
		capacity = 0
	}
	return &Accumulator{
		outcomes: make([]Outcome, 0, capacity),
		now:      time.Now,
	}
}

// RecordSuccess records a delivered job.
func (a *Accumulator) RecordSuccess(job Job) error {
	return a.record(job, StatusSent, "")
}

// RecordFailure records a failed job. detail is never stored empty.
func (a *Accumulator) RecordFailure(job Job, detail string) error {
	if detail == "" {
		detail = "unknown error"
	}
	return a.record(job, StatusFailed, detail)
}

// RecordSkipped records a job that was never attempted.
func (a *Accumulator) RecordSkipped(job Job, reason string) error {
	return a.record(job, StatusSkipped, reason)
}

func (a *Accumulator) record(job Job, status Status, detail string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAccumulatorClosed
	}
	switch status {
	case StatusSent:
		a.sent++
	case StatusFailed:
		a.failed++
	case StatusSkipped:
		a.skipped++
	}
	a.outcomes = append(a.outcomes, Outcome{
		Destination:   job.Destination,
		CorrelationID: job.CorrelationID,
		Status:        status,
		Detail:        detail,
		CompletedAt:   a.now(),
	})
	return nil
}

// Close rejects all further records.
func (a *Accumulator) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}

// Snapshot copies the current counts and outcomes. Taken mid-run it is only
// a point-in-time view.
func (a *Accumulator) Snapshot() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	outcomes := make([]Outcome, len(a.outcomes))
	copy(outcomes, a.outcomes)
	return Result{
		Sent:     a.sent,
		Failed:   a.failed,
		Skipped:  a.skipped,
		Outcomes: outcomes,
	}
}
