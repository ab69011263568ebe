package dispatch

import (
	"errors"
	"fmt"
	"time"

	"mailrun/delivery"
	"mailrun/internal/email"
)

var (
	// ErrInvalidWorkers rejects a Run with a non-positive worker count.
	ErrInvalidWorkers = errors.New("dispatch: maxWorkers must be positive")
	// ErrAccumulatorClosed is returned for outcomes recorded after a run finished.
	ErrAccumulatorClosed = errors.New("dispatch: outcome recorded after run completed")
)

// Job is one message to one destination. Jobs are read-only once handed to
// Run; attachment data is shared between jobs and never modified or freed.
type Job struct {
	Destination   string
	Subject       string
	Body          string
	CorrelationID string
	Attachments   []email.Attachment
	// Sender overrides the run credential for this job when set.
	Sender *delivery.Credential
}

// Status is the terminal state of a job.
type Status int

const (
	StatusSent Status = iota + 1
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the per-job result. Detail is empty for sent jobs.
type Outcome struct {
	Destination   string
	CorrelationID string
	Status        Status
	Detail        string
	CompletedAt   time.Time
}

// Success reports whether the job was delivered.
func (o Outcome) Success() bool { return o.Status == StatusSent }

// Result is what Run returns. Outcomes are in completion order, not
// submission order. Sent+Failed+Skipped+Unaccounted always equals the number
// of submitted jobs.
type Result struct {
	Sent        int
	Failed      int
	Skipped     int
	Unaccounted int
	Outcomes    []Outcome
	// Timeout is set when workers were still busy after the drain timeout.
	Timeout *PoolTimeoutError
}

// Total returns the number of jobs the result accounts for, including the
// ones held by leaked workers.
func (r *Result) Total() int {
	return r.Sent + r.Failed + r.Skipped + r.Unaccounted
}

// PoolTimeoutError reports workers that did not exit within the drain
// timeout. Their in-flight jobs have no Outcome and are counted in
// Unaccounted.
type PoolTimeoutError struct {
	Leaked      int
	Unaccounted int
	Timeout     time.Duration
}

func (e *PoolTimeoutError) Error() string {
	return fmt.Sprintf("dispatch: %d worker(s) still running after %v; %d job(s) without outcome", e.Leaked, e.Timeout, e.Unaccounted)
}

// State is the lifecycle phase of a single run.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
