package dispatch

import "context"

// Canceller is a run-scoped stop flag. It is triggered explicitly or when its
// parent context ends (interrupt signal, caller deadline).
type Canceller struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCanceller derives a Canceller from parent.
func NewCanceller(parent context.Context) *Canceller {
	ctx, cancel := context.WithCancel(parent)
	return &Canceller{ctx: ctx, cancel: cancel}
}

// Trigger sets the flag. Calling it more than once has no further effect.
func (c *Canceller) Trigger() { c.cancel() }

// Triggered reports whether the flag is set.
func (c *Canceller) Triggered() bool { return c.ctx.Err() != nil }

// Done is closed once the flag is set.
func (c *Canceller) Done() <-chan struct{} { return c.ctx.Done() }

// Context returns a context cancelled together with the flag.
func (c *Canceller) Context() context.Context { return c.ctx }
