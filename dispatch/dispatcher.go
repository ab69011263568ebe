package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mailrun/delivery"
	"mailrun/internal/email"
	"mailrun/internal/logging"
)

// Resolver maps a sender identity to its submission endpoint.
// delivery.ProviderTable satisfies it.
type Resolver interface {
	Resolve(identity string) (delivery.Endpoint, error)
}

// Dispatcher sends batches of jobs through a bounded worker pool. A
// Dispatcher holds no per-run state, so concurrent Runs are independent.
type Dispatcher struct {
	resolver  Resolver
	connector delivery.Connector
	opts      options

	// afterEnqueue is called with the index of each job placed on the queue.
	afterEnqueue func(i int)
}

// New returns a Dispatcher resolving endpoints with resolver and opening
// sessions with connector.
func New(resolver Resolver, connector delivery.Connector, opts ...Option) *Dispatcher {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Dispatcher{resolver: resolver, connector: connector, opts: o}
}

type queueItem struct {
	job  Job
	stop bool
}

type run struct {
	d       *Dispatcher
	cred    delivery.Credential
	workers int
	queue   chan queueItem
	acc     *Accumulator
	cancel  *Canceller
	limiter *rate.Limiter
	log     zerolog.Logger

	wg     sync.WaitGroup
	active atomic.Int32
	// busy holds, per worker, the unix nanos at which its current send began,
	// or 0 while it is not sending.
	busy []atomic.Int64
}

// Run delivers every job using at most maxWorkers concurrent sessions and
// returns once all workers have exited or the drain timeout has passed after
// cancellation. cred is used for every job without its own Sender.
//
// Cancelling ctx stops new sends: queued and unsubmitted jobs are recorded as
// skipped, while sends already in progress run to completion bounded only by
// the send timeout. A send still running after the send timeout plus the drain
// timeout is treated as stuck: the run cancels itself and reports the worker
// as leaked. A non-nil error is returned only for invalid arguments; per-job
// failures are reported in the Result.
func (d *Dispatcher) Run(ctx context.Context, jobs []Job, cred delivery.Credential, maxWorkers int) (*Result, error) {
	if maxWorkers <= 0 {
		return nil, ErrInvalidWorkers
	}

	queueSize := d.opts.queueSize
	if queueSize <= 0 {
		queueSize = 2 * maxWorkers
	}

	r := &run{
		d:       d,
		cred:    cred,
		workers: maxWorkers,
		queue:   make(chan queueItem, queueSize),
		acc:     NewAccumulator(len(jobs)),
		cancel:  NewCanceller(ctx),
		busy:    make([]atomic.Int64, maxWorkers),
		log: d.opts.logger.With().
			Str("run_id", uuid.NewString()).
			Str("sender", logging.RedactEmail(cred.Identity)).
			Logger(),
	}
	defer r.cancel.Trigger()

	if d.opts.sendRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(d.opts.sendRate), 1)
	}

	started := time.Now()
	r.setState(StateRunning)
	r.log.Info().Int("jobs", len(jobs)).Int("workers", maxWorkers).Msg("run started")

	for i := 0; i < maxWorkers; i++ {
		r.wg.Add(1)
		r.active.Add(1)
		go r.worker(i)
	}
	stopWatch := make(chan struct{})
	go r.watch(stopWatch)

	submitted := r.submit(jobs)
	if rest := jobs[submitted:]; len(rest) > 0 {
		r.log.Warn().Int("jobs", len(rest)).Msg("run cancelled before all jobs were queued")
		for _, job := range rest {
			r.skip(job, "cancelled before dispatch")
		}
	}

	r.setState(StateDraining)
	leaked := r.wait()
	close(stopWatch)
	r.drainQueue()

	r.acc.Close()
	r.setState(StateDone)

	snap := r.acc.Snapshot()
	res := &snap
	res.Unaccounted = len(jobs) - res.Sent - res.Failed - res.Skipped
	if leaked > 0 {
		res.Timeout = &PoolTimeoutError{Leaked: leaked, Unaccounted: res.Unaccounted, Timeout: d.opts.drainTimeout}
		d.opts.metrics.Leaked(leaked)
		r.log.Error().Err(res.Timeout).Msg("workers did not exit in time")
	}

	r.log.Info().
		Int("sent", res.Sent).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int("unaccounted", res.Unaccounted).
		Dur("elapsed", time.Since(started)).
		Msg("run finished")
	return res, nil
}

func (r *run) setState(s State) {
	r.log.Debug().Stringer("state", s).Msg("run state")
}

// submit enqueues jobs in order followed by one stop marker per worker. It
// returns how many jobs were queued before cancellation.
func (r *run) submit(jobs []Job) int {
	for i, job := range jobs {
		if r.cancel.Triggered() {
			return i
		}
		select {
		case r.queue <- queueItem{job: job}:
			r.d.opts.metrics.Queued()
			r.d.opts.metrics.SetQueueDepth(len(r.queue))
			if r.d.afterEnqueue != nil {
				r.d.afterEnqueue(i)
			}
		case <-r.cancel.Done():
			return i
		}
	}
	for i := 0; i < r.workers; i++ {
		select {
		case r.queue <- queueItem{stop: true}:
		case <-r.cancel.Done():
			return len(jobs)
		}
	}
	return len(jobs)
}

// wait blocks until every worker exits. Once the run is cancelled it waits at
// most the drain timeout and returns the number of workers still running.
func (r *run) wait() int {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return 0
	case <-r.cancel.Done():
	}

	timer := time.NewTimer(r.d.opts.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return 0
	case <-timer.C:
		return int(r.active.Load())
	}
}

// stallLimit is how long a single send may run before the run gives up on it.
func (r *run) stallLimit() time.Duration {
	limit := r.d.opts.sendTimeout
	if limit <= 0 {
		limit = defaultSendTimeout
	}
	return limit + r.d.opts.drainTimeout
}

// watch cancels the run when a worker has been inside one send for longer
// than stallLimit, so a transport that ignores its context cannot hold Run
// open. The stuck worker is then reported as leaked by wait.
func (r *run) watch(stop <-chan struct{}) {
	limit := r.stallLimit()
	tick := time.NewTicker(min(r.d.opts.pollInterval, r.d.opts.drainTimeout))
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-r.cancel.Done():
			return
		case now := <-tick.C:
			for id := range r.busy {
				since := r.busy[id].Load()
				if since == 0 || now.Sub(time.Unix(0, since)) <= limit {
					continue
				}
				r.log.Error().Int("worker", id).Dur("limit", limit).Msg("send stalled, cancelling run")
				r.cancel.Trigger()
				return
			}
		}
	}
}

// drainQueue records whatever is still buffered after the workers stopped.
func (r *run) drainQueue() {
	for {
		select {
		case item := <-r.queue:
			if !item.stop {
				r.skip(item.job, "cancelled before send")
			}
		default:
			r.d.opts.metrics.SetQueueDepth(0)
			return
		}
	}
}

// session is a worker-private reusable connection.
type session struct {
	conn     delivery.Conn
	endpoint delivery.Endpoint
	identity string
}

func (s *session) close(log zerolog.Logger) {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		log.Debug().Err(err).Str("host", s.endpoint.Host).Msg("closing session")
	}
	s.conn = nil
}

func (r *run) worker(id int) {
	log := r.log.With().Int("worker", id).Logger()
	sess := &session{}
	defer func() {
		sess.close(log)
		r.active.Add(-1)
		r.d.opts.metrics.WorkerStopped()
		r.wg.Done()
	}()
	r.d.opts.metrics.WorkerStarted()

	poll := time.NewTicker(r.d.opts.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-r.cancel.Done():
			return
		case <-poll.C:
			if r.cancel.Triggered() {
				return
			}
		case item := <-r.queue:
			r.d.opts.metrics.SetQueueDepth(len(r.queue))
			if item.stop {
				return
			}
			if r.cancel.Triggered() {
				r.skip(item.job, "cancelled before send")
				continue
			}
			r.process(id, log, sess, item.job)
		}
	}
}

func (r *run) process(id int, log zerolog.Logger, sess *session, job Job) {
	sender := r.cred
	if job.Sender != nil {
		sender = *job.Sender
	}
	log = log.With().
		Str("to", logging.RedactEmail(job.Destination)).
		Str("correlation_id", job.CorrelationID).
		Logger()

	if strings.TrimSpace(job.Destination) == "" {
		r.fail(log, job, errors.New("empty destination"))
		return
	}

	ep, err := r.d.resolver.Resolve(sender.Identity)
	if err != nil {
		r.fail(log, job, err)
		return
	}

	msg, err := r.d.opts.composer.Compose(email.Message{
		From:          sender.Identity,
		To:            job.Destination,
		Subject:       job.Subject,
		HTMLBody:      job.Body,
		CorrelationID: job.CorrelationID,
		Attachments:   job.Attachments,
	})
	if err != nil {
		r.fail(log, job, fmt.Errorf("compose: %w", err))
		return
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(r.cancel.Context()); err != nil {
			r.skip(job, fmt.Sprintf("rate limit: %v", err))
			return
		}
	}
	if r.cancel.Triggered() {
		r.skip(job, "cancelled before send")
		return
	}

	// The send is not interrupted by cancellation, only by its timeout.
	ctx := context.WithoutCancel(r.cancel.Context())
	if r.d.opts.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.d.opts.sendTimeout)
		defer cancel()
	}

	start := time.Now()
	r.busy[id].Store(start.UnixNano())
	err = r.send(ctx, log, sess, ep, sender, job.Destination, msg)
	r.busy[id].Store(0)
	if err != nil {
		r.fail(log, job, err)
		return
	}
	elapsed := time.Since(start)
	if err := r.acc.RecordSuccess(job); err != nil {
		log.Warn().Err(err).Msg("late outcome dropped")
		return
	}
	r.d.opts.metrics.Sent(elapsed)
	log.Info().Str("host", ep.Host).Dur("elapsed", elapsed).Msg("sent")
}

func (r *run) send(ctx context.Context, log zerolog.Logger, sess *session, ep delivery.Endpoint, cred delivery.Credential, to string, msg []byte) error {
	if !r.d.opts.reuseConns {
		conn, err := r.d.connector.Connect(ctx, ep, cred)
		if err != nil {
			return err
		}
		defer func() {
			if err := conn.Close(); err != nil {
				log.Debug().Err(err).Msg("closing session")
			}
		}()
		return conn.Send(ctx, cred.Identity, to, msg)
	}

	if sess.conn != nil && (sess.endpoint != ep || sess.identity != cred.Identity) {
		sess.close(log)
	}
	if sess.conn == nil {
		conn, err := r.d.connector.Connect(ctx, ep, cred)
		if err != nil {
			return err
		}
		sess.conn, sess.endpoint, sess.identity = conn, ep, cred.Identity
	}

	err := sess.conn.Send(ctx, cred.Identity, to, msg)
	if err == nil {
		return nil
	}
	// A rejected recipient leaves the session usable once reset; anything
	// else drops it.
	var se *delivery.SendError
	if !errors.As(err, &se) || se.Stage != "rcpt to" || sess.conn.Reset() != nil {
		sess.close(log)
	}
	return err
}

func (r *run) fail(log zerolog.Logger, job Job, err error) {
	if recErr := r.acc.RecordFailure(job, err.Error()); recErr != nil {
		log.Warn().Err(recErr).Msg("late outcome dropped")
		return
	}
	r.d.opts.metrics.Failed()
	log.Warn().Err(err).Msg("send failed")
}

func (r *run) skip(job Job, reason string) {
	if err := r.acc.RecordSkipped(job, reason); err != nil {
		r.log.Warn().Err(err).Str("correlation_id", job.CorrelationID).Msg("late outcome dropped")
		return
	}
	r.d.opts.metrics.Skipped(1)
}
