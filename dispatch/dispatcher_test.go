package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailrun/delivery"
	"mailrun/internal/email"
	"mailrun/internal/metrics"
)

var testProviders = delivery.ProviderTable{
	{Domain: "known.com", Host: "smtp.known.com", Port: 587, RequiresEncryption: true},
}

var testCred = delivery.Credential{Identity: "sender@known.com", Secret: "app-password"}

type fakeConnector struct {
	connectErr error
	send       func(ctx context.Context, to string) error

	connects atomic.Int32
	closes   atomic.Int32
	resets   atomic.Int32

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	mu   sync.Mutex
	sent []string
}

func (c *fakeConnector) Connect(ctx context.Context, ep delivery.Endpoint, cred delivery.Credential) (delivery.Conn, error) {
	c.connects.Add(1)
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return &fakeConn{c: c}, nil
}

func (c *fakeConnector) delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.sent...)
	sort.Strings(out)
	return out
}

type fakeConn struct {
	c *fakeConnector
}

func (f *fakeConn) Send(ctx context.Context, from, to string, msg []byte) error {
	n := f.c.inFlight.Add(1)
	defer f.c.inFlight.Add(-1)
	for {
		cur := f.c.maxInFlight.Load()
		if n <= cur || f.c.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.c.send != nil {
		if err := f.c.send(ctx, to); err != nil {
			return err
		}
	}
	f.c.mu.Lock()
	f.c.sent = append(f.c.sent, to)
	f.c.mu.Unlock()
	return nil
}

func (f *fakeConn) Reset() error {
	f.c.resets.Add(1)
	return nil
}

func (f *fakeConn) Close() error {
	f.c.closes.Add(1)
	return nil
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func makeJobs(n int) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		jobs[i] = Job{
			Destination:   fmt.Sprintf("user%d@dest.test", i),
			Subject:       "Hello",
			Body:          "<p>hi</p>",
			CorrelationID: "camp-1",
		}
	}
	return jobs
}

func assertConserved(t *testing.T, res *Result, jobs int) {
	t.Helper()
	assert.Equal(t, jobs, res.Total(), "sent=%d failed=%d skipped=%d unaccounted=%d", res.Sent, res.Failed, res.Skipped, res.Unaccounted)
	assert.Len(t, res.Outcomes, res.Sent+res.Failed+res.Skipped)
}

func TestRunInvalidWorkers(t *testing.T) {
	conn := &fakeConnector{}
	d := New(testProviders, conn)

	for _, n := range []int{0, -1} {
		res, err := d.Run(context.Background(), makeJobs(3), testCred, n)
		require.ErrorIs(t, err, ErrInvalidWorkers)
		assert.Nil(t, res)
	}
	assert.Zero(t, conn.connects.Load())
}

func TestRunEmptyBatch(t *testing.T) {
	d := New(testProviders, &fakeConnector{})

	res, err := d.Run(context.Background(), nil, testCred, 4)
	require.NoError(t, err)
	assert.Zero(t, res.Total())
	assert.Empty(t, res.Outcomes)
	assert.Nil(t, res.Timeout)
}

func TestRunAllSent(t *testing.T) {
	conn := &fakeConnector{}
	d := New(testProviders, conn)
	jobs := makeJobs(10)

	res, err := d.Run(context.Background(), jobs, testCred, 3)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Sent)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Skipped)
	assert.Nil(t, res.Timeout)
	for _, o := range res.Outcomes {
		assert.True(t, o.Success())
		assert.Empty(t, o.Detail)
		assert.Equal(t, "camp-1", o.CorrelationID)
		assert.False(t, o.CompletedAt.IsZero())
	}
	assert.Len(t, conn.delivered(), 10)
	// one session per job when reuse is off
	assert.EqualValues(t, 10, conn.connects.Load())
	assert.EqualValues(t, 10, conn.closes.Load())
}

func TestRunConservationAcrossWorkerCounts(t *testing.T) {
	jobs := makeJobs(1000)
	failing := func(ctx context.Context, to string) error {
		if strings.HasPrefix(to, "user7") {
			return &delivery.SendError{Stage: "rcpt to", Err: errors.New("550 no such user")}
		}
		return nil
	}

	var totals [][2]int
	for _, workers := range []int{1, 50} {
		conn := &fakeConnector{send: failing}
		res, err := New(testProviders, conn).Run(context.Background(), jobs, testCred, workers)
		require.NoError(t, err)

		assertConserved(t, res, len(jobs))
		assert.Zero(t, res.Skipped)
		assert.LessOrEqual(t, int(conn.maxInFlight.Load()), workers)
		totals = append(totals, [2]int{res.Sent, res.Failed})
	}
	assert.Equal(t, totals[0], totals[1])
	assert.Equal(t, 1000, totals[0][0]+totals[0][1])
}

func TestRunIdempotentOutcomes(t *testing.T) {
	jobs := makeJobs(40)
	flaky := func(ctx context.Context, to string) error {
		if strings.HasSuffix(strings.SplitN(to, "@", 2)[0], "3") {
			return errors.New("421 try later")
		}
		return nil
	}

	type key struct {
		dest   string
		status Status
	}
	collect := func(res *Result) []key {
		var out []key
		for _, o := range res.Outcomes {
			out = append(out, key{o.Destination, o.Status})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].dest < out[j].dest })
		return out
	}

	d := New(testProviders, &fakeConnector{send: flaky})
	first, err := d.Run(context.Background(), jobs, testCred, 4)
	require.NoError(t, err)
	second, err := d.Run(context.Background(), jobs, testCred, 7)
	require.NoError(t, err)

	assert.Equal(t, first.Sent, second.Sent)
	assert.Equal(t, first.Failed, second.Failed)
	assert.Equal(t, collect(first), collect(second))
}

func TestRunFailureIsolation(t *testing.T) {
	conn := &fakeConnector{send: func(ctx context.Context, to string) error {
		if to == "bad@x.com" {
			return &delivery.SendError{Stage: "rcpt to", Err: errors.New("550 mailbox unavailable")}
		}
		return nil
	}}
	jobs := []Job{
		{Destination: "one@x.com", CorrelationID: "c"},
		{Destination: "bad@x.com", CorrelationID: "c"},
		{Destination: "two@x.com", CorrelationID: "c"},
	}

	res, err := New(testProviders, conn).Run(context.Background(), jobs, testCred, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)

	for _, o := range res.Outcomes {
		if o.Destination == "bad@x.com" {
			assert.Equal(t, StatusFailed, o.Status)
			assert.Contains(t, o.Detail, "550")
			continue
		}
		assert.Equal(t, StatusSent, o.Status)
		assert.Empty(t, o.Detail)
	}

	// every session opened is closed, including the one whose send failed
	assert.EqualValues(t, 3, conn.connects.Load())
	assert.Equal(t, conn.connects.Load(), conn.closes.Load())
}

func TestRunResolvesPerSender(t *testing.T) {
	conn := &fakeConnector{}
	jobs := []Job{
		{Destination: "r1@dest.test", Sender: &delivery.Credential{Identity: "a@known.com", Secret: "x"}},
		{Destination: "r2@dest.test", Sender: &delivery.Credential{Identity: "b@unknown.tld", Secret: "y"}},
	}

	res, err := New(testProviders, conn).Run(context.Background(), jobs, testCred, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.EqualValues(t, 1, conn.connects.Load())

	for _, o := range res.Outcomes {
		switch o.Destination {
		case "r1@dest.test":
			assert.True(t, o.Success())
		case "r2@dest.test":
			assert.False(t, o.Success())
			assert.Contains(t, o.Detail, "unknown.tld")
		}
	}
}

func TestRunInvalidJobsFail(t *testing.T) {
	conn := &fakeConnector{}
	jobs := []Job{
		{Destination: ""},
		{Destination: "evil@x.com\r\nBcc: all@x.com"},
		{Destination: "ok@x.com"},
	}

	res, err := New(testProviders, conn).Run(context.Background(), jobs, testCred, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, res.Failed)
	for _, o := range res.Outcomes {
		if !o.Success() {
			assert.NotEmpty(t, o.Detail)
		}
	}
}

func TestRunConnectFailure(t *testing.T) {
	conn := &fakeConnector{connectErr: &delivery.ConnectError{Stage: "auth", Addr: "smtp.known.com:587", Err: errors.New("535 bad credentials")}}

	res, err := New(testProviders, conn).Run(context.Background(), makeJobs(5), testCred, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Failed)
	for _, o := range res.Outcomes {
		assert.Contains(t, o.Detail, "535")
	}
}

func TestRunAlreadyCancelled(t *testing.T) {
	conn := &fakeConnector{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(testProviders, conn).Run(ctx, makeJobs(20), testCred, 4)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Skipped)
	assertConserved(t, res, 20)
	assert.Zero(t, conn.connects.Load())
	for _, o := range res.Outcomes {
		assert.Equal(t, StatusSkipped, o.Status)
		assert.NotEmpty(t, o.Detail)
	}
}

func TestRunCancelledDuringSubmission(t *testing.T) {
	conn := &fakeConnector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New(testProviders, conn, WithDrainTimeout(time.Second))
	d.afterEnqueue = func(i int) {
		if i == 0 {
			cancel()
		}
	}

	start := time.Now()
	res, err := d.Run(ctx, makeJobs(100), testCred, 4)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, res.Skipped, 99)
	assert.Zero(t, res.Unaccounted)
	assert.Nil(t, res.Timeout)
	assertConserved(t, res, 100)
}

func TestRunInFlightSendSurvivesCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var sendCtxErr atomic.Value
	var once sync.Once

	conn := &fakeConnector{send: func(ctx context.Context, to string) error {
		once.Do(func() {
			close(started)
			<-release
			sendCtxErr.Store(fmt.Sprint(ctx.Err()))
		})
		return nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	res, err := New(testProviders, conn, WithDrainTimeout(2*time.Second)).Run(ctx, makeJobs(3), testCred, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, res.Skipped)
	assert.Nil(t, res.Timeout)
	assert.Equal(t, "<nil>", sendCtxErr.Load())
	assertConserved(t, res, 3)
}

func TestRunLeakedWorker(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	var once sync.Once

	conn := &fakeConnector{send: func(ctx context.Context, to string) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return nil
	}}
	logs := &syncBuffer{}
	logger := zerolog.New(logs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	d := New(testProviders, conn, WithDrainTimeout(50*time.Millisecond), WithLogger(logger))
	res, err := d.Run(ctx, makeJobs(4), testCred, 1)
	require.NoError(t, err)

	require.NotNil(t, res.Timeout)
	assert.Equal(t, 1, res.Timeout.Leaked)
	assert.Equal(t, 1, res.Timeout.Unaccounted)
	assert.Equal(t, 1, res.Unaccounted)
	assert.Zero(t, res.Sent)
	assert.Equal(t, 3, res.Skipped)
	assertConserved(t, res, 4)
	assert.Contains(t, res.Timeout.Error(), "1 worker(s)")

	// the leaked send finishes after Run returned and must not change the result
	go func() {
		close(release)
		for conn.closes.Load() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("leaked worker never finished")
	}
	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "late outcome dropped")
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, res.Sent)
	assert.Len(t, res.Outcomes, 3)
}

// stuckConnector never returns from Connect until released, whatever its
// context says.
type stuckConnector struct {
	release chan struct{}
	calls   atomic.Int32
}

func (c *stuckConnector) Connect(ctx context.Context, ep delivery.Endpoint, cred delivery.Credential) (delivery.Conn, error) {
	c.calls.Add(1)
	<-c.release
	return nil, errors.New("released")
}

func TestRunStuckTransportWithoutCancel(t *testing.T) {
	conn := &stuckConnector{release: make(chan struct{})}
	t.Cleanup(func() { close(conn.release) })
	logs := &syncBuffer{}

	d := New(testProviders, conn,
		WithSendTimeout(100*time.Millisecond),
		WithDrainTimeout(100*time.Millisecond),
		WithLogger(zerolog.New(logs)),
	)

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := d.Run(context.Background(), makeJobs(3), testCred, 1)
		done <- outcome{res, err}
	}()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return while a send was stuck")
	}
	require.NoError(t, got.err)
	res := got.res

	require.NotNil(t, res.Timeout)
	assert.Equal(t, 1, res.Timeout.Leaked)
	assert.Equal(t, 1, res.Unaccounted)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Sent)
	assertConserved(t, res, 3)
	assert.EqualValues(t, 1, conn.calls.Load())
	assert.Contains(t, logs.String(), "send stalled")
}

func TestRunDeadlineYieldsPartialResult(t *testing.T) {
	conn := &fakeConnector{send: func(ctx context.Context, to string) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := New(testProviders, conn, WithDrainTimeout(time.Second)).Run(ctx, makeJobs(100), testCred, 1)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.Sent, 1)
	assert.GreaterOrEqual(t, res.Skipped, 1)
	assert.Nil(t, res.Timeout)
	assertConserved(t, res, 100)
}

func TestRunConnectionReuse(t *testing.T) {
	conn := &fakeConnector{}
	d := New(testProviders, conn, WithConnectionReuse(true))

	res, err := d.Run(context.Background(), makeJobs(20), testCred, 2)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Sent)
	assert.LessOrEqual(t, conn.connects.Load(), int32(2))
	assert.Equal(t, conn.connects.Load(), conn.closes.Load())
}

func TestRunConnectionReuseEviction(t *testing.T) {
	conn := &fakeConnector{send: func(ctx context.Context, to string) error {
		switch to {
		case "user1@dest.test":
			return &delivery.SendError{Stage: "rcpt to", Err: errors.New("550 unknown user")}
		case "user3@dest.test":
			return &delivery.SendError{Stage: "data close", Err: errors.New("broken pipe")}
		}
		return nil
	}}
	d := New(testProviders, conn, WithConnectionReuse(true))

	res, err := d.Run(context.Background(), makeJobs(6), testCred, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Sent)
	assert.Equal(t, 2, res.Failed)

	// rejected recipient resets the session, the transport error replaces it
	assert.EqualValues(t, 1, conn.resets.Load())
	assert.EqualValues(t, 2, conn.connects.Load())
	assert.EqualValues(t, 2, conn.closes.Load())
}

func TestRunRateLimit(t *testing.T) {
	conn := &fakeConnector{}
	d := New(testProviders, conn, WithRateLimit(20))

	start := time.Now()
	res, err := d.Run(context.Background(), makeJobs(5), testCred, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Sent)
	// burst of one, then one token every 50ms
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestRunRateLimitDeadline(t *testing.T) {
	conn := &fakeConnector{}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	res, err := New(testProviders, conn, WithRateLimit(1)).Run(ctx, makeJobs(3), testCred, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, res.Skipped)
	assertConserved(t, res, 3)

	for _, o := range res.Outcomes {
		if o.Status != StatusSkipped {
			continue
		}
		assert.Contains(t, o.Detail, "rate limit")
		assert.Contains(t, o.Detail, "would exceed context deadline")
		assert.NotContains(t, o.Detail, "cancelled")
	}
}

func TestRunQueueSmallerThanWorkers(t *testing.T) {
	conn := &fakeConnector{}
	d := New(testProviders, conn, WithQueueSize(1))

	res, err := d.Run(context.Background(), makeJobs(50), testCred, 8)
	require.NoError(t, err)
	assert.Equal(t, 50, res.Sent)
}

func TestRunConcurrentRunsAreIndependent(t *testing.T) {
	conn := &fakeConnector{}
	d := New(testProviders, conn)

	var wg sync.WaitGroup
	results := make([]*Result, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := d.Run(context.Background(), makeJobs(30), testCred, 3)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, 30, res.Sent)
		assert.Len(t, res.Outcomes, 30)
	}
}

func TestRunMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	conn := &fakeConnector{send: func(ctx context.Context, to string) error {
		if to == "user0@dest.test" {
			return errors.New("boom")
		}
		return nil
	}}

	res, err := New(testProviders, conn, WithMetrics(m)).Run(context.Background(), makeJobs(4), testCred, 2)
	require.NoError(t, err)
	require.Equal(t, 3, res.Sent)

	assert.Equal(t, float64(4), testutil.ToFloat64(m.JobsQueued))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.JobsSent))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsFailed))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.WorkersActive))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.QueueDepth))
}

type stubComposer struct{ err error }

func (s stubComposer) Compose(msg email.Message) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte("Subject: " + msg.Subject + "\r\n\r\n" + msg.HTMLBody), nil
}

func TestRunComposerError(t *testing.T) {
	conn := &fakeConnector{}
	d := New(testProviders, conn, WithComposer(stubComposer{err: errors.New("signing key unusable")}))

	res, err := d.Run(context.Background(), makeJobs(3), testCred, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Failed)
	assert.Zero(t, conn.connects.Load())
	assert.Contains(t, res.Outcomes[0].Detail, "compose: signing key unusable")
}

// cancellingComposer cancels the run while a message is being built, after
// the worker has already taken the job off the queue.
type cancellingComposer struct{ cancel context.CancelFunc }

func (c cancellingComposer) Compose(msg email.Message) ([]byte, error) {
	c.cancel()
	return []byte("Subject: " + msg.Subject + "\r\n\r\n" + msg.HTMLBody), nil
}

func TestRunCancelBetweenDequeueAndSend(t *testing.T) {
	conn := &fakeConnector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := New(testProviders, conn, WithComposer(cancellingComposer{cancel: cancel})).Run(ctx, makeJobs(3), testCred, 1)
	require.NoError(t, err)
	assert.Zero(t, conn.connects.Load())
	assert.Zero(t, res.Sent)
	assert.Equal(t, 3, res.Skipped)
	assertConserved(t, res, 3)
	for _, o := range res.Outcomes {
		assert.Equal(t, StatusSkipped, o.Status)
	}
}
