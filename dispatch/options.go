package dispatch

import (
	"time"

	"github.com/rs/zerolog"

	"mailrun/internal/email"
	"mailrun/internal/metrics"
)

const (
	defaultPollInterval = time.Second
	defaultDrainTimeout = 2 * time.Second
	defaultSendTimeout  = 2 * time.Minute
)

// Composer renders a job into message bytes. *email.Composer satisfies it.
type Composer interface {
	Compose(msg email.Message) ([]byte, error)
}

type options struct {
	pollInterval time.Duration
	drainTimeout time.Duration
	sendTimeout  time.Duration
	queueSize    int
	sendRate     float64
	reuseConns   bool
	composer     Composer
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

func defaultOptions() options {
	return options{
		pollInterval: defaultPollInterval,
		drainTimeout: defaultDrainTimeout,
		sendTimeout:  defaultSendTimeout,
		composer:     email.NewComposer(nil),
		logger:       zerolog.Nop(),
	}
}

// Option configures a Dispatcher.
type Option func(*options)

// WithPollInterval sets how long an idle worker waits before re-checking the
// cancellation flag.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithDrainTimeout bounds how long Run waits for workers once the run is
// cancelled or its deadline passes.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

// WithSendTimeout bounds a single connect+send. Zero leaves only the
// transport's own timeouts in place.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.sendTimeout = d
		}
	}
}

// WithQueueSize sets the queue capacity. The default is twice the worker count.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithRateLimit caps sends per second across all workers of a run.
// Zero disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(o *options) {
		if perSecond >= 0 {
			o.sendRate = perSecond
		}
	}
}

// WithConnectionReuse keeps one connection per worker across jobs instead of
// opening a fresh one per job. A connection is never shared between workers;
// it is dropped after any connect or transport error and closed when the
// worker exits.
func WithConnectionReuse(enabled bool) Option {
	return func(o *options) { o.reuseConns = enabled }
}

// WithComposer replaces the default unsigned composer.
func WithComposer(c Composer) Option {
	return func(o *options) {
		if c != nil {
			o.composer = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
