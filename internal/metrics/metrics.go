package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatcher's Prometheus collectors. A nil *Metrics is a
// valid no-op sink.
type Metrics struct {
	JobsQueued    prometheus.Counter
	JobsSent      prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsSkipped   prometheus.Counter
	WorkersLeaked prometheus.Counter
	WorkersActive prometheus.Gauge
	QueueDepth    prometheus.Gauge
	SendDuration  prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "mailrun_jobs_queued_total",
			Help: "Jobs handed to the worker queue.",
		}),
		JobsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "mailrun_jobs_sent_total",
			Help: "Jobs delivered to the provider.",
		}),
		JobsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "mailrun_jobs_failed_total",
			Help: "Jobs that failed resolution, connect or send.",
		}),
		JobsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "mailrun_jobs_skipped_total",
			Help: "Jobs not attempted because the run was cancelled.",
		}),
		WorkersLeaked: f.NewCounter(prometheus.CounterOpts{
			Name: "mailrun_workers_leaked_total",
			Help: "Workers that did not exit within the drain timeout.",
		}),
		WorkersActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "mailrun_workers_active",
			Help: "Workers currently running.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "mailrun_queue_depth",
			Help: "Items waiting in the worker queue.",
		}),
		SendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailrun_send_duration_seconds",
			Help:    "Connect plus send latency per job.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

func (m *Metrics) Queued() {
	if m != nil {
		m.JobsQueued.Inc()
	}
}

func (m *Metrics) Sent(d time.Duration) {
	if m != nil {
		m.JobsSent.Inc()
		m.SendDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) Failed() {
	if m != nil {
		m.JobsFailed.Inc()
	}
}

func (m *Metrics) Skipped(n int) {
	if m != nil && n > 0 {
		m.JobsSkipped.Add(float64(n))
	}
}

func (m *Metrics) Leaked(n int) {
	if m != nil && n > 0 {
		m.WorkersLeaked.Add(float64(n))
	}
}

func (m *Metrics) WorkerStarted() {
	if m != nil {
		m.WorkersActive.Inc()
	}
}

func (m *Metrics) WorkerStopped() {
	if m != nil {
		m.WorkersActive.Dec()
	}
}

// SetQueueDepth records the current queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}
