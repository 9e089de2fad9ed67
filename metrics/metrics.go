// Package metrics exports host activity as Prometheus metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/shaban/plughost/engine"
)

const subsystem = "plughost"

var (
	renderCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "render_cycles_total",
			Help:      "Count of render cycles run by the hosted plugin.",
		},
		[]string{"plugin"},
	)
	renderFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "render_frames_total",
			Help:      "Count of sample frames rendered.",
		},
		[]string{"plugin"},
	)
	idleCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "idle_cycles_total",
			Help:      "Count of control-surface idle cycles.",
		},
		[]string{"plugin"},
	)
	droppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "dropped_messages_total",
			Help:      "Count of messages dropped because a channel was full.",
		},
		[]string{"plugin", "channel"},
	)
	workRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "work_requests_total",
			Help:      "Count of deferred work requests by outcome.",
		},
		[]string{"plugin", "outcome"},
	)
	workResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "work_responses_total",
			Help:      "Count of deferred work responses by outcome.",
		},
		[]string{"plugin", "outcome"},
	)
	workDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "work_duration_seconds",
			Help:      "Time spent in deferred work calls.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"plugin"},
	)
)

func collectors() []prometheus.Collector {
	return append([]prometheus.Collector{
		renderCycles, renderFrames, idleCycles, droppedMessages,
		workRequests, workResponses, workDuration,
	}, catalogCollectors()...)
}

// Register adds every host and catalog metric to reg. Metrics reg already
// holds are skipped, so any number of hosts and registries can share them.
func Register(reg prometheus.Registerer) error {
	var errs error
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Recorder reports one plugin's activity. Its children are resolved up
// front so the render-goroutine methods do not allocate.
type Recorder struct {
	cycles    prometheus.Counter
	frames    prometheus.Counter
	idles     prometheus.Counter
	dropped   []prometheus.Counter
	scheduled prometheus.Counter
	rejected  prometheus.Counter
	succeeded prometheus.Counter
	failed    prometheus.Counter
	committed prometheus.Counter
	lost      prometheus.Counter
	duration  prometheus.Observer
}

// NewRecorder creates a recorder labelled with the plugin URI.
func NewRecorder(plugin string) *Recorder {
	r := &Recorder{
		cycles:    renderCycles.WithLabelValues(plugin),
		frames:    renderFrames.WithLabelValues(plugin),
		idles:     idleCycles.WithLabelValues(plugin),
		scheduled: workRequests.WithLabelValues(plugin, "scheduled"),
		rejected:  workRequests.WithLabelValues(plugin, "rejected"),
		succeeded: workRequests.WithLabelValues(plugin, "succeeded"),
		failed:    workRequests.WithLabelValues(plugin, "failed"),
		committed: workResponses.WithLabelValues(plugin, "committed"),
		lost:      workResponses.WithLabelValues(plugin, "dropped"),
		duration:  workDuration.WithLabelValues(plugin),
	}
	for _, ch := range engine.Channels() {
		r.dropped = append(r.dropped, droppedMessages.WithLabelValues(plugin, ch.String()))
	}
	return r
}

// OnRenderCycle records one render cycle of nframes frames.
func (r *Recorder) OnRenderCycle(nframes int) {
	r.cycles.Inc()
	r.frames.Add(float64(nframes))
}

// OnIdleCycle records one control-surface cycle.
func (r *Recorder) OnIdleCycle() { r.idles.Inc() }

// OnDropped records a message dropped on ch.
func (r *Recorder) OnDropped(ch engine.Channel) {
	if int(ch) >= 0 && int(ch) < len(r.dropped) {
		r.dropped[ch].Inc()
	}
}

func (r *Recorder) OnScheduled()       { r.scheduled.Inc() }
func (r *Recorder) OnRejected()        { r.rejected.Inc() }
func (r *Recorder) OnCommitted()       { r.committed.Inc() }
func (r *Recorder) OnResponseDropped() { r.lost.Inc() }

// OnWorkDone records the outcome and duration of one work call.
func (r *Recorder) OnWorkDone(elapsed time.Duration, err error) {
	r.duration.Observe(elapsed.Seconds())
	if err != nil {
		r.failed.Inc()
		return
	}
	r.succeeded.Inc()
}
