// Package worker runs plugin-requested work outside the render goroutine.
//
// A work item moves Requested -> Dispatched -> Executing -> Responded ->
// Committed. Schedule, EmitResponses and EndRun belong to the render
// goroutine and never block; Work runs on the worker goroutine and may do
// anything.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/shaban/plughost/engine/frame"
	"github.com/shaban/plughost/engine/ring"
)

var (
	// ErrNoSpace is returned when a request or response channel is full.
	ErrNoSpace = errors.New("worker: no space")
	// ErrClosed is returned by Schedule after Close.
	ErrClosed = errors.New("worker: closed")
	// ErrWorkPanic wraps a panic recovered from a Work call.
	ErrWorkPanic = errors.New("worker: work panicked")
)

// Responder lets a Work call queue responses for the render goroutine.
type Responder interface {
	Respond(payload []byte) error
}

// Handler is the plugin side of deferred work.
type Handler interface {
	// Work runs on the worker goroutine, once per request, in request order.
	// payload belongs to the worker and is valid, and writable, only for
	// the duration of the call.
	Work(respond Responder, payload []byte) error
	// WorkResponse runs on the render goroutine, once per response.
	WorkResponse(payload []byte) error
}

// EndRunner is optionally implemented by a Handler that wants to know when
// the responses of a render cycle have all been delivered.
type EndRunner interface {
	EndRun()
}

// Worker owns the worker goroutine and its two channels.
type Worker struct {
	handler Handler
	endRun  EndRunner
	log     logr.Logger
	metrics Metrics

	requests   *ring.Ring[byte]
	responses  *ring.Ring[byte]
	inline     *ring.Ring[byte]
	reqDec     *frame.Decoder
	respDec    *frame.Decoder
	inlineDec  *frame.Decoder
	asyncResp  *channelResponder
	inlineResp *channelResponder
	inlineReq  []byte

	wake      chan struct{}
	freewheel atomic.Bool
	closed    atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool

	scheduled atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	committed atomic.Uint64
	refused   atomic.Uint64
	lost      atomic.Uint64
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger used from the worker goroutine.
func WithLogger(log logr.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// WithMetrics sets the metrics hook.
func WithMetrics(m Metrics) Option {
	return func(w *Worker) {
		if m != nil {
			w.metrics = m
		}
	}
}

// New creates a worker whose request and response channels each hold
// capacity bytes. Call Start to launch the goroutine.
func New(h Handler, capacity int, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		handler:   h,
		log:       logr.Discard(),
		metrics:   NopMetrics{},
		requests:  ring.New[byte](capacity),
		responses: ring.New[byte](capacity),
		inline:    ring.New[byte](capacity),
		inlineReq: make([]byte, capacity),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	if er, ok := h.(EndRunner); ok {
		w.endRun = er
	}
	for _, opt := range opts {
		opt(w)
	}
	w.reqDec = frame.NewDecoder(w.requests)
	w.respDec = frame.NewDecoder(w.responses)
	w.inlineDec = frame.NewDecoder(w.inline)
	w.asyncResp = &channelResponder{w: w, ch: w.responses}
	w.inlineResp = &channelResponder{w: w, ch: w.inline}
	return w
}

// Start launches the worker goroutine. Safe to call multiple times.
func (w *Worker) Start() {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started || w.closed.Load() {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.loop()
}

// SetFreewheeling switches between asynchronous dispatch and running Work
// inline inside Schedule.
func (w *Worker) SetFreewheeling(on bool) { w.freewheel.Store(on) }

// Freewheeling reports the current dispatch mode.
func (w *Worker) Freewheeling() bool { return w.freewheel.Load() }

// Schedule queues payload for the worker goroutine and wakes it. It returns
// ErrNoSpace, leaving the request channel untouched, when the request does
// not fit.
func (w *Worker) Schedule(payload []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.freewheel.Load() {
		if len(payload) > len(w.inlineReq)-frame.HeaderSize {
			w.rejected.Add(1)
			w.metrics.OnRejected()
			return ErrNoSpace
		}
		w.scheduled.Add(1)
		w.metrics.OnScheduled()
		n := copy(w.inlineReq, payload)
		w.run(w.inlineResp, w.inlineReq[:n])
		return nil
	}
	if !frame.Emit(w.requests, 0, payload) {
		w.rejected.Add(1)
		w.metrics.OnRejected()
		return ErrNoSpace
	}
	w.scheduled.Add(1)
	w.metrics.OnScheduled()
	w.signal()
	return nil
}

// ScheduleWork makes the worker usable as a plugin's work scheduler.
func (w *Worker) ScheduleWork(payload []byte) error { return w.Schedule(payload) }

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// EmitResponses delivers every queued response to the handler and returns
// how many were delivered.
func (w *Worker) EmitResponses() int {
	if w.closed.Load() {
		return 0
	}
	return w.commit(w.inlineDec) + w.commit(w.respDec)
}

func (w *Worker) commit(dec *frame.Decoder) int {
	n := 0
	for {
		ev, ok := dec.Next()
		if !ok {
			return n
		}
		if err := w.handler.WorkResponse(ev.Payload); err != nil {
			w.refused.Add(1)
		}
		w.committed.Add(1)
		w.metrics.OnCommitted()
		n++
	}
}

// EndRun tells the handler that this cycle's responses have been delivered.
func (w *Worker) EndRun() {
	if w.endRun != nil {
		w.endRun.EndRun()
	}
}

// Close stops the worker goroutine, waits for the request in progress to
// finish, and then releases the channels. Queued requests that were not yet
// dispatched are discarded.
func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.cancel()
	w.signal()
	w.wg.Wait()

	if n := w.requests.ReadSpace(); n > 0 {
		w.log.V(1).Info("Discarding undispatched work", "bytes", n)
	}
	w.requests, w.responses, w.inline = nil, nil, nil
	w.reqDec, w.respDec, w.inlineDec = nil, nil, nil
	return nil
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
		}
		for w.ctx.Err() == nil {
			ev, ok := w.reqDec.Next()
			if !ok {
				break
			}
			w.run(w.asyncResp, ev.Payload)
		}
	}
}

func (w *Worker) run(r Responder, payload []byte) {
	start := time.Now()
	err := w.invoke(r, payload)
	elapsed := time.Since(start)
	w.metrics.OnWorkDone(elapsed, err)
	if err != nil {
		w.failed.Add(1)
		w.log.Error(err, "Work request failed", "bytes", len(payload))
		return
	}
	w.completed.Add(1)
	if log := w.log.V(2); log.Enabled() {
		log.Info("Work request done", "bytes", len(payload), "elapsed", elapsed)
	}
}

func (w *Worker) invoke(r Responder, payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrWorkPanic, p)
		}
	}()
	return w.handler.Work(r, payload)
}

type channelResponder struct {
	w  *Worker
	ch *ring.Ring[byte]
}

func (c *channelResponder) Respond(payload []byte) error {
	if !frame.Emit(c.ch, 0, payload) {
		c.w.lost.Add(1)
		c.w.metrics.OnResponseDropped()
		return ErrNoSpace
	}
	return nil
}

// Stats counts work items by stage. Failed counts Work calls that returned
// an error or panicked; ResponsesFailed counts WorkResponse errors.
type Stats struct {
	Scheduled        uint64
	Rejected         uint64
	Completed        uint64
	Failed           uint64
	Committed        uint64
	ResponsesFailed  uint64
	ResponsesDropped uint64
}

// Stats returns the current counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Scheduled:        w.scheduled.Load(),
		Rejected:         w.rejected.Load(),
		Completed:        w.completed.Load(),
		Failed:           w.failed.Load(),
		Committed:        w.committed.Load(),
		ResponsesFailed:  w.refused.Load(),
		ResponsesDropped: w.lost.Load(),
	}
}
