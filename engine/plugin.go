// Package engine hosts one plugin instance and drives it from three
// goroutines: the render goroutine (Process), the control-surface goroutine
// (ControlSurface) and the worker goroutine (engine/worker).
//
// The port value arrays belong to the render goroutine. Every other goroutine
// reaches them only through the channels created in New.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/shaban/plughost/engine/frame"
	"github.com/shaban/plughost/engine/params"
	"github.com/shaban/plughost/engine/ring"
	"github.com/shaban/plughost/engine/worker"
	"github.com/shaban/plughost/plugins"
)

const (
	// DefaultUpdateRatio sizes the channels to the surface for this many
	// render cycles per idle cycle.
	DefaultUpdateRatio = 60
	// DefaultWorkerBufferSize is the byte size of each worker channel.
	DefaultWorkerBufferSize = 4096
)

var (
	// ErrInstantiate wraps a failure of the plugin's Instantiate entry point.
	ErrInstantiate = errors.New("failed to instantiate plugin")
	// ErrBufferMismatch is returned by Process for a wrong number of buffers
	// or buffers shorter than the block.
	ErrBufferMismatch = errors.New("audio buffers do not match plugin ports")
	// ErrNotEventPort is returned by ResizePort for non-event ports.
	ErrNotEventPort = errors.New("not an event port")
	// ErrNoWorkHandler is returned when work is scheduled by an instance that
	// does not implement worker.Handler.
	ErrNoWorkHandler = errors.New("instance has no work handler")
)

// Config holds the construction parameters of a Plugin.
type Config struct {
	SampleRate       float64
	EventBufferSize  int // lower bound for every event buffer
	WorkerBufferSize int
	UpdateRatio      int
	MaxBlock         int
	Freewheel        bool
	Logger           logr.Logger
	Metrics          Metrics
	WorkerMetrics    worker.Metrics
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = plugins.DefaultEventBufferSize
	}
	if c.WorkerBufferSize <= 0 {
		c.WorkerBufferSize = DefaultWorkerBufferSize
	}
	if c.UpdateRatio <= 0 {
		c.UpdateRatio = DefaultUpdateRatio
	}
	if c.MaxBlock <= 0 {
		c.MaxBlock = 8192
	}
	if c.Logger.GetSink() == nil {
		c.Logger = logr.Discard()
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
}

// Plugin is one hosted plugin instance with its channels and worker.
type Plugin struct {
	desc    *plugins.Descriptor
	lib     plugins.Library
	inst    plugins.Instance
	state   plugins.StateHandler
	handler worker.Handler
	urids   *URIDMap
	log     logr.Logger
	metrics Metrics
	rate    float64

	// render goroutine only
	ports     []float32
	portsPre  []float32
	published []float32
	uiSync    bool

	audioIns    []uint32
	audioOuts   []uint32
	controlIns  []uint32
	controlOuts []uint32
	isCtrlIn    []bool
	eventIn     int
	eventOut    int
	inSeq       *frame.Sequence
	outSeq      *frame.Sequence
	resized     []atomic.Pointer[frame.Sequence]

	ctrlToUI   *params.Mirror
	ctrlFromUI *params.Mirror
	eventsToUI *ring.Ring[byte]
	eventsIn   *ring.Ring[byte]
	extIn      *ring.Ring[byte]
	eventsDec  *frame.Decoder
	extDec     *frame.Decoder
	applyCtrl  params.SinkFunc

	worker  *worker.Worker
	surface *ControlSurface

	surfaceOpen atomic.Bool
	latency     atomic.Uint32
	latencyPort int

	mu     sync.Mutex
	active bool
	closed bool
}

// New resolves the plugin's entry point in lib, instantiates it and builds
// every channel it needs. Any failure releases what was built and is fatal.
func New(desc *plugins.Descriptor, lib plugins.Library, cfg Config) (*Plugin, error) {
	cfg.applyDefaults()
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if err := desc.CheckFeatures(); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", desc.URI, err)
	}
	entry, err := plugins.FindEntry(lib, desc.URI)
	if err != nil {
		return nil, err
	}

	nPorts := len(desc.Ports)
	nCtrl := desc.ControlCount()
	evSize := desc.EventBufferSize(cfg.EventBufferSize)

	p := &Plugin{
		desc:        desc,
		lib:         lib,
		urids:       NewURIDMap(plugins.URIMIDIEvent, plugins.URIChunk, plugins.URIFloat, plugins.URIEventTransfer),
		log:         cfg.Logger.WithValues("plugin", desc.URI),
		metrics:     cfg.Metrics,
		rate:        cfg.SampleRate,
		ports:       make([]float32, nPorts),
		portsPre:    make([]float32, nPorts),
		published:   make([]float32, nPorts),
		uiSync:      true,
		isCtrlIn:    make([]bool, nPorts),
		eventIn:     -1,
		eventOut:    -1,
		latencyPort: -1,
		resized:     make([]atomic.Pointer[frame.Sequence], nPorts),
		ctrlToUI:    params.NewMirror(1 + cfg.UpdateRatio*nCtrl),
		ctrlFromUI:  params.NewMirror(1 + cfg.UpdateRatio*nCtrl),
		eventsToUI:  ring.New[byte](1 + cfg.UpdateRatio*evSize),
		eventsIn:    ring.New[byte](cfg.UpdateRatio * evSize),
		extIn:       ring.New[byte](cfg.UpdateRatio * evSize),
	}
	p.eventsDec = frame.NewDecoder(p.eventsIn)
	p.extDec = frame.NewDecoder(p.extIn)
	p.applyCtrl = p.applyControl

	for _, port := range desc.Ports {
		i := port.Index
		switch port.Type {
		case plugins.ControlIn:
			p.controlIns = append(p.controlIns, i)
			p.isCtrlIn[i] = true
		case plugins.ControlOut:
			p.controlOuts = append(p.controlOuts, i)
		case plugins.AudioIn:
			p.audioIns = append(p.audioIns, i)
		case plugins.AudioOut:
			p.audioOuts = append(p.audioOuts, i)
		case plugins.EventIn, plugins.MIDIIn:
			p.eventIn = int(i)
			p.inSeq = frame.NewSequence(evSize)
		case plugins.EventOut, plugins.MIDIOut:
			p.eventOut = int(i)
			p.outSeq = frame.NewSequence(evSize)
		}
	}
	if lat, ok := desc.LatencyPort(); ok {
		p.latencyPort = int(lat)
	}
	p.ResetDefaults()
	copy(p.published, p.ports)

	p.worker = worker.New(workProxy{p}, cfg.WorkerBufferSize,
		worker.WithLogger(p.log.WithName("worker")),
		worker.WithMetrics(cfg.WorkerMetrics))
	p.worker.SetFreewheeling(cfg.Freewheel)

	features := plugins.Features{
		URIDs:     p.urids,
		Scheduler: p.worker,
		Resizer:   p,
		Options: plugins.Options{
			SampleRate:   cfg.SampleRate,
			SequenceSize: evSize,
			MaxBlock:     cfg.MaxBlock,
		},
	}
	inst, err := entry.Instantiate(cfg.SampleRate, desc.Bundle, features)
	if err != nil || inst == nil {
		_ = p.worker.Close()
		if err == nil {
			err = errors.New("nil instance")
		}
		return nil, fmt.Errorf("%w %s: %w", ErrInstantiate, desc.URI, err)
	}
	p.inst = inst
	if h, ok := inst.(worker.Handler); ok {
		p.handler = h
	}
	if s, ok := inst.(plugins.StateHandler); ok {
		p.state = s
	}
	p.worker.Start()

	for _, i := range p.controlIns {
		inst.ConnectControl(i, &p.ports[i])
	}
	for _, i := range p.controlOuts {
		inst.ConnectControl(i, &p.ports[i])
	}
	if p.inSeq != nil {
		inst.ConnectEvents(uint32(p.eventIn), p.inSeq)
	}
	if p.outSeq != nil {
		inst.ConnectEvents(uint32(p.eventOut), p.outSeq)
	}

	p.surface = newControlSurface(p)
	p.log.V(1).Info("Plugin instantiated",
		"ports", nPorts, "eventBufferSize", evSize, "worker", p.handler != nil, "state", p.state != nil)
	return p, nil
}

// Descriptor returns the descriptor the plugin was built from.
func (p *Plugin) Descriptor() *plugins.Descriptor { return p.desc }

// URIDs returns the instance's URID map.
func (p *Plugin) URIDs() *URIDMap { return p.urids }

// Surface returns the control surface bridge.
func (p *Plugin) Surface() *ControlSurface { return p.surface }

// Worker returns the deferred-work scheduler.
func (p *Plugin) Worker() *worker.Worker { return p.worker }

// SetFreewheeling switches deferred work to run inline.
func (p *Plugin) SetFreewheeling(on bool) { p.worker.SetFreewheeling(on) }

// ResetDefaults sets every control input to its declared default. It must
// not run concurrently with Process.
func (p *Plugin) ResetDefaults() {
	for _, port := range p.desc.Ports {
		if !port.Type.IsControl() {
			continue
		}
		v := port.Default
		if port.SampleRate {
			v *= float32(p.rate)
		}
		p.ports[port.Index] = v
	}
	p.uiSync = true
}

// Resume activates the instance. Calling it twice activates once.
func (p *Plugin) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active || p.closed {
		return
	}
	if en, ok := p.desc.EnablePort(); ok {
		p.ports[en] = 1
	}
	p.inst.Activate()
	p.active = true
	p.log.V(1).Info("Plugin activated")
}

// Suspend deactivates the instance. Calling it twice deactivates once.
func (p *Plugin) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspendLocked()
}

func (p *Plugin) suspendLocked() {
	if !p.active {
		return
	}
	if en, ok := p.desc.EnablePort(); ok {
		p.ports[en] = 0
	}
	p.inst.Deactivate()
	p.active = false
	p.log.V(1).Info("Plugin deactivated")
}

// Active reports whether the instance is activated.
func (p *Plugin) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Latency returns the latest value of the plugin's latency port in frames,
// or 0 when it has none. Safe from any goroutine.
func (p *Plugin) Latency() float32 {
	return math.Float32frombits(p.latency.Load())
}

// ResizePort replaces the buffer of an event port with one of size bytes.
// The render goroutine connects it at the start of its next cycle.
func (p *Plugin) ResizePort(port uint32, size int) error {
	if int(port) >= len(p.desc.Ports) || !p.desc.Ports[port].Type.IsEvent() {
		return fmt.Errorf("%w: %d", ErrNotEventPort, port)
	}
	if size <= 0 {
		return fmt.Errorf("invalid size %d for port %d", size, port)
	}
	p.resized[port].Store(frame.NewSequence(size))
	return nil
}

// StopWorker signals and joins the worker goroutine. Render must have
// stopped.
func (p *Plugin) StopWorker() error {
	return p.worker.Close()
}

// Close tears the plugin down after render has stopped: it joins the
// worker, closes the control surface, deactivates and cleans up the
// instance, and closes the library.
func (p *Plugin) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs error
	errs = multierr.Append(errs, p.worker.Close())
	p.surface.Close()

	p.mu.Lock()
	p.suspendLocked()
	p.mu.Unlock()
	p.inst.Cleanup()
	if p.lib != nil {
		errs = multierr.Append(errs, p.lib.Close())
	}
	p.log.V(1).Info("Plugin closed")
	return errs
}

// workProxy forwards worker callbacks to the instance, which does not exist
// yet when the worker is built.
type workProxy struct{ p *Plugin }

func (w workProxy) Work(respond worker.Responder, payload []byte) error {
	if w.p.handler == nil {
		return ErrNoWorkHandler
	}
	return w.p.handler.Work(respond, payload)
}

func (w workProxy) WorkResponse(payload []byte) error {
	if w.p.handler == nil {
		return ErrNoWorkHandler
	}
	return w.p.handler.WorkResponse(payload)
}

func (w workProxy) EndRun() {
	if er, ok := w.p.handler.(worker.EndRunner); ok {
		er.EndRun()
	}
}
