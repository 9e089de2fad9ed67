// Package plughost hosts one audio plugin: it opens the plugin's library,
// drives its render cycle from the caller's audio callback, runs its
// control surface on a periodic goroutine and keeps its state across
// reopen through a caller-owned StateStore.
package plughost

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/shaban/plughost/engine"
	"github.com/shaban/plughost/internal/logging"
	"github.com/shaban/plughost/metrics"
	"github.com/shaban/plughost/plugins"
)

// Host is one running plugin.
//
// Process and ProcessInterleaved belong to the caller's render goroutine.
// Editor operations may be called from any goroutine; they are serialised
// onto the host's control-surface goroutine.
type Host struct {
	id     uuid.UUID
	cfg    Config
	desc   *plugins.Descriptor
	plugin *engine.Plugin
	log    logr.Logger

	dispatcher *Dispatcher

	// render gate
	closing  atomic.Bool
	inflight atomic.Int32
	closed   atomic.Bool

	// render goroutine only
	inView  [][]float32
	outView [][]float32
	inBuf   [][]float32
	outBuf  [][]float32
}

// Open loads desc's library through cfg.Opener, instantiates the plugin,
// restores any state held for it in cfg.StateStore, activates it and starts
// the control-surface goroutine. Every failure is fatal and releases what
// was acquired.
func Open(desc *plugins.Descriptor, cfg Config) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if cfg.RequireGUI && !desc.HasGUI() {
		return nil, fmt.Errorf("%w: plugin %s has no GUI", ErrNoEditor, desc.URI)
	}
	if desc.AudioIns() != cfg.Channels || desc.AudioOuts() != cfg.Channels {
		return nil, fmt.Errorf("%w: plugin %s has %d inputs and %d outputs, host has %d channels",
			ErrChannelMismatch, desc.URI, desc.AudioIns(), desc.AudioOuts(), cfg.Channels)
	}

	id := uuid.New()
	log := cfg.Logger.WithName("plughost").WithValues("host", id.String())

	if cfg.Registerer != nil {
		if err := metrics.Register(cfg.Registerer); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	lib, err := cfg.Opener.Open(desc.Binary)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin library %s: %w", desc.Binary, err)
	}

	ecfg := engine.Config{
		SampleRate:       cfg.SampleRate,
		EventBufferSize:  cfg.EventBufferSize,
		WorkerBufferSize: cfg.WorkerBufferSize,
		UpdateRatio:      cfg.UpdateRatio,
		MaxBlock:         cfg.MaxBlock,
		Freewheel:        cfg.Freewheel,
		Logger:           log,
	}
	if cfg.Registerer != nil {
		rec := metrics.NewRecorder(desc.URI)
		ecfg.Metrics = rec
		ecfg.WorkerMetrics = rec
	}
	p, err := engine.New(desc, lib, ecfg)
	if err != nil {
		return nil, multierr.Append(err, lib.Close())
	}

	h := &Host{
		id:      id,
		cfg:     cfg,
		desc:    desc,
		plugin:  p,
		log:     log,
		inView:  make([][]float32, cfg.Channels),
		outView: make([][]float32, cfg.Channels),
		inBuf:   make([][]float32, cfg.Channels),
		outBuf:  make([][]float32, cfg.Channels),
	}
	for i := range cfg.Channels {
		h.inBuf[i] = make([]float32, cfg.MaxBlock)
		h.outBuf[i] = make([]float32, cfg.MaxBlock)
	}

	if cfg.StateStore != nil {
		if blob, ok := cfg.StateStore.Load(desc.URI); ok {
			if err := p.LoadState(blob); err != nil {
				cfg.ErrorHandler.HandleError(fmt.Errorf("failed to restore state of %s: %w", desc.URI, err))
			} else {
				log.V(logging.VERBOSE).Info("Restored plugin state", "bytes", len(blob))
			}
		}
	}

	h.dispatcher = NewDispatcher(p.Surface(), desc.Name, cfg.Windows, cfg.IdleInterval,
		log.WithName("surface"), cfg.ErrorHandler)
	if err := h.dispatcher.Start(); err != nil {
		return nil, multierr.Append(err, p.Close())
	}
	p.Resume()

	if cfg.ShowGUI {
		if err := h.OpenEditor(context.Background()); err != nil {
			cfg.ErrorHandler.HandleError(fmt.Errorf("failed to open editor for %s: %w", desc.URI, err))
		}
	}
	log.Info("Plugin host opened", "plugin", desc.URI, "sampleRate", cfg.SampleRate, "channels", cfg.Channels)
	return h, nil
}

// ID returns the host's session id.
func (h *Host) ID() uuid.UUID { return h.id }

// Descriptor returns the hosted plugin's descriptor.
func (h *Host) Descriptor() *plugins.Descriptor { return h.desc }

// Plugin returns the hosted plugin.
func (h *Host) Plugin() *engine.Plugin { return h.plugin }

// Config returns the validated configuration.
func (h *Host) Config() Config { return h.cfg }

// Latency returns the plugin's reported latency in frames.
func (h *Host) Latency() float32 { return h.plugin.Latency() }

// Process renders nframes per channel. in and out hold one buffer per host
// channel. Blocks longer than MaxBlock are rendered in chunks.
func (h *Host) Process(in, out [][]float32, nframes int) error {
	if !h.enter() {
		return ErrHostClosed
	}
	defer h.inflight.Add(-1)

	if len(in) != h.cfg.Channels || len(out) != h.cfg.Channels {
		return ErrChannelMismatch
	}
	for off := 0; off < nframes; off += h.cfg.MaxBlock {
		n := min(h.cfg.MaxBlock, nframes-off)
		for c := range h.cfg.Channels {
			if len(in[c]) < off+n || len(out[c]) < off+n {
				return engine.ErrBufferMismatch
			}
			h.inView[c] = in[c][off : off+n]
			h.outView[c] = out[c][off : off+n]
		}
		if err := h.plugin.Process(h.inView, h.outView, n); err != nil {
			return err
		}
	}
	return nil
}

// ProcessInterleaved renders interleaved frames: len(in)/Channels frames are
// read from in and written to out.
func (h *Host) ProcessInterleaved(in, out []float32) error {
	if !h.enter() {
		return ErrHostClosed
	}
	defer h.inflight.Add(-1)

	ch := h.cfg.Channels
	if len(in)%ch != 0 || len(out) < len(in) {
		return fmt.Errorf("%w: %d input and %d output samples for %d channels",
			ErrChannelMismatch, len(in), len(out), ch)
	}
	nframes := len(in) / ch
	for off := 0; off < nframes; off += h.cfg.MaxBlock {
		n := min(h.cfg.MaxBlock, nframes-off)
		for c := range ch {
			buf := h.inBuf[c][:n]
			for i := range buf {
				buf[i] = in[(off+i)*ch+c]
			}
			h.inView[c] = buf
			h.outView[c] = h.outBuf[c][:n]
		}
		if err := h.plugin.Process(h.inView, h.outView, n); err != nil {
			return err
		}
		for c := range ch {
			for i, v := range h.outView[c] {
				out[(off+i)*ch+c] = v
			}
		}
	}
	return nil
}

func (h *Host) enter() bool {
	h.inflight.Add(1)
	if h.closing.Load() {
		h.inflight.Add(-1)
		return false
	}
	return true
}

// OpenEditor opens the plugin's UI on the control-surface goroutine.
func (h *Host) OpenEditor(ctx context.Context) error {
	return h.dispatcher.Submit(ctx, DispatcherOperation{Type: OpOpenEditor})
}

// CloseEditor closes the plugin's UI.
func (h *Host) CloseEditor(ctx context.Context) error {
	return h.dispatcher.Submit(ctx, DispatcherOperation{Type: OpCloseEditor})
}

// EditorOpen reports whether the plugin's UI is open.
func (h *Host) EditorOpen() bool { return h.plugin.Surface().IsOpen() }

// WriteControl sets a control input as if the UI had written it.
func (h *Host) WriteControl(ctx context.Context, port uint32, value float32) error {
	return h.dispatcher.Submit(ctx, DispatcherOperation{Type: OpWriteControl, Port: port, Value: value})
}

// WriteEvent sends an event to the plugin's event input as if the UI had
// written it.
func (h *Host) WriteEvent(ctx context.Context, port, typ uint32, data []byte) error {
	return h.dispatcher.Submit(ctx, DispatcherOperation{Type: OpWriteEvent, Port: port, Protocol: typ, Data: data})
}

// Close stops render, joins the worker, stops the control-surface goroutine
// (closing the editor), saves state to the StateStore and releases the
// plugin. Process calls racing with Close return ErrHostClosed.
func (h *Host) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.closing.Store(true)
	for h.inflight.Load() > 0 {
		runtime.Gosched()
	}

	var errs error
	errs = multierr.Append(errs, h.plugin.StopWorker())
	h.dispatcher.Stop()

	if h.cfg.StateStore != nil {
		blob, err := h.plugin.SaveState()
		if err != nil {
			h.cfg.ErrorHandler.HandleError(fmt.Errorf("failed to save state of %s: %w", h.desc.URI, err))
		} else {
			h.cfg.StateStore.Save(h.desc.URI, blob)
		}
	}
	errs = multierr.Append(errs, h.plugin.Close())
	h.log.Info("Plugin host closed", "plugin", h.desc.URI)
	return errs
}
