package engine

import (
	"encoding/binary"
	"errors"
	"math"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/shaban/plughost/engine/frame"
	"github.com/shaban/plughost/engine/params"
	"github.com/shaban/plughost/plugins"
)

// DefaultSurfaceSize is reported by Size before the UI asks for a size.
const DefaultSurfaceSize = 100

var errBadSize = errors.New("invalid size")

// ControlSurface connects a plugin's UI to the render goroutine. Every
// method except IsOpen, NeedResize and Resize must be called from the one
// control-surface goroutine.
type ControlSurface struct {
	p     *Plugin
	log   logr.Logger
	entry plugins.UIEntry

	ui    plugins.UI
	idler plugins.Idler
	dec   *frame.Decoder
	sink  params.SinkFunc

	width   atomic.Int32
	height  atomic.Int32
	resized atomic.Bool
}

func newControlSurface(p *Plugin) *ControlSurface {
	s := &ControlSurface{
		p:   p,
		log: p.log.WithName("surface"),
		dec: frame.NewDecoder(p.eventsToUI),
	}
	s.width.Store(DefaultSurfaceSize)
	s.height.Store(DefaultSurfaceSize)
	s.sink = s.controlChanged
	if p.desc.HasGUI() && p.lib != nil {
		entry, err := plugins.FindUIEntry(p.lib, p.desc.GUI.URI)
		if err != nil {
			s.log.Info("Plugin UI unavailable", "ui", p.desc.GUI.URI, "error", err.Error())
		} else {
			s.entry = entry
		}
	}
	return s
}

// HasEditor reports whether the plugin has a UI that can be opened.
func (s *ControlSurface) HasEditor() bool { return s.entry != nil }

// IsOpen reports whether a UI is attached. Safe from any goroutine.
func (s *ControlSurface) IsOpen() bool { return s.p.surfaceOpen.Load() }

// Open instantiates the UI inside the native parent window and attaches it.
// The render goroutine republishes every control value on its next cycle.
func (s *ControlSurface) Open(parent uintptr) bool {
	if s.IsOpen() {
		return true
	}
	if s.entry == nil {
		return false
	}
	// stale updates from a previous attach
	s.p.ctrlToUI.DrainInto(params.SinkFunc(func(uint32, float32) {}))
	for s.dec.Discard() {
	}

	ui, err := s.entry.Instantiate(s.p.desc.URI, s.p.desc.Bundle, s, parent,
		plugins.UIFeatures{URIDs: s.p.urids, Resize: s})
	if err != nil || ui == nil {
		s.log.Error(err, "Failed to open plugin UI")
		return false
	}
	s.ui = ui
	s.idler, _ = ui.(plugins.Idler)
	s.p.surfaceOpen.Store(true)
	s.log.V(1).Info("Plugin UI opened")

	s.Idle()
	s.Idle()
	return true
}

// Close detaches and destroys the UI.
func (s *ControlSurface) Close() {
	if !s.IsOpen() {
		return
	}
	s.p.surfaceOpen.Store(false)
	s.ui.Cleanup()
	s.ui, s.idler = nil, nil
	s.log.V(1).Info("Plugin UI closed")
}

// Idle runs one control-surface cycle: it applies every queued control
// value, forwards every queued output event and runs the UI's own idle hook.
// A UI whose hook asks to close is closed.
func (s *ControlSurface) Idle() {
	if !s.IsOpen() {
		return
	}
	s.p.ctrlToUI.DrainInto(s.sink)
	port := uint32(s.p.eventOut)
	for {
		ev, ok := s.dec.Next()
		if !ok {
			break
		}
		s.ui.EventReceived(port, ev.Type, ev.Payload)
	}
	s.p.metrics.OnIdleCycle()
	if s.idler != nil && s.idler.Idle() != 0 {
		s.log.V(1).Info("Plugin UI asked to close")
		s.Close()
	}
}

func (s *ControlSurface) controlChanged(port uint32, value float32) {
	s.ui.ControlChanged(port, value)
}

// Resize records a size request from the UI.
func (s *ControlSurface) Resize(width, height int) error {
	if width <= 0 || height <= 0 || width > math.MaxInt32 || height > math.MaxInt32 {
		return errBadSize
	}
	s.width.Store(int32(width))
	s.height.Store(int32(height))
	s.resized.Store(true)
	return nil
}

// NeedResize returns a pending size request once.
func (s *ControlSurface) NeedResize() (width, height int, ok bool) {
	if !s.resized.Swap(false) {
		return 0, 0, false
	}
	w, h := s.Size()
	return w, h, true
}

// Size returns the last requested size.
func (s *ControlSurface) Size() (width, height int) {
	return int(s.width.Load()), int(s.height.Load())
}

// Write is the UI's write-back path. Protocol 0 sets a control input from a
// 4-byte little-endian float; any other protocol is the type of an event
// for the event input. Invalid writes are logged and ignored; writes that
// find their channel full are dropped.
func (s *ControlSurface) Write(port uint32, protocol uint32, data []byte) {
	ports := s.p.desc.Ports
	if int(port) >= len(ports) {
		s.log.Info("UI wrote to unknown port", "port", port)
		return
	}
	if protocol == 0 {
		if len(data) != 4 || ports[port].Type != plugins.ControlIn {
			s.log.Info("Rejected control write", "port", port, "type", ports[port].Type.String(), "bytes", len(data))
			return
		}
		v := math.Float32frombits(binary.LittleEndian.Uint32(data))
		if !s.p.ctrlFromUI.Push(port, v) {
			s.p.metrics.OnDropped(ChannelControlFromUI)
			s.log.V(1).Info("Control write dropped", "port", port)
		}
		return
	}
	if int(port) != s.p.eventIn {
		s.log.Info("Rejected event write", "port", port, "type", ports[port].Type.String())
		return
	}
	if !frame.Emit(s.p.eventsIn, protocol, data) {
		s.p.metrics.OnDropped(ChannelEventsFromUI)
		s.log.V(1).Info("Event write dropped", "port", port, "bytes", len(data))
	}
}

// WriteControl is Write for a float value with protocol 0.
func (s *ControlSurface) WriteControl(port uint32, value float32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(value))
	s.Write(port, 0, b[:])
}
