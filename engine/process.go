package engine

import (
	"fmt"
	"math"

	"github.com/shaban/plughost/engine/frame"
)

// Process runs one render cycle over nframes samples. in and out hold one
// buffer per audio input and output port, in port order.
//
// It never blocks, locks or allocates. The steps run in a fixed order:
// rebind buffers, apply surface writes, fill the input event buffer,
// snapshot ports, run the plugin, commit worker responses, publish changes
// to the surface, forward output events and end the worker batch.
func (p *Plugin) Process(in, out [][]float32, nframes int) error {
	if len(in) != len(p.audioIns) || len(out) != len(p.audioOuts) {
		return ErrBufferMismatch
	}
	for _, b := range in {
		if len(b) < nframes {
			return ErrBufferMismatch
		}
	}
	for _, b := range out {
		if len(b) < nframes {
			return ErrBufferMismatch
		}
	}

	for i, port := range p.audioIns {
		p.inst.ConnectAudio(port, in[i][:nframes])
	}
	for i, port := range p.audioOuts {
		p.inst.ConnectAudio(port, out[i][:nframes])
	}
	p.rebindEvents()

	p.ctrlFromUI.DrainInto(p.applyCtrl)
	p.fillInput()

	copy(p.portsPre, p.ports)
	if p.outSeq != nil {
		p.outSeq.Reset()
	}
	p.inst.Run(nframes)

	p.worker.EmitResponses()

	if p.latencyPort >= 0 {
		p.latency.Store(math.Float32bits(p.ports[p.latencyPort]))
	}
	if p.surfaceOpen.Load() {
		p.publishControls()
		p.forwardEvents()
	} else {
		p.uiSync = true
	}

	p.worker.EndRun()
	p.metrics.OnRenderCycle(nframes)
	return nil
}

// SetParameter sets a control input from the render goroutine. It returns
// false when the port is not a control input or the value is unchanged.
// The new value reaches an open surface on the next cycle.
func (p *Plugin) SetParameter(port uint32, value float32) bool {
	if int(port) >= len(p.ports) || !p.isCtrlIn[port] {
		return false
	}
	if p.ports[port] == value {
		return false
	}
	p.ports[port] = value
	return true
}

// PortValue returns the current value of a control port. Call it from the
// render goroutine or while render is stopped.
func (p *Plugin) PortValue(port uint32) (float32, error) {
	if int(port) >= len(p.ports) || !p.desc.Ports[port].Type.IsControl() {
		return 0, fmt.Errorf("port %d is not a control port", port)
	}
	return p.ports[port], nil
}

// ExternalEvents returns the single-producer channel through which one
// non-surface source (a MIDI input, for example) feeds the event input.
func (p *Plugin) ExternalEvents() *EventWriter {
	return &EventWriter{p: p}
}

// EventWriter frames events into the plugin's external event channel. Only
// one goroutine may write through it.
type EventWriter struct{ p *Plugin }

// Write queues one event and reports whether it fit.
func (w *EventWriter) Write(typ uint32, payload []byte) bool {
	if w.p.inSeq == nil {
		return false
	}
	if !frame.Emit(w.p.extIn, typ, payload) {
		w.p.metrics.OnDropped(ChannelExternalEvents)
		return false
	}
	return true
}

// Map returns the id of uri in the plugin's URID map.
func (w *EventWriter) Map(uri string) uint32 { return w.p.urids.Map(uri) }

func (p *Plugin) applyControl(port uint32, value float32) {
	if int(port) < len(p.ports) && p.isCtrlIn[port] {
		p.ports[port] = value
	}
}

func (p *Plugin) rebindEvents() {
	if p.eventIn >= 0 {
		if seq := p.resized[p.eventIn].Swap(nil); seq != nil {
			p.inSeq = seq
			p.inst.ConnectEvents(uint32(p.eventIn), seq)
		}
	}
	if p.eventOut >= 0 {
		if seq := p.resized[p.eventOut].Swap(nil); seq != nil {
			p.outSeq = seq
			p.inst.ConnectEvents(uint32(p.eventOut), seq)
		}
	}
}

// fillInput moves surface and external events into the input sequence with
// zero timestamps. Events that do not fit stay queued for the next cycle; an
// event larger than the whole sequence is dropped.
func (p *Plugin) fillInput() {
	if p.inSeq == nil {
		return
	}
	p.inSeq.Reset()
	p.drainEvents(p.eventsDec, ChannelEventsFromUI)
	p.drainEvents(p.extDec, ChannelExternalEvents)
}

func (p *Plugin) drainEvents(dec *frame.Decoder, ch Channel) {
	for {
		size, ok := dec.Pending()
		if !ok {
			return
		}
		if !p.inSeq.Fits(size) {
			if p.inSeq.Len() == 0 {
				dec.Discard()
				p.metrics.OnDropped(ChannelInputSequence)
				continue
			}
			return
		}
		ev, _ := dec.Next()
		p.inSeq.Append(0, ev.Type, ev.Payload)
	}
}

// publishControls sends control values to the surface. After the surface
// attaches every value goes out once; afterwards only values that differ
// from what the surface last received. A dropped push leaves the value
// stale so it is retried next cycle.
func (p *Plugin) publishControls() {
	complete := true
	for _, port := range p.controlIns {
		v := p.ports[port]
		if !p.uiSync && v == p.published[port] {
			continue
		}
		if !p.push(port, v) {
			complete = false
		}
	}
	for _, port := range p.controlOuts {
		v := p.ports[port]
		if !p.uiSync && v == p.portsPre[port] && v == p.published[port] {
			continue
		}
		if !p.push(port, v) {
			complete = false
		}
	}
	if complete {
		p.uiSync = false
	}
}

func (p *Plugin) push(port uint32, v float32) bool {
	if !p.ctrlToUI.Push(port, v) {
		p.metrics.OnDropped(ChannelControlToUI)
		return false
	}
	p.published[port] = v
	return true
}

// forwardEvents frames the plugin's output events for the surface when all
// of them fit; otherwise the cycle's output is dropped as a whole.
func (p *Plugin) forwardEvents() {
	if p.outSeq == nil || p.outSeq.Len() == 0 {
		return
	}
	need := 0
	for off := 0; ; {
		ev, next, ok := p.outSeq.At(off)
		if !ok {
			break
		}
		need += frame.HeaderSize + len(ev.Payload)
		off = next
	}
	if need > p.eventsToUI.WriteSpace() {
		p.metrics.OnDropped(ChannelEventsToUI)
		return
	}
	for off := 0; ; {
		ev, next, ok := p.outSeq.At(off)
		if !ok {
			return
		}
		frame.Emit(p.eventsToUI, ev.Type, ev.Payload)
		off = next
	}
}
