// Package builtin provides plugins linked into the host binary and served
// through a plugins.Registry.
package builtin

import (
	"encoding/binary"
	"errors"
	"math"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2"

	"github.com/shaban/plughost/engine/analyze"
	"github.com/shaban/plughost/engine/frame"
	"github.com/shaban/plughost/engine/worker"
	"github.com/shaban/plughost/plugins"
)

// Identifiers of the amp plugin.
const (
	AmpURI    = "urn:plughost:builtin:amp"
	AmpUIURI  = AmpURI + "#ui"
	Binary    = "builtin:amp"
	VolumeKey = AmpURI + "#volume"
)

// Amp port indices.
const (
	PortInL uint32 = iota
	PortInR
	PortOutL
	PortOutR
	PortGain
	PortEnable
	PortPeak
	PortLatency
	PortMIDIIn
	PortMIDIOut
	numPorts
)

const (
	minGainDB = -60
	maxGainDB = 12
	volumeCC  = 7
)

var errBadWork = errors.New("malformed gain request")

// AmpDescriptor describes a stereo amplifier with a gain in decibels, a
// peak meter, and a MIDI input whose CC7 scales the volume. Note on and off
// messages are echoed to the MIDI output.
func AmpDescriptor() *plugins.Descriptor {
	return &plugins.Descriptor{
		URI:    AmpURI,
		Name:   "Amp",
		Vendor: "plughost",
		Binary: Binary,
		GUI:    &plugins.GUI{URI: AmpUIURI, Binary: Binary},
		Ports: []plugins.Port{
			{Index: PortInL, Type: plugins.AudioIn, Symbol: "in_l", Name: "In L"},
			{Index: PortInR, Type: plugins.AudioIn, Symbol: "in_r", Name: "In R"},
			{Index: PortOutL, Type: plugins.AudioOut, Symbol: "out_l", Name: "Out L"},
			{Index: PortOutR, Type: plugins.AudioOut, Symbol: "out_r", Name: "Out R"},
			{Index: PortGain, Type: plugins.ControlIn, Symbol: "gain", Name: "Gain", Default: 0, Min: minGainDB, Max: maxGainDB},
			{Index: PortEnable, Type: plugins.ControlIn, Symbol: "enable", Name: "Enable", Default: 1, Min: 0, Max: 1, Toggled: true, Designation: plugins.DesignationEnable},
			{Index: PortPeak, Type: plugins.ControlOut, Symbol: "peak", Name: "Peak", Min: 0, Max: 4},
			{Index: PortLatency, Type: plugins.ControlOut, Symbol: "latency", Name: "Latency", Min: 0, Max: 0, Designation: plugins.DesignationLatency},
			{Index: PortMIDIIn, Type: plugins.MIDIIn, Symbol: "midi_in", Name: "MIDI In"},
			{Index: PortMIDIOut, Type: plugins.MIDIOut, Symbol: "midi_out", Name: "MIDI Out"},
		},
		RequiredFeatures: []string{plugins.FeatureURIDMap, plugins.FeatureWorkerSchedule},
		Extensions:       []string{plugins.ExtensionWorker, plugins.ExtensionState},
	}
}

type ampEntry struct{}

func (ampEntry) URI() string { return AmpURI }

func (ampEntry) Instantiate(rate float64, bundle string, f plugins.Features) (plugins.Instance, error) {
	if f.URIDs == nil || f.Scheduler == nil {
		return nil, plugins.ErrUnsupportedFeature
	}
	a := &Amp{
		scheduler: f.Scheduler,
		midiType:  f.URIDs.Map(plugins.URIMIDIEvent),
		linear:    1,
		ports:     make([]*float32, numPorts),
	}
	a.volume.Store(math.Float32bits(1))
	return a, nil
}

// Amp is an instance of the amp plugin.
type Amp struct {
	scheduler plugins.WorkScheduler
	midiType  uint32

	ports   []*float32
	in, out [2][]float32
	midiIn  *frame.Sequence
	midiOut *frame.Sequence

	// render goroutine
	linear  float32
	lastDB  float32
	pending bool
	request [4]byte

	volume atomic.Uint32 // float32 bits, scaled by CC7
}

func (a *Amp) ConnectControl(port uint32, v *float32) {
	if port < numPorts {
		a.ports[port] = v
	}
}

func (a *Amp) ConnectAudio(port uint32, buf []float32) {
	switch port {
	case PortInL, PortInR:
		a.in[port-PortInL] = buf
	case PortOutL, PortOutR:
		a.out[port-PortOutL] = buf
	}
}

func (a *Amp) ConnectEvents(port uint32, seq *frame.Sequence) {
	switch port {
	case PortMIDIIn:
		a.midiIn = seq
	case PortMIDIOut:
		a.midiOut = seq
	}
}

func (a *Amp) Activate()   {}
func (a *Amp) Deactivate() {}
func (a *Amp) Cleanup()    {}

func (a *Amp) control(port uint32) float32 {
	if p := a.ports[port]; p != nil {
		return *p
	}
	return 0
}

func (a *Amp) setControl(port uint32, v float32) {
	if p := a.ports[port]; p != nil {
		*p = v
	}
}

// Run applies the gain. A changed gain is converted on the worker; the old
// linear gain is used until the response is committed.
func (a *Amp) Run(nframes int) {
	if db := clampDB(a.control(PortGain)); db != a.lastDB && !a.pending {
		binary.LittleEndian.PutUint32(a.request[:], math.Float32bits(db))
		if a.scheduler.ScheduleWork(a.request[:]) == nil {
			a.lastDB = db
			a.pending = true
		}
	}
	a.handleMIDI()

	g := a.linear * a.Volume()
	if a.control(PortEnable) < 0.5 {
		g = 0
	}

	var peak float32
	for ch := range a.out {
		out, in := a.out[ch], a.in[ch]
		if len(out) < nframes || len(in) < nframes {
			continue
		}
		for i := 0; i < nframes; i++ {
			out[i] = in[i] * g
		}
		peak = max(peak, analyze.Peak(out[:nframes]))
	}
	a.setControl(PortPeak, peak)
	a.setControl(PortLatency, 0)
}

func (a *Amp) handleMIDI() {
	if a.midiIn == nil {
		return
	}
	for ev := range a.midiIn.Events() {
		if ev.Type != a.midiType {
			continue
		}
		msg := midi.Message(ev.Payload)
		var ch, key, vel, ctrl, val uint8
		switch {
		case msg.GetControlChange(&ch, &ctrl, &val):
			if ctrl == volumeCC {
				a.volume.Store(math.Float32bits(float32(val) / 127))
			}
		case msg.GetNoteStart(&ch, &key, &vel), msg.GetNoteEnd(&ch, &key):
			if a.midiOut != nil {
				a.midiOut.Append(ev.Frames, ev.Type, ev.Payload)
			}
		}
	}
}

// Work converts a gain in decibels to a linear factor, answering in place.
func (a *Amp) Work(respond worker.Responder, payload []byte) error {
	if len(payload) != 4 {
		return errBadWork
	}
	db := math.Float32frombits(binary.LittleEndian.Uint32(payload))
	binary.LittleEndian.PutUint32(payload, math.Float32bits(float32(analyze.DBToGain(float64(db)))))
	return respond.Respond(payload)
}

// WorkResponse installs the linear gain computed by Work. It runs on the
// render goroutine.
func (a *Amp) WorkResponse(payload []byte) error {
	if len(payload) != 4 {
		return errBadWork
	}
	a.linear = math.Float32frombits(binary.LittleEndian.Uint32(payload))
	a.pending = false
	return nil
}

// Volume returns the MIDI volume factor.
func (a *Amp) Volume() float32 {
	return math.Float32frombits(a.volume.Load())
}

func (a *Amp) SaveState(store plugins.StoreFunc) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(a.Volume()))
	return store(VolumeKey, plugins.URIFloat, plugins.StatePOD|plugins.StatePortable, b[:])
}

func (a *Amp) RestoreState(retrieve plugins.RetrieveFunc) error {
	v, typ, _, ok := retrieve(VolumeKey)
	if !ok {
		return nil
	}
	if typ != plugins.URIFloat || len(v) != 4 {
		return errors.New("amp: malformed volume state")
	}
	a.volume.Store(binary.LittleEndian.Uint32(v))
	return nil
}

func clampDB(db float32) float32 {
	return min(max(db, minGainDB), maxGainDB)
}
