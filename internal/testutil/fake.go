package testutil

import (
	"sync"

	"github.com/shaban/plughost/engine/frame"
	"github.com/shaban/plughost/engine/worker"
	"github.com/shaban/plughost/plugins"
)

// Fake plugin identifiers and port layout.
const (
	FakeURI      = "urn:test:fake"
	FakeUIURI    = "urn:test:fake#ui"
	FakeBinary   = "fake.so"
	FakeStateKey = "urn:test:fake#blob"
	FakeWorkType = "urn:test:fake#work"

	PortIn      = 0
	PortOut     = 1
	PortGain    = 2 // first of five control inputs
	PortMeter   = 7
	PortEvIn    = 8
	PortEvOut   = 9
	PortLatency = 10

	FakeLatency = 64
)

// FakeDescriptor describes a mono plugin with five control inputs, a meter
// counting input events, one event port per direction and a latency port.
func FakeDescriptor() *plugins.Descriptor {
	ctl := func(i uint32, sym string, def float32) plugins.Port {
		return plugins.Port{Index: i, Type: plugins.ControlIn, Symbol: sym, Name: sym, Default: def, Min: 0, Max: 10}
	}
	return &plugins.Descriptor{
		URI:    FakeURI,
		Name:   "Fake",
		Vendor: "test",
		Binary: FakeBinary,
		GUI:    &plugins.GUI{URI: FakeUIURI, Binary: FakeBinary},
		Ports: []plugins.Port{
			{Index: PortIn, Type: plugins.AudioIn, Symbol: "in", Name: "In"},
			{Index: PortOut, Type: plugins.AudioOut, Symbol: "out", Name: "Out"},
			ctl(2, "gain", 1),
			ctl(3, "p1", 0),
			ctl(4, "p2", 0),
			ctl(5, "p3", 0),
			ctl(6, "p4", 0),
			{Index: PortMeter, Type: plugins.ControlOut, Symbol: "meter", Name: "Meter", Max: 1000},
			{Index: PortEvIn, Type: plugins.EventIn, Symbol: "events_in", Name: "Events In"},
			{Index: PortEvOut, Type: plugins.EventOut, Symbol: "events_out", Name: "Events Out"},
			{Index: PortLatency, Type: plugins.ControlOut, Symbol: "latency", Name: "Latency", Max: 8192, Designation: plugins.DesignationLatency},
		},
		RequiredFeatures: []string{plugins.FeatureURIDMap, plugins.FeatureWorkerSchedule},
		Extensions:       []string{plugins.ExtensionWorker, plugins.ExtensionState},
	}
}

// FakeEntry instantiates FakeInstance values and remembers the last one.
type FakeEntry struct {
	mu   sync.Mutex
	Last *FakeInstance
	Fail error
}

func (e *FakeEntry) URI() string { return FakeURI }

func (e *FakeEntry) Instantiate(rate float64, bundle string, f plugins.Features) (plugins.Instance, error) {
	if e.Fail != nil {
		return nil, e.Fail
	}
	inst := &FakeInstance{
		Rate:     rate,
		features: f,
		controls: make(map[uint32]*float32),
		workType: f.URIDs.Map(FakeWorkType),
	}
	e.mu.Lock()
	e.Last = inst
	e.mu.Unlock()
	return inst, nil
}

// Instance returns the most recent instance.
func (e *FakeEntry) Instance() *FakeInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Last
}

// FakeInstance passes audio through scaled by the gain port, echoes input
// events to its output, and schedules work for events of the work type.
type FakeInstance struct {
	Rate     float64
	features plugins.Features
	workType uint32

	controls map[uint32]*float32
	in, out  []float32
	evIn     *frame.Sequence
	evOut    *frame.Sequence

	// render goroutine
	Runs        int
	Frames      []int
	Received    []string
	Committed   []string
	EndRuns     int
	ScheduleErr error

	mu         sync.Mutex
	calls      []string
	worked     []string
	Opaque     []byte
	RestoreErr error
}

func (f *FakeInstance) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

// Calls returns the lifecycle calls seen so far.
func (f *FakeInstance) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Worked returns the payloads seen by Work.
func (f *FakeInstance) Worked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.worked...)
}

// Features returns the host features passed at instantiation.
func (f *FakeInstance) Features() plugins.Features { return f.features }

func (f *FakeInstance) ConnectControl(port uint32, v *float32) { f.controls[port] = v }

func (f *FakeInstance) ConnectAudio(port uint32, buf []float32) {
	if port == PortIn {
		f.in = buf
	} else {
		f.out = buf
	}
}

func (f *FakeInstance) ConnectEvents(port uint32, seq *frame.Sequence) {
	if port == PortEvIn {
		f.evIn = seq
	} else {
		f.evOut = seq
	}
}

// InputSequence returns the connected input event buffer.
func (f *FakeInstance) InputSequence() *frame.Sequence { return f.evIn }

func (f *FakeInstance) Activate()   { f.record("activate") }
func (f *FakeInstance) Deactivate() { f.record("deactivate") }
func (f *FakeInstance) Cleanup()    { f.record("cleanup") }

func (f *FakeInstance) Run(nframes int) {
	f.Runs++
	f.Frames = append(f.Frames, nframes)
	gain := *f.controls[PortGain]
	for i := 0; i < nframes; i++ {
		f.out[i] = f.in[i] * gain
	}
	n := 0
	for ev := range f.evIn.Events() {
		n++
		f.Received = append(f.Received, string(ev.Payload))
		if ev.Type == f.workType {
			f.ScheduleErr = f.features.Scheduler.ScheduleWork(ev.Payload)
		}
		f.evOut.Append(ev.Frames, ev.Type, ev.Payload)
	}
	*f.controls[PortMeter] = float32(n)
	*f.controls[PortLatency] = FakeLatency
}

// Work answers each request with "done:" and the payload.
func (f *FakeInstance) Work(respond worker.Responder, payload []byte) error {
	f.mu.Lock()
	f.worked = append(f.worked, string(payload))
	f.mu.Unlock()
	return respond.Respond(append([]byte("done:"), payload...))
}

func (f *FakeInstance) WorkResponse(payload []byte) error {
	f.Committed = append(f.Committed, string(payload))
	return nil
}

func (f *FakeInstance) EndRun() { f.EndRuns++ }

func (f *FakeInstance) SaveState(store plugins.StoreFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Opaque == nil {
		return nil
	}
	return store(FakeStateKey, plugins.URIChunk, plugins.StatePOD|plugins.StatePortable, f.Opaque)
}

func (f *FakeInstance) RestoreState(retrieve plugins.RetrieveFunc) error {
	if f.RestoreErr != nil {
		return f.RestoreErr
	}
	v, _, _, ok := retrieve(FakeStateKey)
	if !ok {
		return nil
	}
	f.mu.Lock()
	f.Opaque = append([]byte(nil), v...)
	f.mu.Unlock()
	return nil
}

// FakeUIEntry instantiates FakeUI values.
type FakeUIEntry struct {
	mu         sync.Mutex
	Last       *FakeUI
	Fail       error
	CloseAfter int // copied into each new UI
}

func (e *FakeUIEntry) URI() string { return FakeUIURI }

func (e *FakeUIEntry) Instantiate(pluginURI, bundle string, ctrl plugins.Controller, parent uintptr, f plugins.UIFeatures) (plugins.UI, error) {
	if e.Fail != nil {
		return nil, e.Fail
	}
	ui := &FakeUI{Controller: ctrl, Parent: parent, Features: f, CloseAfter: e.CloseAfter, Values: make(map[uint32]float32)}
	e.mu.Lock()
	e.Last = ui
	e.mu.Unlock()
	return ui, nil
}

// UI returns the most recent UI.
func (e *FakeUIEntry) UI() *FakeUI {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Last
}

// UIEvent is an event delivered to a FakeUI.
type UIEvent struct {
	Port    uint32
	Type    uint32
	Payload string
}

// FakeUI records what the host delivers to it.
type FakeUI struct {
	Controller plugins.Controller
	Parent     uintptr
	Features   plugins.UIFeatures
	CloseAfter int

	mu      sync.Mutex
	Values  map[uint32]float32
	Updates []uint32
	Events  []UIEvent
	Idles   int
	Cleaned bool
}

func (u *FakeUI) ControlChanged(port uint32, v float32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Values[port] = v
	u.Updates = append(u.Updates, port)
}

func (u *FakeUI) EventReceived(port, typ uint32, payload []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Events = append(u.Events, UIEvent{Port: port, Type: typ, Payload: string(payload)})
}

func (u *FakeUI) Idle() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Idles++
	if u.CloseAfter > 0 && u.Idles >= u.CloseAfter {
		return 1
	}
	return 0
}

func (u *FakeUI) Cleanup() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Cleaned = true
}

// Snapshot returns copies of the recorded values and update order, and
// clears the update list.
func (u *FakeUI) Snapshot() (map[uint32]float32, []uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	vals := make(map[uint32]float32, len(u.Values))
	for k, v := range u.Values {
		vals[k] = v
	}
	ups := u.Updates
	u.Updates = nil
	return vals, ups
}

// IdleCount returns how often Idle ran.
func (u *FakeUI) IdleCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Idles
}

// ReceivedEvents returns the delivered events.
func (u *FakeUI) ReceivedEvents() []UIEvent {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]UIEvent(nil), u.Events...)
}

// IsCleaned reports whether Cleanup ran.
func (u *FakeUI) IsCleaned() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Cleaned
}

// FakeLibrary bundles a FakeEntry and FakeUIEntry as a library.
type FakeLibrary struct {
	Entry   *FakeEntry
	UIEntry *FakeUIEntry
	Closed  bool
}

// NewFakeLibrary creates a library exposing one plugin and one UI.
func NewFakeLibrary() *FakeLibrary {
	return &FakeLibrary{Entry: &FakeEntry{}, UIEntry: &FakeUIEntry{}}
}

func (l *FakeLibrary) Lookup(symbol string) (any, error) {
	return plugins.Symbols{
		plugins.SymbolPluginDescriptor: plugins.DescriptorFunc(func(i uint32) plugins.Entry {
			if i == 0 {
				return l.Entry
			}
			return nil
		}),
		plugins.SymbolUIDescriptor: plugins.UIDescriptorFunc(func(i uint32) plugins.UIEntry {
			if i == 0 {
				return l.UIEntry
			}
			return nil
		}),
	}.Lookup(symbol)
}

func (l *FakeLibrary) Close() error {
	l.Closed = true
	return nil
}
