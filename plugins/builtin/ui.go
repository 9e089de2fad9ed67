package builtin

import (
	"encoding/binary"
	"math"
	"sync"

	"gitlab.com/gomidi/midi/v2"

	"github.com/shaban/plughost/plugins"
)

// Editor size requested by the amp UI.
const (
	UIWidth  = 320
	UIHeight = 120
)

type ampUIEntry struct{ b *Bundle }

func (ampUIEntry) URI() string { return AmpUIURI }

func (e ampUIEntry) Instantiate(pluginURI, bundle string, ctrl plugins.Controller, parent uintptr, f plugins.UIFeatures) (plugins.UI, error) {
	if pluginURI != AmpURI {
		return nil, plugins.ErrEntryNotFound
	}
	u := &AmpUI{ctrl: ctrl, values: make(map[uint32]float32)}
	if f.URIDs != nil {
		u.midiType = f.URIDs.Map(plugins.URIMIDIEvent)
	}
	if f.Resize != nil {
		if err := f.Resize.Resize(UIWidth, UIHeight); err != nil {
			return nil, err
		}
	}
	e.b.setUI(u)
	return u, nil
}

// AmpUI is a headless control surface for the amp. It mirrors the plugin's
// control values and logs the notes it echoes.
type AmpUI struct {
	ctrl     plugins.Controller
	midiType uint32

	mu      sync.Mutex
	values  map[uint32]float32
	notes   []string
	idles   int
	closing bool
}

func (u *AmpUI) ControlChanged(port uint32, v float32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.values[port] = v
}

func (u *AmpUI) EventReceived(port, typ uint32, payload []byte) {
	if typ != u.midiType {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.notes = append(u.notes, midi.Message(payload).String())
}

// Idle returns 1 once Quit has been called.
func (u *AmpUI) Idle() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.idles++
	if u.closing {
		return 1
	}
	return 0
}

func (u *AmpUI) Cleanup() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.values = map[uint32]float32{}
}

// Value returns the last value the UI received for port.
func (u *AmpUI) Value(port uint32) (float32, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, ok := u.values[port]
	return v, ok
}

// Notes returns the echoed notes received so far.
func (u *AmpUI) Notes() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.notes...)
}

// SetGain writes the gain control as a user would. It must be called on the
// control-surface goroutine.
func (u *AmpUI) SetGain(db float32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(db))
	u.ctrl.Write(PortGain, 0, b[:])
}

// Quit asks the host to close the UI on its next idle cycle.
func (u *AmpUI) Quit() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closing = true
}

// Bundle serves the builtin entry points and keeps the amp UI its entry
// opened last.
type Bundle struct {
	mu sync.Mutex
	ui *AmpUI
}

// NewBundle returns an empty bundle.
func NewBundle() *Bundle { return &Bundle{} }

func (b *Bundle) setUI(u *AmpUI) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ui = u
}

// UI returns the amp UI most recently opened through b, or nil.
func (b *Bundle) UI() *AmpUI {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ui
}

// Symbols returns the bundle's entry points as a library symbol table.
func (b *Bundle) Symbols() plugins.Symbols {
	return plugins.Symbols{
		plugins.SymbolPluginDescriptor: plugins.DescriptorFunc(func(i uint32) plugins.Entry {
			if i == 0 {
				return ampEntry{}
			}
			return nil
		}),
		plugins.SymbolUIDescriptor: plugins.UIDescriptorFunc(func(i uint32) plugins.UIEntry {
			if i == 0 {
				return ampUIEntry{b: b}
			}
			return nil
		}),
	}
}

// Register makes the builtin plugins available from r under Binary and
// returns the bundle serving them.
func Register(r *plugins.Registry) *Bundle {
	b := NewBundle()
	r.Register(Binary, b.Symbols())
	return b
}
