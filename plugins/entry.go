package plugins

import "github.com/shaban/plughost/engine/frame"

// Entry is a plugin's descriptor-level entry point.
type Entry interface {
	URI() string
	Instantiate(sampleRate float64, bundle string, features Features) (Instance, error)
}

// Instance is one instantiated plugin. Connect* and Run are called from the
// render goroutine only.
type Instance interface {
	ConnectControl(port uint32, value *float32)
	ConnectAudio(port uint32, buf []float32)
	ConnectEvents(port uint32, seq *frame.Sequence)
	Activate()
	Run(nframes int)
	Deactivate()
	Cleanup()
}

// State property flags.
const (
	StatePOD      uint32 = 1 << 0
	StatePortable uint32 = 1 << 1
)

// StoreFunc records one opaque state property.
type StoreFunc func(key, typ string, flags uint32, value []byte) error

// RetrieveFunc looks up a state property saved earlier.
type RetrieveFunc func(key string) (value []byte, typ string, flags uint32, ok bool)

// StateHandler is implemented by instances with opaque state beyond their
// control port values.
type StateHandler interface {
	SaveState(store StoreFunc) error
	RestoreState(retrieve RetrieveFunc) error
}

// UIEntry is a control surface's entry point.
type UIEntry interface {
	URI() string
	Instantiate(pluginURI, bundle string, ctrl Controller, parent uintptr, features UIFeatures) (UI, error)
}

// UI is an instantiated control surface. Its methods run on the
// control-surface goroutine.
type UI interface {
	ControlChanged(port uint32, value float32)
	EventReceived(port uint32, typ uint32, payload []byte)
	Cleanup()
}

// Idler is optionally implemented by a UI that needs periodic work. A non-zero
// return asks the host to close the UI.
type Idler interface {
	Idle() int
}

// Controller is the write-back path from a UI to the plugin. Protocol 0
// carries a 4-byte little-endian float for a control input; any other
// protocol is an event type tag for the event input.
type Controller interface {
	Write(port uint32, protocol uint32, data []byte)
}

// Resizer lets a UI ask its window to change size.
type Resizer interface {
	Resize(width, height int) error
}

// UIFeatures is the set of host capabilities passed to UIEntry.Instantiate.
type UIFeatures struct {
	URIDs  URIDMapper
	Resize Resizer
}
