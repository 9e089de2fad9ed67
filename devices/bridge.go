package devices

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/shaban/plughost/engine"
	"github.com/shaban/plughost/plugins"
)

// ErrConnected is returned by Connect while a port is already connected.
var ErrConnected = errors.New("MIDI bridge already connected")

// Bridge forwards messages from one MIDI input port into a plugin's
// external event channel, tagged with the MIDI event type. The gomidi
// listener goroutine is the channel's only producer.
type Bridge struct {
	w   *engine.EventWriter
	typ uint32
	log logr.Logger

	mu   sync.Mutex
	port drivers.In
	stop func()

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewBridge creates a bridge writing through w.
func NewBridge(w *engine.EventWriter, log logr.Logger) *Bridge {
	return &Bridge{
		w:   w,
		typ: w.Map(plugins.URIMIDIEvent),
		log: log,
	}
}

// Connect opens in if needed and starts forwarding its messages.
func (b *Bridge) Connect(in drivers.In) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port != nil {
		return ErrConnected
	}
	stop, err := midi.ListenTo(in, func(msg midi.Message, timestampms int32) {
		b.Forward(msg)
	}, midi.HandleError(func(err error) {
		b.log.Error(err, "MIDI listener error", "port", in.String())
	}))
	if err != nil {
		return err
	}
	b.port, b.stop = in, stop
	b.log.V(1).Info("MIDI input connected", "port", in.String())
	return nil
}

// ConnectByName looks up the input port name in l and connects it.
func (b *Bridge) ConnectByName(l Lister, name string) error {
	in, err := FindIn(l, name)
	if err != nil {
		return err
	}
	return b.Connect(in)
}

// Forward queues one message for the plugin and reports whether it fit.
func (b *Bridge) Forward(msg midi.Message) bool {
	b.received.Add(1)
	if len(msg) == 0 {
		return false
	}
	if !b.w.Write(b.typ, msg) {
		b.dropped.Add(1)
		return false
	}
	return true
}

// Connected returns the name of the connected port, if any.
func (b *Bridge) Connected() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return "", false
	}
	return b.port.String(), true
}

// Stats returns the number of messages received and dropped.
func (b *Bridge) Stats() (received, dropped uint64) {
	return b.received.Load(), b.dropped.Load()
}

// Close stops forwarding and closes the port.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	b.stop()
	err := b.port.Close()
	b.log.V(1).Info("MIDI input closed", "port", b.port.String())
	b.port, b.stop = nil, nil
	return err
}
