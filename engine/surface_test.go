package engine

import (
	"errors"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/plughost/internal/testutil"
	"github.com/shaban/plughost/plugins"
)

var allControls = []uint32{2, 3, 4, 5, 6, testutil.PortMeter, testutil.PortLatency}

func TestAttachRepublishesEveryControlOnce(t *testing.T) {
	p, lib := newTestPlugin(t, Config{})
	s := p.Surface()
	require.True(t, s.HasEditor())

	runCycle(t, p, 8) // detached
	require.True(t, s.Open(42))
	ui := lib.UIEntry.UI()
	assert.Equal(t, uintptr(42), ui.Parent)

	runCycle(t, p, 8)
	s.Idle()
	vals, updates := ui.Snapshot()
	assert.ElementsMatch(t, allControls, updates)
	assert.Equal(t, float32(1), vals[testutil.PortGain])
	assert.Equal(t, float32(testutil.FakeLatency), vals[testutil.PortLatency])

	// nothing changed: nothing is sent
	runCycle(t, p, 8)
	s.Idle()
	_, updates = ui.Snapshot()
	assert.Empty(t, updates)

	// only the changed input goes out
	p.SetParameter(3, 0.5)
	runCycle(t, p, 8)
	s.Idle()
	vals, updates = ui.Snapshot()
	assert.Equal(t, []uint32{3}, updates)
	assert.Equal(t, float32(0.5), vals[3])

	// detach, change, reattach: full resync again
	s.Close()
	assert.True(t, ui.IsCleaned())
	p.SetParameter(4, 0.25)
	runCycle(t, p, 8)
	require.True(t, s.Open(0))
	ui = lib.UIEntry.UI()
	runCycle(t, p, 8)
	s.Idle()
	vals, updates = ui.Snapshot()
	assert.ElementsMatch(t, allControls, updates)
	assert.Equal(t, float32(0.25), vals[4])
}

func TestControlOutputPublishedOnChange(t *testing.T) {
	p, lib := newTestPlugin(t, Config{})
	s := p.Surface()
	require.True(t, s.Open(0))
	ui := lib.UIEntry.UI()
	runCycle(t, p, 8)
	s.Idle()
	ui.Snapshot()

	midi := p.URIDs().Map(plugins.URIMIDIEvent)
	s.Write(testutil.PortEvIn, midi, []byte{1})
	s.Write(testutil.PortEvIn, midi, []byte{2})
	runCycle(t, p, 8)
	s.Idle()
	vals, updates := ui.Snapshot()
	assert.Equal(t, []uint32{testutil.PortMeter}, updates)
	assert.Equal(t, float32(2), vals[testutil.PortMeter])

	// meter falls back to zero on the next empty cycle
	runCycle(t, p, 8)
	s.Idle()
	vals, updates = ui.Snapshot()
	assert.Equal(t, []uint32{testutil.PortMeter}, updates)
	assert.Zero(t, vals[testutil.PortMeter])
}

func TestWriteBackValidation(t *testing.T) {
	p, lib := newTestPlugin(t, Config{})
	s := p.Surface()
	require.True(t, s.Open(0))

	s.WriteControl(testutil.PortGain, 3)
	s.Write(testutil.PortGain, 0, []byte{1, 2})        // wrong size
	s.WriteControl(testutil.PortMeter, 9)              // control output
	s.WriteControl(77, 1)                              // unknown port
	s.Write(testutil.PortGain, 5, []byte("not event")) // event to a control port

	out := runCycle(t, p, 4)
	assert.Equal(t, []float32{0, 3, 6, 9}, out)
	v, _ := p.PortValue(testutil.PortMeter)
	assert.Zero(t, v)
	assert.Empty(t, lib.Entry.Instance().Received)
}

func TestOutputEventsReachUI(t *testing.T) {
	p, lib := newTestPlugin(t, Config{})
	s := p.Surface()
	require.True(t, s.Open(0))
	midi := p.URIDs().Map(plugins.URIMIDIEvent)

	s.Write(testutil.PortEvIn, midi, []byte("note-on"))
	s.Write(testutil.PortEvIn, midi, []byte("note-off"))
	runCycle(t, p, 8)
	s.Idle()

	assert.Equal(t, []testutil.UIEvent{
		{Port: testutil.PortEvOut, Type: midi, Payload: "note-on"},
		{Port: testutil.PortEvOut, Type: midi, Payload: "note-off"},
	}, lib.UIEntry.UI().ReceivedEvents())
}

func TestOutputEventsDroppedWhileDetached(t *testing.T) {
	p, _ := newTestPlugin(t, Config{})
	w := p.ExternalEvents()
	w.Write(w.Map(plugins.URIMIDIEvent), []byte("lost"))
	runCycle(t, p, 8)
	assert.Zero(t, p.eventsToUI.ReadSpace())
}

func TestIdleHookCanCloseUI(t *testing.T) {
	p, lib := newTestPlugin(t, Config{})
	s := p.Surface()
	require.True(t, s.Open(0))
	ui := lib.UIEntry.UI()
	assert.Equal(t, 2, ui.IdleCount(), "open idles twice")

	ui.CloseAfter = 3
	s.Idle()
	assert.False(t, s.IsOpen())
	assert.True(t, ui.IsCleaned())
	s.Idle() // no-op once closed
	assert.Equal(t, 3, ui.IdleCount())
}

func TestResizeRequest(t *testing.T) {
	p, lib := newTestPlugin(t, Config{})
	s := p.Surface()
	w, h := s.Size()
	assert.Equal(t, DefaultSurfaceSize, w)
	assert.Equal(t, DefaultSurfaceSize, h)
	_, _, ok := s.NeedResize()
	assert.False(t, ok)

	require.True(t, s.Open(0))
	ui := lib.UIEntry.UI()
	require.NoError(t, ui.Features.Resize.Resize(640, 480))
	w, h, ok = s.NeedResize()
	require.True(t, ok)
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)
	_, _, ok = s.NeedResize()
	assert.False(t, ok, "reported once")
	assert.Error(t, ui.Features.Resize.Resize(0, 10))
}

func TestOpenFailures(t *testing.T) {
	t.Run("instantiate error", func(t *testing.T) {
		p, lib := newTestPlugin(t, Config{})
		lib.UIEntry.Fail = errors.New("no display")
		assert.False(t, p.Surface().Open(0))
		assert.False(t, p.Surface().IsOpen())
	})
	t.Run("no gui", func(t *testing.T) {
		desc := testutil.FakeDescriptor()
		desc.GUI = nil
		p, err := New(desc, testutil.NewFakeLibrary(), Config{Logger: testr.New(t)})
		require.NoError(t, err)
		defer p.Close()
		assert.False(t, p.Surface().HasEditor())
		assert.False(t, p.Surface().Open(0))
	})
}
