package plughost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/plughost/engine"
	"github.com/shaban/plughost/internal/testutil"
	"github.com/shaban/plughost/plugins"
)

type fakeWindow struct {
	mu     sync.Mutex
	title  string
	sizes  [][2]int
	closed bool
}

func (w *fakeWindow) Handle() uintptr { return 0xbeef }

func (w *fakeWindow) SetSize(width, height int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sizes = append(w.sizes, [2]int{width, height})
}

func (w *fakeWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWindow) state() ([][2]int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][2]int(nil), w.sizes...), w.closed
}

type windowRecorder struct {
	mu      sync.Mutex
	windows []*fakeWindow
}

func (r *windowRecorder) NewWindow(title string, width, height int) (Window, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := &fakeWindow{title: title, sizes: [][2]int{{width, height}}}
	r.windows = append(r.windows, w)
	return w, nil
}

func (r *windowRecorder) last() *fakeWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.windows) == 0 {
		return nil
	}
	return r.windows[len(r.windows)-1]
}

type collectingHandler struct {
	mu   sync.Mutex
	errs []error
}

func (h *collectingHandler) HandleError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *collectingHandler) all() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func testConfig(t *testing.T, lib *testutil.FakeLibrary) Config {
	log := testr.New(t)
	return Config{
		Channels:     1,
		IdleInterval: 5 * time.Millisecond,
		Logger:       log,
		ErrorHandler: &DefaultErrorHandler{Log: log},
		Opener: plugins.OpenerFunc(func(path string) (plugins.Library, error) {
			if path != testutil.FakeBinary {
				return nil, plugins.ErrLibraryNotFound
			}
			return lib, nil
		}),
	}
}

func mono(n int, v float32) [][]float32 {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = v
	}
	return [][]float32{buf}
}

func TestOpenCloseLifecycle(t *testing.T) {
	lib := testutil.NewFakeLibrary()
	h, err := Open(testutil.FakeDescriptor(), testConfig(t, lib))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, h.ID())
	assert.Equal(t, testutil.FakeURI, h.Descriptor().URI)
	assert.True(t, h.Plugin().Active())

	out := mono(32, 0)
	require.NoError(t, h.Process(mono(32, 0.5), out, 32))
	assert.Equal(t, float32(0.5), out[0][31])
	assert.Equal(t, float32(testutil.FakeLatency), h.Latency())

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.True(t, lib.Closed)
	if diff := cmp.Diff([]string{"activate", "deactivate", "cleanup"}, lib.Entry.Instance().Calls()); diff != "" {
		t.Errorf("instance calls (-want +got):\n%s", diff)
	}
	assert.ErrorIs(t, h.Process(mono(32, 0), mono(32, 0), 32), ErrHostClosed)
	assert.ErrorIs(t, h.OpenEditor(context.Background()), ErrHostClosed)
}

func TestOpenErrors(t *testing.T) {
	t.Run("channel mismatch", func(t *testing.T) {
		lib := testutil.NewFakeLibrary()
		cfg := testConfig(t, lib)
		cfg.Channels = 2
		_, err := Open(testutil.FakeDescriptor(), cfg)
		assert.ErrorIs(t, err, ErrChannelMismatch)
	})
	t.Run("instantiate failure releases library", func(t *testing.T) {
		lib := testutil.NewFakeLibrary()
		lib.Entry.Fail = errors.New("boom")
		_, err := Open(testutil.FakeDescriptor(), testConfig(t, lib))
		assert.ErrorIs(t, err, engine.ErrInstantiate)
		assert.True(t, lib.Closed)
	})
	t.Run("missing library", func(t *testing.T) {
		desc := testutil.FakeDescriptor()
		desc.Binary = "missing.so"
		_, err := Open(desc, testConfig(t, testutil.NewFakeLibrary()))
		assert.ErrorIs(t, err, plugins.ErrLibraryNotFound)
	})
	t.Run("GUI required", func(t *testing.T) {
		lib := testutil.NewFakeLibrary()
		cfg := testConfig(t, lib)
		cfg.RequireGUI = true
		desc := testutil.FakeDescriptor()
		desc.GUI = nil
		_, err := Open(desc, cfg)
		assert.ErrorIs(t, err, ErrNoEditor)
		assert.False(t, lib.Closed, "library must not be opened")
	})
	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t, testutil.NewFakeLibrary())
		cfg.SampleRate = 100
		_, err := Open(testutil.FakeDescriptor(), cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestProcessChunksLargeBlocks(t *testing.T) {
	lib := testutil.NewFakeLibrary()
	cfg := testConfig(t, lib)
	cfg.MaxBlock = 64
	h, err := Open(testutil.FakeDescriptor(), cfg)
	require.NoError(t, err)
	defer h.Close()

	out := mono(150, 0)
	require.NoError(t, h.Process(mono(150, 1), out, 150))
	assert.Equal(t, []int{64, 64, 22}, lib.Entry.Instance().Frames)
	assert.Equal(t, float32(1), out[0][149])

	assert.ErrorIs(t, h.Process(mono(10, 0), [][]float32{}, 10), ErrChannelMismatch)
	assert.ErrorIs(t, h.Process(mono(10, 0), mono(5, 0), 10), engine.ErrBufferMismatch)
}

func TestProcessInterleaved(t *testing.T) {
	lib := testutil.NewFakeLibrary()
	cfg := testConfig(t, lib)
	cfg.MaxBlock = 4
	h, err := Open(testutil.FakeDescriptor(), cfg)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.WriteControl(context.Background(), testutil.PortGain, 2))
	in := testutil.Ramp(10, 0, 0.1)
	out := make([]float32, 10)
	require.NoError(t, h.ProcessInterleaved(in, out))
	for i := range in {
		assert.InDelta(t, in[i]*2, out[i], 1e-6, "sample %d", i)
	}
	assert.Equal(t, []int{4, 4, 2}, lib.Entry.Instance().Frames)
	assert.ErrorIs(t, h.ProcessInterleaved(in, out[:5]), ErrChannelMismatch)
}

func TestStateStoreAcrossReopen(t *testing.T) {
	store := NewStateStore()

	lib := testutil.NewFakeLibrary()
	cfg := testConfig(t, lib)
	cfg.StateStore = store
	h, err := Open(testutil.FakeDescriptor(), cfg)
	require.NoError(t, err)
	require.NoError(t, h.WriteControl(context.Background(), testutil.PortGain, 3))
	require.NoError(t, h.Process(mono(8, 0), mono(8, 0), 8))
	lib.Entry.Instance().Opaque = []byte("opaque")
	require.NoError(t, h.Close())

	assert.Equal(t, []string{testutil.FakeURI}, store.URIs())

	lib2 := testutil.NewFakeLibrary()
	cfg2 := testConfig(t, lib2)
	cfg2.StateStore = store
	h2, err := Open(testutil.FakeDescriptor(), cfg2)
	require.NoError(t, err)
	defer h2.Close()

	v, err := h2.Plugin().PortValue(testutil.PortGain)
	require.NoError(t, err)
	assert.Equal(t, float32(3), v)
	assert.Equal(t, []byte("opaque"), lib2.Entry.Instance().Opaque)
}

func TestBadStoredStateIsReported(t *testing.T) {
	store := NewStateStore()
	store.Save(testutil.FakeURI, []byte("garbage"))
	handler := &collectingHandler{}

	cfg := testConfig(t, testutil.NewFakeLibrary())
	cfg.StateStore = store
	cfg.ErrorHandler = handler
	h, err := Open(testutil.FakeDescriptor(), cfg)
	require.NoError(t, err)
	defer h.Close()

	errs := handler.all()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], engine.ErrBadState)
}

func TestEditorLifecycle(t *testing.T) {
	lib := testutil.NewFakeLibrary()
	windows := &windowRecorder{}
	cfg := testConfig(t, lib)
	cfg.Windows = windows
	h, err := Open(testutil.FakeDescriptor(), cfg)
	require.NoError(t, err)
	defer h.Close()

	ctx := context.Background()
	require.NoError(t, h.OpenEditor(ctx))
	require.NoError(t, h.OpenEditor(ctx))
	assert.True(t, h.EditorOpen())

	win := windows.last()
	require.NotNil(t, win)
	assert.Equal(t, "Fake", win.title)
	ui := lib.UIEntry.UI()
	assert.Equal(t, uintptr(0xbeef), ui.Parent)

	require.Eventually(t, func() bool { return ui.IdleCount() > 4 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ui.Features.Resize.Resize(300, 200))
	require.Eventually(t, func() bool {
		sizes, _ := win.state()
		return cmp.Equal(sizes, [][2]int{{100, 100}, {300, 200}})
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.CloseEditor(ctx))
	assert.False(t, h.EditorOpen())
	assert.True(t, ui.IsCleaned())
	_, closed := win.state()
	assert.True(t, closed)
}

func TestEditorClosedByHostClose(t *testing.T) {
	lib := testutil.NewFakeLibrary()
	cfg := testConfig(t, lib)
	cfg.ShowGUI = true
	h, err := Open(testutil.FakeDescriptor(), cfg)
	require.NoError(t, err)
	require.True(t, h.EditorOpen())

	ui := lib.UIEntry.UI()
	require.NoError(t, h.Close())
	assert.True(t, ui.IsCleaned())
	assert.False(t, h.EditorOpen())
}

func TestEditorAsksToClose(t *testing.T) {
	lib := testutil.NewFakeLibrary()
	lib.UIEntry.CloseAfter = 4
	windows := &windowRecorder{}
	cfg := testConfig(t, lib)
	cfg.Windows = windows
	h, err := Open(testutil.FakeDescriptor(), cfg)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.OpenEditor(context.Background()))
	win := windows.last()
	require.NotNil(t, win)

	require.Eventually(t, func() bool { return !h.EditorOpen() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, closed := win.state()
		return closed
	}, time.Second, 5*time.Millisecond)
	assert.True(t, lib.UIEntry.UI().IsCleaned())
}

func TestShowGUIFailureIsNotFatal(t *testing.T) {
	lib := testutil.NewFakeLibrary()
	lib.UIEntry.Fail = errors.New("no display")
	handler := &collectingHandler{}
	cfg := testConfig(t, lib)
	cfg.ShowGUI = true
	cfg.ErrorHandler = handler

	h, err := Open(testutil.FakeDescriptor(), cfg)
	require.NoError(t, err)
	defer h.Close()

	assert.False(t, h.EditorOpen())
	errs := handler.all()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrNoEditor)
}

func TestWriteEventReachesPlugin(t *testing.T) {
	lib := testutil.NewFakeLibrary()
	h, err := Open(testutil.FakeDescriptor(), testConfig(t, lib))
	require.NoError(t, err)
	defer h.Close()

	typ := h.Plugin().URIDs().Map(plugins.URIMIDIEvent)
	require.NoError(t, h.WriteEvent(context.Background(), testutil.PortEvIn, typ, []byte{0x90, 60, 100}))
	require.NoError(t, h.Process(mono(8, 0), mono(8, 0), 8))
	assert.Equal(t, []string{string([]byte{0x90, 60, 100})}, lib.Entry.Instance().Received)
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testConfig(t, testutil.NewFakeLibrary())
	cfg.Registerer = reg
	h, err := Open(testutil.FakeDescriptor(), cfg)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Process(mono(16, 0), mono(16, 0), 16))

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "plughost_render_cycles_total" {
			found = true
			for _, m := range mf.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "plugin" && l.GetValue() == testutil.FakeURI {
						assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)
					}
				}
			}
		}
	}
	assert.True(t, found)
}

func TestEachRegistryGetsMetrics(t *testing.T) {
	for i := 0; i < 2; i++ {
		reg := prometheus.NewRegistry()
		cfg := testConfig(t, testutil.NewFakeLibrary())
		cfg.Registerer = reg
		h, err := Open(testutil.FakeDescriptor(), cfg)
		require.NoError(t, err)
		require.NoError(t, h.Process(mono(16, 0), mono(16, 0), 16))
		require.NoError(t, h.Close())

		families, err := reg.Gather()
		require.NoError(t, err)
		names := make(map[string]bool)
		for _, mf := range families {
			names[mf.GetName()] = true
		}
		assert.True(t, names["plughost_render_cycles_total"], "registry %d", i)
	}
}
