package plughost

import (
	"context"
	"math"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"

	"github.com/shaban/plughost/devices"
	"github.com/shaban/plughost/engine/analyze"
	"github.com/shaban/plughost/plugins"
	"github.com/shaban/plughost/plugins/builtin"
)

const pathFrames = 512

// stereoSine returns an interleaved stereo sine with the right channel at
// rightScale of the left.
func stereoSine(frames int, rightScale float32) []float32 {
	buf := make([]float32, frames*2)
	for i := 0; i < frames; i++ {
		v := float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/DefaultSampleRate))
		buf[2*i] = v
		buf[2*i+1] = v * rightScale
	}
	return buf
}

func deinterleave(buf []float32) (left, right []float32) {
	left = make([]float32, len(buf)/2)
	right = make([]float32, len(buf)/2)
	for i := range left {
		left[i], right[i] = buf[2*i], buf[2*i+1]
	}
	return left, right
}

// TestFunctionalSignalPath renders a tone through the builtin amp and
// verifies the level at every control change along the way.
func TestFunctionalSignalPath(t *testing.T) {
	log := testr.New(t)
	reg := plugins.NewRegistry()
	builtin.Register(reg)
	h, err := Open(builtin.AmpDescriptor(), Config{
		Channels:     2,
		Freewheel:    true,
		Logger:       log,
		ErrorHandler: &DefaultErrorHandler{Log: log},
		Opener:       reg,
	})
	require.NoError(t, err)
	defer h.Close()

	ctx := context.Background()
	cfg := analyze.DefaultAnalysisConfig()
	in := stereoSine(pathFrames, 0.5)
	render := func() []float32 {
		out := make([]float32, len(in))
		require.NoError(t, h.ProcessInterleaved(in, out))
		return out
	}

	t.Log("unity gain")
	out := render()
	require.NoError(t, analyze.ValidateGain(analyze.AnalyzePath(in, out, cfg), 0, cfg))
	l, r := deinterleave(out)
	require.NoError(t, analyze.ValidateStereoAnalysis(analyze.AnalyzeStereo(l, r), -1.0/3, cfg))

	t.Log("gain -6 dB, converted on the worker and applied one cycle later")
	require.NoError(t, h.WriteControl(ctx, builtin.PortGain, -6))
	render()
	out = render()
	require.NoError(t, analyze.ValidateGain(analyze.AnalyzePath(in, out, cfg), -6, cfg))

	t.Log("MIDI volume from an external input")
	bridge := devices.NewBridge(h.Plugin().ExternalEvents(), log)
	require.True(t, bridge.Forward(midi.ControlChange(0, 7, 63)))
	out = render()
	want := -6 + analyze.GainDB(63.0/127)
	require.NoError(t, analyze.ValidateGain(analyze.AnalyzePath(in, out, cfg), want, cfg))

	t.Log("bypass through the enable port")
	require.NoError(t, h.WriteControl(ctx, builtin.PortEnable, 0))
	out = render()
	require.NoError(t, analyze.ValidatePathAnalysis(analyze.AnalyzePath(in, out, cfg), false, cfg))

	peak, err := h.Plugin().PortValue(builtin.PortPeak)
	require.NoError(t, err)
	require.Zero(t, peak)
}
