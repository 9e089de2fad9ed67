// Package analyze measures rendered audio buffers: levels, gain through a
// plugin and stereo balance. It is used by the builtin meter and by tests
// that verify a signal path.
package analyze

import (
	"fmt"
	"math"
)

// Metrics are the levels of one buffer.
type Metrics struct {
	RMS    float64
	Peak   float64
	Frames int
}

// PathAnalysis contains results of signal path verification
type PathAnalysis struct {
	InputDetected  bool    // Signal present at input
	OutputDetected bool    // Signal present at output
	InputRMS       float64 // Input signal level
	OutputRMS      float64 // Output signal level
	GainChange     float64 // dB change from input to output
	LatencyFrames  int     // Offset of the first output sample above the threshold relative to the input
}

// StereoAnalysis contains results of a stereo output analysis
type StereoAnalysis struct {
	LeftChannelRMS  float64
	RightChannelRMS float64
	TotalRMS        float64
	Balance         float64 // -1 (left) to 1 (right)
}

// AnalysisConfig holds thresholds used when validating results.
type AnalysisConfig struct {
	MinSignalLevel   float64 // Minimum RMS to consider as signal
	ToleranceDB      float64 // Tolerance for level comparisons (dB)
	BalanceTolerance float64
}

// DefaultAnalysisConfig returns sensible defaults for audio analysis
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		MinSignalLevel:   0.001, // -60dB
		ToleranceDB:      0.1,
		BalanceTolerance: 0.1,
	}
}

// Measure returns the RMS and peak of buf.
func Measure(buf []float32) Metrics {
	m := Metrics{Frames: len(buf)}
	if len(buf) == 0 {
		return m
	}
	var sum float64
	for _, s := range buf {
		v := float64(s)
		sum += v * v
		if a := math.Abs(v); a > m.Peak {
			m.Peak = a
		}
	}
	m.RMS = math.Sqrt(sum / float64(len(buf)))
	return m
}

// Peak returns the largest absolute sample in buf.
func Peak(buf []float32) float32 {
	var peak float32
	for _, s := range buf {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// GainDB converts a linear amplitude ratio to decibels. A zero ratio is -Inf.
func GainDB(ratio float64) float64 {
	return 20 * math.Log10(ratio)
}

// DBToGain converts decibels to a linear amplitude ratio.
func DBToGain(db float64) float64 {
	return math.Pow(10, db/20)
}

// AnalyzePath compares one input and one output buffer of a plugin.
func AnalyzePath(in, out []float32, config AnalysisConfig) *PathAnalysis {
	im, om := Measure(in), Measure(out)
	a := &PathAnalysis{
		InputDetected:  im.RMS >= config.MinSignalLevel,
		OutputDetected: om.RMS >= config.MinSignalLevel,
		InputRMS:       im.RMS,
		OutputRMS:      om.RMS,
	}
	if im.RMS > 0 && om.RMS > 0 {
		a.GainChange = GainDB(om.RMS / im.RMS)
	}
	if a.InputDetected && a.OutputDetected {
		a.LatencyFrames = onset(out, config.MinSignalLevel) - onset(in, config.MinSignalLevel)
	}
	return a
}

func onset(buf []float32, threshold float64) int {
	for i, s := range buf {
		if math.Abs(float64(s)) >= threshold {
			return i
		}
	}
	return len(buf)
}

// AnalyzeStereo measures the balance of a stereo pair.
func AnalyzeStereo(left, right []float32) *StereoAnalysis {
	l, r := Measure(left).RMS, Measure(right).RMS
	a := &StereoAnalysis{
		LeftChannelRMS:  l,
		RightChannelRMS: r,
		TotalRMS:        math.Sqrt(l*l + r*r),
	}
	if l+r > 0 {
		a.Balance = (r - l) / (r + l)
	}
	return a
}

// ValidatePathAnalysis checks if a path analysis meets expectations
func ValidatePathAnalysis(analysis *PathAnalysis, expectSignal bool, config AnalysisConfig) error {
	if expectSignal {
		if !analysis.InputDetected {
			return fmt.Errorf("expected signal at input but none detected (RMS: %.6f)", analysis.InputRMS)
		}
		if !analysis.OutputDetected {
			return fmt.Errorf("expected signal at output but none detected (RMS: %.6f)", analysis.OutputRMS)
		}
	} else {
		if analysis.OutputDetected {
			return fmt.Errorf("expected no signal at output but detected (RMS: %.6f)", analysis.OutputRMS)
		}
	}
	return nil
}

// ValidateGain checks the gain through a path is expectedDB within tolerance.
func ValidateGain(analysis *PathAnalysis, expectedDB float64, config AnalysisConfig) error {
	if err := ValidatePathAnalysis(analysis, true, config); err != nil {
		return err
	}
	if diff := math.Abs(analysis.GainChange - expectedDB); diff > config.ToleranceDB {
		return fmt.Errorf("gain mismatch: expected %.2f dB, got %.2f dB (diff: %.2f)",
			expectedDB, analysis.GainChange, diff)
	}
	return nil
}

// ValidateStereoAnalysis checks the balance of a stereo pair.
func ValidateStereoAnalysis(analysis *StereoAnalysis, expectedBalance float64, config AnalysisConfig) error {
	if analysis.TotalRMS < config.MinSignalLevel {
		return fmt.Errorf("no stereo signal (RMS: %.6f)", analysis.TotalRMS)
	}
	if diff := math.Abs(analysis.Balance - expectedBalance); diff > config.BalanceTolerance {
		return fmt.Errorf("balance mismatch: expected %.2f, got %.2f (L:%.6f R:%.6f)",
			expectedBalance, analysis.Balance, analysis.LeftChannelRMS, analysis.RightChannelRMS)
	}
	return nil
}
