// Package plugins describes hostable plugins and the entry points they expose.
//
// Model:
//   - A Descriptor is the static, immutable description of one plugin: its
//     ports, buffer requirements, required features and code locations. It is
//     loaded from JSON once and never mutated by the host.
//   - A Library resolves a plugin's code. Its PluginDescriptor symbol is
//     walked by index until an Entry with the wanted URI is found.
//   - Capability interfaces (URIDMapper, WorkScheduler, PortResizer) are
//     handed to Entry.Instantiate as explicit dependencies.
package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/multierr"
)

// DefaultEventBufferSize is used when a plugin does not ask for more.
const DefaultEventBufferSize = 8192

var (
	// ErrInvalidDescriptor wraps every descriptor validation failure.
	ErrInvalidDescriptor = errors.New("invalid plugin descriptor")
	// ErrUnsupportedFeature is returned when a plugin requires a feature the host lacks.
	ErrUnsupportedFeature = errors.New("unsupported required feature")
)

// PortType is the direction and kind of a port.
type PortType int

const (
	ControlIn PortType = iota
	ControlOut
	AudioIn
	AudioOut
	EventIn
	EventOut
	MIDIIn
	MIDIOut
)

var portTypeNames = [...]string{
	ControlIn:  "control-in",
	ControlOut: "control-out",
	AudioIn:    "audio-in",
	AudioOut:   "audio-out",
	EventIn:    "event-in",
	EventOut:   "event-out",
	MIDIIn:     "midi-in",
	MIDIOut:    "midi-out",
}

func (t PortType) String() string {
	if t < 0 || int(t) >= len(portTypeNames) {
		return fmt.Sprintf("PortType(%d)", int(t))
	}
	return portTypeNames[t]
}

// MarshalText encodes the type by name.
func (t PortType) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(portTypeNames) {
		return nil, fmt.Errorf("unknown port type %d", int(t))
	}
	return []byte(portTypeNames[t]), nil
}

// UnmarshalText decodes a type name.
func (t *PortType) UnmarshalText(b []byte) error {
	for i, name := range portTypeNames {
		if name == string(b) {
			*t = PortType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown port type %q", string(b))
}

// IsControl reports whether the port carries a single float value.
func (t PortType) IsControl() bool { return t == ControlIn || t == ControlOut }

// IsEvent reports whether the port carries an event sequence.
func (t PortType) IsEvent() bool {
	return t == EventIn || t == EventOut || t == MIDIIn || t == MIDIOut
}

// IsInput reports whether the host writes the port.
func (t PortType) IsInput() bool {
	return t == ControlIn || t == AudioIn || t == EventIn || t == MIDIIn
}

// Port designations the host treats specially.
const (
	DesignationLatency = "latency"
	DesignationEnable  = "enable"
)

// Port describes one plugin port.
type Port struct {
	Index       uint32   `json:"index"`
	Type        PortType `json:"type"`
	Symbol      string   `json:"symbol"`
	Name        string   `json:"name"`
	Default     float32  `json:"default"`
	Min         float32  `json:"min"`
	Max         float32  `json:"max"`
	Toggled     bool     `json:"toggled,omitempty"`
	Integer     bool     `json:"integer,omitempty"`
	Logarithmic bool     `json:"logarithmic,omitempty"`
	SampleRate  bool     `json:"sampleRate,omitempty"`
	Enumeration bool     `json:"enumeration,omitempty"`
	Designation string   `json:"designation,omitempty"`
	MinimumSize uint32   `json:"minimumSize,omitempty"`
}

// GUI locates a plugin's control surface code.
type GUI struct {
	URI    string `json:"uri"`
	Binary string `json:"binary"`
}

// Descriptor is the static description of a plugin.
type Descriptor struct {
	URI                string   `json:"uri"`
	Name               string   `json:"name"`
	Vendor             string   `json:"vendor,omitempty"`
	Bundle             string   `json:"bundle,omitempty"`
	Binary             string   `json:"binary"`
	GUI                *GUI     `json:"gui,omitempty"`
	Ports              []Port   `json:"ports"`
	MinEventBufferSize uint32   `json:"minEventBufferSize,omitempty"`
	RequiredFeatures   []string `json:"requiredFeatures,omitempty"`
	Extensions         []string `json:"extensions,omitempty"`
}

// LoadDescriptor decodes a JSON descriptor and validates it.
func LoadDescriptor(r io.Reader) (*Descriptor, error) {
	var d Descriptor
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDescriptorFile reads a descriptor from path.
func LoadDescriptorFile(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := LoadDescriptor(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Validate checks the descriptor is one the host can run: it has a URI, a
// name and ports, port indices match their position, control ranges are
// sane and symbols unique, and there is at most one event port per direction.
func (d *Descriptor) Validate() error {
	var errs error
	if d.URI == "" {
		errs = multierr.Append(errs, errors.New("missing uri"))
	}
	if d.Name == "" {
		errs = multierr.Append(errs, errors.New("missing name"))
	}
	if len(d.Ports) == 0 {
		errs = multierr.Append(errs, errors.New("no ports"))
	}
	symbols := make(map[string]bool, len(d.Ports))
	var eventIns, eventOuts int
	for i, p := range d.Ports {
		if p.Index != uint32(i) {
			errs = multierr.Append(errs, fmt.Errorf("port %d has index %d", i, p.Index))
		}
		if p.Symbol == "" {
			errs = multierr.Append(errs, fmt.Errorf("port %d has no symbol", i))
		} else if symbols[p.Symbol] {
			errs = multierr.Append(errs, fmt.Errorf("duplicate port symbol %q", p.Symbol))
		}
		symbols[p.Symbol] = true
		if p.Type.IsControl() && p.Min > p.Max {
			errs = multierr.Append(errs, fmt.Errorf("port %q: min %g > max %g", p.Symbol, p.Min, p.Max))
		}
		if p.Type.IsEvent() {
			if p.Type.IsInput() {
				eventIns++
			} else {
				eventOuts++
			}
		}
	}
	if eventIns > 1 {
		errs = multierr.Append(errs, fmt.Errorf("%d event inputs, at most one supported", eventIns))
	}
	if eventOuts > 1 {
		errs = multierr.Append(errs, fmt.Errorf("%d event outputs, at most one supported", eventOuts))
	}
	if errs != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidDescriptor, d.URI, errs)
	}
	return nil
}

// CheckFeatures verifies every required feature is one the host provides.
func (d *Descriptor) CheckFeatures() error {
	var errs error
	for _, f := range d.RequiredFeatures {
		if !IsSupportedFeature(f) {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrUnsupportedFeature, f))
		}
	}
	return errs
}

// HasExtension reports whether the plugin advertises an extension.
func (d *Descriptor) HasExtension(uri string) bool {
	for _, e := range d.Extensions {
		if e == uri {
			return true
		}
	}
	return false
}

// HasGUI reports whether the plugin ships a control surface.
func (d *Descriptor) HasGUI() bool { return d.GUI != nil && d.GUI.URI != "" }

// PortsOf returns the ports of one type in index order.
func (d *Descriptor) PortsOf(t PortType) []Port {
	var out []Port
	for _, p := range d.Ports {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of ports of type t.
func (d *Descriptor) Count(t PortType) int {
	n := 0
	for _, p := range d.Ports {
		if p.Type == t {
			n++
		}
	}
	return n
}

// AudioIns returns the number of audio inputs.
func (d *Descriptor) AudioIns() int { return d.Count(AudioIn) }

// AudioOuts returns the number of audio outputs.
func (d *Descriptor) AudioOuts() int { return d.Count(AudioOut) }

// ControlCount returns the number of control ports in both directions.
func (d *Descriptor) ControlCount() int { return d.Count(ControlIn) + d.Count(ControlOut) }

// EventIn returns the event input port, if any.
func (d *Descriptor) EventIn() (Port, bool) { return d.firstEvent(true) }

// EventOut returns the event output port, if any.
func (d *Descriptor) EventOut() (Port, bool) { return d.firstEvent(false) }

func (d *Descriptor) firstEvent(input bool) (Port, bool) {
	for _, p := range d.Ports {
		if p.Type.IsEvent() && p.Type.IsInput() == input {
			return p, true
		}
	}
	return Port{}, false
}

// LatencyPort returns the control output reporting plugin latency.
func (d *Descriptor) LatencyPort() (uint32, bool) { return d.designated(ControlOut, DesignationLatency) }

// EnablePort returns the control input that enables processing.
func (d *Descriptor) EnablePort() (uint32, bool) { return d.designated(ControlIn, DesignationEnable) }

func (d *Descriptor) designated(t PortType, designation string) (uint32, bool) {
	for _, p := range d.Ports {
		if p.Type == t && p.Designation == designation {
			return p.Index, true
		}
	}
	return 0, false
}

// PortBySymbol finds a port by symbol.
func (d *Descriptor) PortBySymbol(symbol string) (Port, bool) {
	for _, p := range d.Ports {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Port{}, false
}

// EventBufferSize returns the size of each event buffer: the largest of the
// plugin's declared minimum, any event port minimum, and fallback.
func (d *Descriptor) EventBufferSize(fallback int) int {
	n := fallback
	if n <= 0 {
		n = DefaultEventBufferSize
	}
	if int(d.MinEventBufferSize) > n {
		n = int(d.MinEventBufferSize)
	}
	for _, p := range d.Ports {
		if p.Type.IsEvent() && int(p.MinimumSize) > n {
			n = int(p.MinimumSize)
		}
	}
	return n
}

// Summary returns a brief summary of the plugin.
func (d *Descriptor) Summary() string {
	return fmt.Sprintf("%s (%s) - %d ports, %d in / %d out",
		d.Name, d.URI, len(d.Ports), d.AudioIns(), d.AudioOuts())
}

// Descriptors is a collection of descriptors with filtering methods.
type Descriptors []*Descriptor

// ByName returns descriptors whose name contains pattern (case-insensitive).
func (ds Descriptors) ByName(pattern string) Descriptors {
	var filtered Descriptors
	for _, d := range ds {
		if matchesPattern(d.Name, pattern) {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// ByVendor returns descriptors from one vendor.
func (ds Descriptors) ByVendor(vendor string) Descriptors {
	var filtered Descriptors
	for _, d := range ds {
		if d.Vendor == vendor {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// WithGUI returns descriptors that ship a control surface.
func (ds Descriptors) WithGUI() Descriptors {
	var filtered Descriptors
	for _, d := range ds {
		if d.HasGUI() {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// ForChannels returns descriptors whose audio inputs and outputs both equal n.
func (ds Descriptors) ForChannels(n int) Descriptors {
	var filtered Descriptors
	for _, d := range ds {
		if d.AudioIns() == n && d.AudioOuts() == n {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// ByURI returns the descriptor with the given URI, or nil.
func (ds Descriptors) ByURI(uri string) *Descriptor {
	for _, d := range ds {
		if d.URI == uri {
			return d
		}
	}
	return nil
}

func matchesPattern(name, pattern string) bool {
	return strings.Contains(strings.ToUpper(name), strings.ToUpper(pattern))
}
