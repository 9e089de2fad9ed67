// Package devices enumerates MIDI ports through the registered gomidi
// driver, watches them for hotplug and bridges MIDI input into a hosted
// plugin's event input.
package devices

import (
	"errors"
	"fmt"
	"sort"

	"gitlab.com/gomidi/midi/v2/drivers"
)

// ErrNoDriver is returned when no gomidi driver has been registered.
var ErrNoDriver = errors.New("no MIDI driver registered")

// Device represents the common properties of any device
type Device struct {
	Name     string `json:"name"`
	UID      string `json:"uid"`
	IsOnline bool   `json:"isOnline"`
}

// MIDIDevice is a MIDI port name with its input and output capabilities.
type MIDIDevice struct {
	Device
	InputNumber  int  `json:"inputNumber"`
	OutputNumber int  `json:"outputNumber"`
	IsInput      bool `json:"isInput"`
	IsOutput     bool `json:"isOutput"`
}

// Helper methods for MIDI capability checking
func (m MIDIDevice) CanInput() bool {
	return m.IsInput
}

func (m MIDIDevice) CanOutput() bool {
	return m.IsOutput
}

func (m MIDIDevice) IsInputOutput() bool {
	return m.IsInput && m.IsOutput
}

// MIDIDevices represents a slice of MIDIDevice with filter methods
type MIDIDevices []MIDIDevice

// Inputs returns only MIDI devices that can receive MIDI input
func (devices MIDIDevices) Inputs() MIDIDevices {
	var inputs MIDIDevices
	for _, device := range devices {
		if device.CanInput() {
			inputs = append(inputs, device)
		}
	}
	return inputs
}

// Outputs returns only MIDI devices that can send MIDI output
func (devices MIDIDevices) Outputs() MIDIDevices {
	var outputs MIDIDevices
	for _, device := range devices {
		if device.CanOutput() {
			outputs = append(outputs, device)
		}
	}
	return outputs
}

// ByUID returns the device with the given UID, or nil.
func (devices MIDIDevices) ByUID(uid string) *MIDIDevice {
	for i := range devices {
		if devices[i].UID == uid {
			return &devices[i]
		}
	}
	return nil
}

// Lister enumerates MIDI ports. drivers.Driver implements it.
type Lister interface {
	Ins() ([]drivers.In, error)
	Outs() ([]drivers.Out, error)
}

// DefaultLister returns the registered gomidi driver.
func DefaultLister() (Lister, error) {
	drv := drivers.Get()
	if drv == nil {
		return nil, ErrNoDriver
	}
	return drv, nil
}

// GetMIDI lists the ports of the registered driver.
func GetMIDI() (MIDIDevices, error) {
	l, err := DefaultLister()
	if err != nil {
		return nil, err
	}
	return List(l)
}

// List merges the input and output ports of l by name, sorted by name. A
// port's UID is its name, the only identity gomidi drivers expose.
func List(l Lister) (MIDIDevices, error) {
	ins, err := l.Ins()
	if err != nil {
		return nil, fmt.Errorf("failed to list MIDI inputs: %w", err)
	}
	outs, err := l.Outs()
	if err != nil {
		return nil, fmt.Errorf("failed to list MIDI outputs: %w", err)
	}

	byName := make(map[string]*MIDIDevice, len(ins)+len(outs))
	get := func(name string) *MIDIDevice {
		d, ok := byName[name]
		if !ok {
			d = &MIDIDevice{
				Device:       Device{Name: name, UID: name, IsOnline: true},
				InputNumber:  -1,
				OutputNumber: -1,
			}
			byName[name] = d
		}
		return d
	}
	for _, in := range ins {
		d := get(in.String())
		d.IsInput = true
		d.InputNumber = in.Number()
	}
	for _, out := range outs {
		d := get(out.String())
		d.IsOutput = true
		d.OutputNumber = out.Number()
	}

	devices := make(MIDIDevices, 0, len(byName))
	for _, d := range byName {
		devices = append(devices, *d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices, nil
}

// FindIn returns the input port named name.
func FindIn(l Lister, name string) (drivers.In, error) {
	ins, err := l.Ins()
	if err != nil {
		return nil, fmt.Errorf("failed to list MIDI inputs: %w", err)
	}
	for _, in := range ins {
		if in.String() == name {
			return in, nil
		}
	}
	return nil, fmt.Errorf("MIDI input %q not found", name)
}
