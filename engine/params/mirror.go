// Package params carries control port values between goroutines as fixed-size
// (port, value) records.
package params

import "github.com/shaban/plughost/engine/ring"

// Record is one parameter update.
type Record struct {
	Port  uint32
	Value float32
}

// Sink receives drained parameter updates.
type Sink interface {
	PortEvent(port uint32, value float32)
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(port uint32, value float32)

func (f SinkFunc) PortEvent(port uint32, value float32) { f(port, value) }

// Mirror is a single-producer/single-consumer channel of Records.
// Updates that do not fit are dropped; a later differing value gets through.
type Mirror struct {
	ch      *ring.Ring[Record]
	scratch [32]Record
}

// NewMirror creates a mirror holding up to capacity records.
func NewMirror(capacity int) *Mirror {
	return &Mirror{ch: ring.New[Record](capacity)}
}

// Push offers one update and reports whether it was queued.
func (m *Mirror) Push(port uint32, value float32) bool {
	rec := [1]Record{{Port: port, Value: value}}
	return m.ch.Write(rec[:]) == 1
}

// DrainInto applies every queued record to s in queue order and returns the
// number applied.
func (m *Mirror) DrainInto(s Sink) int {
	total := 0
	for {
		n := m.ch.Read(m.scratch[:])
		if n == 0 {
			return total
		}
		for _, rec := range m.scratch[:n] {
			s.PortEvent(rec.Port, rec.Value)
		}
		total += n
	}
}

// Pending returns the number of queued records.
func (m *Mirror) Pending() int { return m.ch.ReadSpace() }

// Space returns how many records can be pushed right now.
func (m *Mirror) Space() int { return m.ch.WriteSpace() }

// Dropped returns the number of rejected pushes.
func (m *Mirror) Dropped() uint64 { return m.ch.Dropped() }

// Values is a Sink holding the latest value per port. Applying a record twice
// leaves it unchanged; out of range ports are ignored.
type Values []float32

func (v Values) PortEvent(port uint32, value float32) {
	if int(port) < len(v) {
		v[port] = value
	}
}
