package frame

import (
	"encoding/binary"
	"iter"
)

const stampSize = 8

// TimedEvent is an event positioned inside a render block.
type TimedEvent struct {
	Frames  int64
	Type    uint32
	Payload []byte
}

// Sequence is the fixed-capacity event buffer a plugin reads its input
// events from or writes its output events to. Each entry is a frame stamp,
// a record header and the payload padded to 8 bytes.
type Sequence struct {
	data    []byte
	used    int
	count   int
	dropped uint64
}

// NewSequence allocates a sequence holding capacity bytes of entries.
func NewSequence(capacity int) *Sequence {
	return &Sequence{data: make([]byte, capacity)}
}

func entrySize(payload int) int {
	return stampSize + HeaderSize + (payload+7)&^7
}

// Capacity returns the size of the backing buffer in bytes.
func (s *Sequence) Capacity() int { return len(s.data) }

// Size returns the bytes currently used.
func (s *Sequence) Size() int { return s.used }

// Len returns the number of events held.
func (s *Sequence) Len() int { return s.count }

// Dropped returns how many appends did not fit since construction.
func (s *Sequence) Dropped() uint64 { return s.dropped }

// Reset empties the sequence without releasing memory.
func (s *Sequence) Reset() {
	s.used = 0
	s.count = 0
}

// Fits reports whether an event with an n-byte payload can still be appended.
func (s *Sequence) Fits(n int) bool {
	return s.used+entrySize(n) <= len(s.data)
}

// Append adds an event. When it does not fit the newest event is dropped and
// false is returned; events already held are kept.
func (s *Sequence) Append(frames int64, typ uint32, payload []byte) bool {
	n := entrySize(len(payload))
	if s.used+n > len(s.data) {
		s.dropped++
		return false
	}
	b := s.data[s.used:]
	binary.LittleEndian.PutUint64(b, uint64(frames))
	if _, err := Encode(b[stampSize:], typ, payload); err != nil {
		s.dropped++
		return false
	}
	s.used += n
	s.count++
	return true
}

// At decodes the entry starting at offset off and returns it together with
// the offset of the next entry. It allocates nothing, so it is the form used
// on the render goroutine.
func (s *Sequence) At(off int) (TimedEvent, int, bool) {
	if off < 0 || off+stampSize > s.used {
		return TimedEvent{}, off, false
	}
	frames := int64(binary.LittleEndian.Uint64(s.data[off:]))
	ev, _, err := Decode(s.data[off+stampSize : s.used])
	if err != nil {
		return TimedEvent{}, off, false
	}
	return TimedEvent{Frames: frames, Type: ev.Type, Payload: ev.Payload},
		off + entrySize(len(ev.Payload)), true
}

// Events iterates over the held events in order.
func (s *Sequence) Events() iter.Seq[TimedEvent] {
	return func(yield func(TimedEvent) bool) {
		for off := 0; ; {
			ev, next, ok := s.At(off)
			if !ok || !yield(ev) {
				return
			}
			off = next
		}
	}
}
