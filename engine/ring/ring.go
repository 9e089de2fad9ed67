// Package ring implements the fixed-capacity single-producer/single-consumer
// channel that every cross-goroutine hand-off in the host is built on.
//
// Exactly one goroutine may call the producer methods (Write, WriteParts,
// WriteSpace) and exactly one goroutine may call the consumer methods (Read,
// Peek, Skip, ReadSpace) for the lifetime of a Ring. None of them block or
// allocate.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrInvalidCapacity is returned by NewChecked for capacities below one.
var ErrInvalidCapacity = errors.New("ring: capacity must be at least 1")

const cacheLine = 64

// Ring is a lock-free SPSC circular buffer of T.
//
// The cursors run freely and are reduced modulo the capacity only when they
// index the store, so ReadSpace()+WriteSpace() == Capacity() always holds and
// a full ring needs no reserved slot.
type Ring[T any] struct {
	buf  []T
	size uint64

	_     [cacheLine]byte
	write atomic.Uint64
	_     [cacheLine - 8]byte
	read  atomic.Uint64
	_     [cacheLine - 8]byte

	dropped atomic.Uint64
}

// New creates a ring holding capacity records. It panics if capacity < 1.
func New[T any](capacity int) *Ring[T] {
	r, err := NewChecked[T](capacity)
	if err != nil {
		panic(err)
	}
	return r
}

// NewChecked is New returning an error instead of panicking.
func NewChecked[T any](capacity int) (*Ring[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	return &Ring[T]{buf: make([]T, capacity), size: uint64(capacity)}, nil
}

// Capacity returns the fixed number of records the ring holds.
func (r *Ring[T]) Capacity() int { return int(r.size) }

// WriteSpace returns how many records can be written right now.
func (r *Ring[T]) WriteSpace() int {
	return int(r.size - (r.write.Load() - r.read.Load()))
}

// ReadSpace returns how many records are ready to be read.
func (r *Ring[T]) ReadSpace() int {
	return int(r.write.Load() - r.read.Load())
}

// Dropped returns the number of writes rejected for lack of space.
func (r *Ring[T]) Dropped() uint64 { return r.dropped.Load() }

// Write copies all of src into the ring and returns len(src), or writes
// nothing and returns 0 when src does not fit.
func (r *Ring[T]) Write(src []T) int {
	return r.WriteParts(src, nil)
}

// WriteParts writes head followed by body as one unit. The reader observes
// either both parts or neither.
func (r *Ring[T]) WriteParts(head, body []T) int {
	n := uint64(len(head) + len(body))
	if n == 0 {
		return 0
	}
	w := r.write.Load()
	if n > r.size-(w-r.read.Load()) {
		r.dropped.Add(1)
		return 0
	}
	r.copyIn(w, head)
	r.copyIn(w+uint64(len(head)), body)
	r.write.Store(w + n)
	return int(n)
}

// Read moves up to len(dst) records out of the ring and returns the count.
func (r *Ring[T]) Read(dst []T) int {
	n := r.Peek(dst)
	if n > 0 {
		r.read.Add(uint64(n))
	}
	return n
}

// Peek copies up to len(dst) records without consuming them.
func (r *Ring[T]) Peek(dst []T) int {
	rd := r.read.Load()
	avail := r.write.Load() - rd
	n := uint64(len(dst))
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}
	r.copyOut(rd, dst[:n])
	return int(n)
}

// Skip discards up to n readable records and returns how many were dropped.
func (r *Ring[T]) Skip(n int) int {
	if n <= 0 {
		return 0
	}
	rd := r.read.Load()
	avail := r.write.Load() - rd
	if uint64(n) > avail {
		n = int(avail)
	}
	r.read.Store(rd + uint64(n))
	return n
}

// Reset empties the ring and clears the drop counter. Neither side may be
// active while it runs.
func (r *Ring[T]) Reset() {
	r.read.Store(0)
	r.write.Store(0)
	r.dropped.Store(0)
}

func (r *Ring[T]) copyIn(pos uint64, src []T) {
	if len(src) == 0 {
		return
	}
	idx := pos % r.size
	n := copy(r.buf[idx:], src)
	copy(r.buf, src[n:])
}

func (r *Ring[T]) copyOut(pos uint64, dst []T) {
	idx := pos % r.size
	n := copy(dst, r.buf[idx:])
	copy(dst[n:], r.buf)
}

// State is a point-in-time view of a ring for debugging and metrics.
type State struct {
	Capacity int
	ReadPos  uint64
	WritePos uint64
	Readable int
	Dropped  uint64
}

// State returns a snapshot of the cursors. It is only consistent when taken
// from one of the two owning goroutines.
func (r *Ring[T]) State() State {
	rd, w := r.read.Load(), r.write.Load()
	return State{
		Capacity: int(r.size),
		ReadPos:  rd,
		WritePos: w,
		Readable: int(w - rd),
		Dropped:  r.dropped.Load(),
	}
}

func (s State) String() string {
	return fmt.Sprintf("ring{cap=%d read=%d write=%d readable=%d dropped=%d}",
		s.Capacity, s.ReadPos, s.WritePos, s.Readable, s.Dropped)
}
