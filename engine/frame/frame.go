// Package frame encodes variable-length typed events inside byte channels.
//
// Every record is an 8-byte little-endian header (payload size, type tag)
// followed by the payload. Readers recover record boundaries from the size
// field alone.
package frame

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/shaban/plughost/engine/ring"
)

// HeaderSize is the encoded size of a record header.
const HeaderSize = 8

var (
	// ErrShortBuffer means a destination or source buffer cannot hold a record.
	ErrShortBuffer = errors.New("frame: short buffer")
	// ErrCorrupt means a header announced more bytes than its channel can carry.
	ErrCorrupt = errors.New("frame: corrupt record header")
)

// Event is one decoded record. Payload aliases decoder scratch memory and is
// only valid until the next call on the same decoder.
type Event struct {
	Type    uint32
	Payload []byte
}

func putHeader(b []byte, size int, typ uint32) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(size))
	binary.LittleEndian.PutUint32(b[4:8], typ)
}

func readHeader(b []byte) (size int, typ uint32) {
	return int(binary.LittleEndian.Uint32(b[0:4])), binary.LittleEndian.Uint32(b[4:8])
}

// Fits reports whether a record with an n-byte payload can be written to ch now.
func Fits(ch *ring.Ring[byte], n int) bool {
	return HeaderSize+n <= ch.WriteSpace()
}

// Emit writes one record to ch. The record is dropped, and false returned,
// when the channel lacks room for header and payload together. Header and
// payload become readable in a single cursor advance.
func Emit(ch *ring.Ring[byte], typ uint32, payload []byte) bool {
	if uint64(len(payload)) > math.MaxUint32-HeaderSize {
		return false
	}
	var hdr [HeaderSize]byte
	putHeader(hdr[:], len(payload), typ)
	return ch.WriteParts(hdr[:], payload) > 0
}

// Decoder reads records from the consumer side of a byte channel.
type Decoder struct {
	ch      *ring.Ring[byte]
	hdr     [HeaderSize]byte
	buf     []byte
	corrupt uint64
}

// NewDecoder allocates scratch space for the largest record ch can hold.
func NewDecoder(ch *ring.Ring[byte]) *Decoder {
	n := ch.Capacity() - HeaderSize
	if n < 0 {
		n = 0
	}
	return &Decoder{ch: ch, buf: make([]byte, n)}
}

// Next consumes one complete record. It returns false when no complete record
// is readable yet; a header whose payload is still missing stays in place.
func (d *Decoder) Next() (Event, bool) {
	if d.ch.Peek(d.hdr[:]) < HeaderSize {
		return Event{}, false
	}
	size, typ := readHeader(d.hdr[:])
	if size > len(d.buf) {
		d.ch.Skip(d.ch.ReadSpace())
		d.corrupt++
		return Event{}, false
	}
	if d.ch.ReadSpace() < HeaderSize+size {
		return Event{}, false
	}
	d.ch.Skip(HeaderSize)
	d.ch.Read(d.buf[:size])
	return Event{Type: typ, Payload: d.buf[:size]}, true
}

// Pending returns the payload size of the next complete record without
// consuming it.
func (d *Decoder) Pending() (int, bool) {
	if d.ch.Peek(d.hdr[:]) < HeaderSize {
		return 0, false
	}
	size, _ := readHeader(d.hdr[:])
	if size > len(d.buf) || d.ch.ReadSpace() < HeaderSize+size {
		return 0, false
	}
	return size, true
}

// Discard drops the next complete record and reports whether one was dropped.
func (d *Decoder) Discard() bool {
	size, ok := d.Pending()
	if ok {
		d.ch.Skip(HeaderSize + size)
	}
	return ok
}

// Corrupt returns how many times the decoder discarded a bad channel.
func (d *Decoder) Corrupt() uint64 { return d.corrupt }

// Encode writes one record into dst and returns the bytes used.
func Encode(dst []byte, typ uint32, payload []byte) (int, error) {
	n := HeaderSize + len(payload)
	if len(dst) < n {
		return 0, ErrShortBuffer
	}
	putHeader(dst, len(payload), typ)
	copy(dst[HeaderSize:], payload)
	return n, nil
}

// Decode reads one record from src. The payload aliases src.
func Decode(src []byte) (Event, int, error) {
	if len(src) < HeaderSize {
		return Event{}, 0, ErrShortBuffer
	}
	size, typ := readHeader(src)
	if size > len(src)-HeaderSize {
		return Event{}, 0, ErrCorrupt
	}
	n := HeaderSize + size
	return Event{Type: typ, Payload: src[HeaderSize:n]}, n, nil
}
