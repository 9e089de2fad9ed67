package frame

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/plughost/engine/ring"
)

func TestEmitDecodeRoundTrip(t *testing.T) {
	const capacity = 64
	ch := ring.New[byte](capacity)
	dec := NewDecoder(ch)
	for size := 0; size <= capacity-HeaderSize; size++ {
		payload := bytes.Repeat([]byte{byte(size)}, size)
		require.True(t, Emit(ch, uint32(1000+size), payload), "size %d", size)
		ev, ok := dec.Next()
		require.True(t, ok, "size %d", size)
		assert.Equal(t, uint32(1000+size), ev.Type)
		assert.Equal(t, payload, ev.Payload)
		assert.Equal(t, capacity, ch.WriteSpace())
	}
}

func TestEmitDropsWhenHeaderAndPayloadDoNotFit(t *testing.T) {
	ch := ring.New[byte](20)
	require.True(t, Emit(ch, 1, []byte("abcd"))) // 12 bytes
	assert.False(t, Fits(ch, 1))
	assert.False(t, Emit(ch, 2, []byte("x")))
	assert.Equal(t, 8, ch.WriteSpace())
	assert.True(t, Emit(ch, 3, nil))

	dec := NewDecoder(ch)
	ev, ok := dec.Next()
	require.True(t, ok)
	assert.Equal(t, uint32(1), ev.Type)
	ev, ok = dec.Next()
	require.True(t, ok)
	assert.Equal(t, uint32(3), ev.Type)
	assert.Empty(t, ev.Payload)
	_, ok = dec.Next()
	assert.False(t, ok)
}

func TestDecoderWaitsForFullPayload(t *testing.T) {
	ch := ring.New[byte](32)
	var hdr [HeaderSize]byte
	putHeader(hdr[:], 6, 9)
	// a producer that published the header before its payload
	require.Equal(t, HeaderSize, ch.Write(hdr[:]))
	dec := NewDecoder(ch)
	_, ok := dec.Next()
	assert.False(t, ok)
	assert.Equal(t, HeaderSize, ch.ReadSpace(), "header must stay unconsumed")

	ch.Write([]byte("abc"))
	_, ok = dec.Next()
	assert.False(t, ok)

	ch.Write([]byte("def"))
	ev, ok := dec.Next()
	require.True(t, ok)
	assert.Equal(t, "abcdef", string(ev.Payload))
}

func TestDecoderDiscardsOversizedHeader(t *testing.T) {
	ch := ring.New[byte](16)
	var hdr [HeaderSize]byte
	putHeader(hdr[:], 1<<20, 1)
	ch.Write(hdr[:])
	dec := NewDecoder(ch)
	_, ok := dec.Next()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), dec.Corrupt())
	assert.Equal(t, 0, ch.ReadSpace())

	require.True(t, Emit(ch, 4, []byte("ok")))
	ev, ok := dec.Next()
	require.True(t, ok)
	assert.Equal(t, "ok", string(ev.Payload))
}

func TestEncodeDecode(t *testing.T) {
	buf := make([]byte, 32)
	n, err := Encode(buf, 7, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+7, n)

	ev, used, err := Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, n, used)
	assert.Equal(t, uint32(7), ev.Type)
	assert.Equal(t, "payload", string(ev.Payload))

	_, err = Encode(buf[:4], 1, nil)
	assert.ErrorIs(t, err, ErrShortBuffer)
	_, _, err = Decode(buf[:n-1])
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPendingAndDiscard(t *testing.T) {
	ch := ring.New[byte](64)
	dec := NewDecoder(ch)
	_, ok := dec.Pending()
	assert.False(t, ok)

	require.True(t, Emit(ch, 1, []byte("first")))
	require.True(t, Emit(ch, 2, []byte("2nd")))
	size, ok := dec.Pending()
	require.True(t, ok)
	assert.Equal(t, 5, size)
	assert.True(t, dec.Discard())

	ev, ok := dec.Next()
	require.True(t, ok)
	assert.Equal(t, uint32(2), ev.Type)
	assert.False(t, dec.Discard())
}

func TestEmitAndNextDoNotAllocate(t *testing.T) {
	ch := ring.New[byte](256)
	dec := NewDecoder(ch)
	payload := []byte{0x90, 60, 100}
	allocs := testing.AllocsPerRun(200, func() {
		Emit(ch, 7, payload)
		Emit(ch, 8, nil)
		for {
			if _, ok := dec.Next(); !ok {
				break
			}
		}
	})
	assert.Zero(t, allocs)
}

func recordPayload(i int) []byte {
	b := make([]byte, i%57)
	for j := range b {
		b[j] = byte(i + j)
	}
	return b
}

// One goroutine emits records of varying length while another decodes them;
// every record must arrive whole and in order.
func TestConcurrentEmitNextDeliversWholeRecords(t *testing.T) {
	const records = 20000
	ch := ring.New[byte](128)
	dec := NewDecoder(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < records; i++ {
			payload := recordPayload(i)
			for !Emit(ch, uint32(i), payload) {
				runtime.Gosched()
			}
		}
	}()

	for i := 0; i < records; {
		ev, ok := dec.Next()
		if !ok {
			runtime.Gosched()
			continue
		}
		require.Equal(t, uint32(i), ev.Type, "record order")
		require.Equal(t, recordPayload(i), ev.Payload, "record %d", i)
		i++
	}
	<-done
	assert.Zero(t, dec.Corrupt())
	assert.Zero(t, ch.ReadSpace())
}
