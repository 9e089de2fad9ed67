package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceAppendAndIterate(t *testing.T) {
	seq := NewSequence(128)
	require.True(t, seq.Append(0, 1, []byte{0x90, 60, 100}))
	require.True(t, seq.Append(32, 2, []byte("hello world")))
	assert.Equal(t, 2, seq.Len())
	assert.Equal(t, entrySize(3)+entrySize(11), seq.Size())

	var got []TimedEvent
	for ev := range seq.Events() {
		got = append(got, TimedEvent{Frames: ev.Frames, Type: ev.Type, Payload: append([]byte(nil), ev.Payload...)})
	}
	require.Len(t, got, 2)
	assert.Equal(t, TimedEvent{Frames: 0, Type: 1, Payload: []byte{0x90, 60, 100}}, got[0])
	assert.Equal(t, int64(32), got[1].Frames)
	assert.Equal(t, "hello world", string(got[1].Payload))
}

func TestSequenceDropsNewest(t *testing.T) {
	seq := NewSequence(2 * entrySize(8))
	require.True(t, seq.Append(0, 1, make([]byte, 8)))
	require.True(t, seq.Append(0, 2, make([]byte, 8)))
	assert.False(t, seq.Append(0, 3, nil))
	assert.Equal(t, uint64(1), seq.Dropped())

	var types []uint32
	for ev := range seq.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []uint32{1, 2}, types)

	seq.Reset()
	assert.Zero(t, seq.Len())
	assert.True(t, seq.Append(0, 3, nil))
}

func TestSequenceAtWalk(t *testing.T) {
	seq := NewSequence(64)
	seq.Append(1, 10, []byte("a"))
	seq.Append(2, 11, []byte("bc"))
	off, n := 0, 0
	for {
		ev, next, ok := seq.At(off)
		if !ok {
			break
		}
		n++
		assert.Equal(t, int64(n), ev.Frames)
		off = next
	}
	assert.Equal(t, 2, n)
}
