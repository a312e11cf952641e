package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFillAndDrainRoundTrip(t *testing.T) {
	b := New(16)
	n := copy(b.FillSlice(), []byte("hello"))
	b.Advance(n)

	require.Equal(t, 5, b.Len())
	require.Equal(t, "hello", string(b.DrainSlice()))

	b.Consume(5)
	require.True(t, b.IsEmpty())
}

func TestMarkResetRollsBackShortRead(t *testing.T) {
	b := New(16)
	n := copy(b.FillSlice(), []byte{0x05, 0x01})
	b.Advance(n)

	b.Mark()
	// Pretend we tried to parse a 4-byte frame and only have 2 bytes.
	if len(b.Bytes()) < 4 {
		b.Reset()
	}
	require.Equal(t, 2, b.Len(), "reset must not lose the already-buffered bytes")

	// More bytes arrive.
	n = copy(b.FillSlice(), []byte{0x00, 0x01})
	b.Advance(n)
	require.Equal(t, 4, b.Len())
	require.Equal(t, []byte{0x05, 0x01, 0x00, 0x01}, b.Bytes())
}

func TestCompactReclaimsConsumedSpace(t *testing.T) {
	b := New(8)
	n := copy(b.FillSlice(), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	b.Advance(n)
	require.True(t, b.IsFull())

	b.Consume(6) // parsed a 6-byte frame, 2 bytes of a new frame remain
	b.Compact()

	require.False(t, b.IsFull())
	require.Equal(t, []byte{7, 8}, b.Bytes())

	// Now there's room to fill again.
	more := copy(b.FillSlice(), []byte{9, 9, 9, 9, 9, 9})
	b.Advance(more)
	require.Equal(t, 8, b.Len())
}

func TestPrependQueuesUnwrittenTailFirst(t *testing.T) {
	b := New(16)
	n := copy(b.FillSlice(), []byte("world"))
	b.Advance(n)

	b.Prepend([]byte("hello "))
	require.Equal(t, "hello world", string(b.DrainSlice()))
}

func TestPrependOverflowPanics(t *testing.T) {
	b := New(4)
	n := copy(b.FillSlice(), []byte("ab"))
	b.Advance(n)

	require.Panics(t, func() {
		b.Prepend([]byte("xyz"))
	})
}
