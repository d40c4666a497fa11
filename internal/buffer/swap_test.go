package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/framering/internal/memory"
)

func TestSwapExternalFrame(t *testing.T) {
	b := newBuffer(t, "ext", 2, 100, nil)
	assert.Panics(t, func() { b.SwapExternalFrame(0, make([]byte, 100)) }, "no producer")

	b.RegisterProducer("p")
	assert.Panics(t, func() { b.SwapExternalFrame(0, make([]byte, 99)) }, "too small")

	external := make([]byte, 100)
	external[0] = 42
	old := b.SwapExternalFrame(0, external)
	require.Len(t, old, 100)
	assert.True(t, memory.Owned(old))
	assert.Equal(t, byte(42), b.Frame(0)[0])
	assert.NoError(t, memory.Free(old))

	b.RegisterProducer("q")
	assert.Panics(t, func() { b.SwapExternalFrame(1, make([]byte, 100)) }, "two producers")
}

func TestSwapFrames(t *testing.T) {
	from := newBuffer(t, "from", 2, 100, nil)
	to := newBuffer(t, "to", 2, 200, nil)
	from.RegisterConsumer("mover")
	to.RegisterProducer("mover")

	from.Frame(1)[0] = 1
	to.Frame(0)[0] = 2
	SwapFrames(from, 1, to, 0)
	assert.Equal(t, byte(2), from.Frame(1)[0])
	assert.Equal(t, byte(1), to.Frame(0)[0])
	assert.Len(t, to.Frame(0), to.FrameSize())
	assert.Len(t, from.Frame(1), from.FrameSize())

	assert.Panics(t, func() { SwapFrames(from, 0, from, 1) })

	big := newBuffer(t, "big", 1, memory.PageSize()+1, nil)
	big.RegisterProducer("mover")
	assert.Panics(t, func() { SwapFrames(from, 0, big, 0) }, "aligned sizes differ")

	from.RegisterConsumer("other")
	assert.Panics(t, func() { SwapFrames(from, 0, to, 0) }, "two consumers")
}

func TestSafeSwapFrame(t *testing.T) {
	src := newBuffer(t, "src", 1, 100, nil)
	dst := newBuffer(t, "dst", 1, 100, nil)
	dst.RegisterProducer("transfer")

	src.Frame(0)[0] = 9

	// No consumers on src: nothing to move.
	SafeSwapFrame(src, 0, dst, 0)
	assert.Equal(t, byte(0), dst.Frame(0)[0])

	src.RegisterConsumer("transfer")
	srcMem, dstMem := src.Frame(0), dst.Frame(0)
	SafeSwapFrame(src, 0, dst, 0)
	assert.Equal(t, byte(9), dst.Frame(0)[0])
	assert.Same(t, &srcMem[0], &dst.Frame(0)[0], "single consumer swaps memory")
	assert.Same(t, &dstMem[0], &src.Frame(0)[0])

	src.RegisterConsumer("monitor")
	src.Frame(0)[0] = 5
	SafeSwapFrame(src, 0, dst, 0)
	assert.Equal(t, byte(5), dst.Frame(0)[0])
	assert.Equal(t, byte(5), src.Frame(0)[0], "other consumers still see the data")
	assert.NotSame(t, &src.Frame(0)[0], &dst.Frame(0)[0])

	other := newBuffer(t, "other", 1, 101, nil)
	assert.Panics(t, func() { SafeSwapFrame(src, 0, other, 0) }, "sizes differ")

	dst.RegisterProducer("second")
	assert.Panics(t, func() { SafeSwapFrame(src, 0, dst, 0) }, "two producers on dst")
}

func TestSwappedFrameUsesBufferFrameSize(t *testing.T) {
	from := newBuffer(t, "small", 1, 100, nil)
	to := newBuffer(t, "large", 1, 200, nil)
	from.RegisterConsumer("mover")
	to.RegisterProducer("mover")
	to.RegisterConsumer("reader")

	SwapFrames(from, 0, to, 0)

	want := bytes.Repeat([]byte{0xab}, 200)
	frame := to.WaitForEmptyFrame("mover", 0)
	require.Len(t, frame, to.FrameSize())
	assert.Equal(t, 200, copy(frame, want))
	to.MarkFrameFull("mover", 0)

	assert.Equal(t, want, to.WaitForFullFrame("reader", 0))
	to.MarkFrameEmpty("reader", 0)
}

func TestSwapFramesRejectsShortExternalMemory(t *testing.T) {
	from := newBuffer(t, "from", 1, 100, nil)
	to := newBuffer(t, "to", 1, 200, nil)
	from.RegisterProducer("camera")
	from.RegisterConsumer("mover")
	to.RegisterProducer("mover")

	old := from.SwapExternalFrame(0, make([]byte, 100))
	defer func() { assert.NoError(t, memory.Free(old)) }()

	assert.Panics(t, func() { SwapFrames(from, 0, to, 0) })
}
