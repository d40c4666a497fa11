package buffer

import (
	"bytes"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lanikai/framering/internal/memory"
	"github.com/lanikai/framering/internal/metadata"
	"github.com/lanikai/framering/internal/scrub"
)

func TestMain(m *testing.M) {
	memory.SetLockMemory(false)
	goleak.VerifyTestMain(m)
}

func newBuffer(t *testing.T, name string, numFrames, frameSize int, pool *metadata.Pool) *Buffer {
	t.Helper()
	b, err := New(Config{Name: name, NumFrames: numFrames, FrameSize: frameSize, NumaNode: -1, Pool: pool})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, b.Close()) })
	return b
}

// Fails the test if ch doesn't deliver within a second.
func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out")
		panic("unreachable")
	}
}

func assertBlocked[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("expected the call to block")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{NumFrames: 1, FrameSize: 1})
	assert.Error(t, err)
	_, err = New(Config{Name: "x", NumFrames: 0, FrameSize: 1})
	assert.ErrorIs(t, err, errNumFrames)
	_, err = New(Config{Name: "x", NumFrames: 1, FrameSize: -4})
	assert.ErrorIs(t, err, errFrameSize)
}

func TestNewFreesFramesOnAllocFailure(t *testing.T) {
	var frames [][]byte
	saved := alloc
	alloc = func(size, node int) ([]byte, error) {
		if len(frames) == 2 {
			return nil, errors.New("out of memory")
		}
		f, err := memory.Alloc(size, node)
		frames = append(frames, f)
		return f, err
	}
	defer func() { alloc = saved }()

	var out bytes.Buffer
	log.SetDestination(&out)
	defer log.SetDestination(os.Stderr)

	_, err := New(Config{Name: "oom", NumFrames: 4, FrameSize: 64, NumaNode: -1})
	assert.EqualError(t, err, "buffer oom: frame 2: out of memory")
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.False(t, memory.Owned(f))
	}

	// Freeing memory that is no longer owned is reported, not ignored.
	frames = nil
	alloc = func(size, node int) ([]byte, error) {
		if len(frames) == 1 {
			return nil, errors.New("out of memory")
		}
		f := make([]byte, size)
		frames = append(frames, f)
		return f, nil
	}
	_, err = New(Config{Name: "foreign", NumFrames: 2, FrameSize: 64, NumaNode: -1})
	assert.Error(t, err)
	assert.Contains(t, out.String(), "Buffer foreign: freeing frame 0 after failed allocation")
}

func TestNewBuffer(t *testing.T) {
	b := newBuffer(t, "raw", 3, 1000, nil)

	assert.Equal(t, "raw", b.Name())
	assert.Equal(t, 3, b.NumFrames())
	assert.Equal(t, 1000, b.FrameSize())
	assert.Equal(t, memory.AlignedSize(1000), b.AlignedFrameSize())
	assert.Equal(t, "___", b.Status())
	assert.True(t, b.LastArrival().IsZero())
	for i := 0; i < 3; i++ {
		assert.True(t, b.IsFrameEmpty(i))
		assert.Equal(t, make([]byte, 1000), b.Frame(i))
	}
}

func TestHandshake(t *testing.T) {
	b := newBuffer(t, "net", 2, 64, nil)
	b.RegisterProducer("p1")
	b.RegisterProducer("p2")
	b.RegisterConsumer("c1")
	b.RegisterConsumer("c2")
	assert.Equal(t, 2, b.NumProducers())
	assert.Equal(t, 2, b.NumConsumers())

	frame := b.WaitForEmptyFrame("p1", 0)
	require.NotNil(t, frame)
	frame[0] = 1
	b.MarkFrameFull("p1", 0)
	assert.True(t, b.IsFrameEmpty(0), "one of two producers done")

	b.WaitForEmptyFrame("p2", 0)[1] = 2
	b.MarkFrameFull("p2", 0)
	assert.False(t, b.IsFrameEmpty(0))
	assert.Equal(t, "X_", b.Status())
	assert.False(t, b.LastArrival().IsZero())

	frame = b.WaitForFullFrame("c1", 0)
	assert.Equal(t, []byte{1, 2}, frame[:2])
	b.MarkFrameEmpty("c1", 0)
	assert.Equal(t, 1, b.NumFullFrames(), "one of two consumers done")

	b.WaitForFullFrame("c2", 0)
	b.MarkFrameEmpty("c2", 0)
	assert.Equal(t, 0, b.NumFullFrames())
	assert.True(t, b.IsFrameEmpty(0))
}

func TestProducerWaitsForItsOwnMark(t *testing.T) {
	b := newBuffer(t, "net", 1, 64, nil)
	b.RegisterProducer("p1")
	b.RegisterProducer("p2")
	b.RegisterConsumer("c")

	b.WaitForEmptyFrame("p1", 0)
	b.MarkFrameFull("p1", 0)

	// p1 already filled frame 0 in this cycle, so it must wait.
	done := make(chan []byte)
	go func() { done <- b.WaitForEmptyFrame("p1", 0) }()
	assertBlocked(t, done)

	b.WaitForEmptyFrame("p2", 0)
	b.MarkFrameFull("p2", 0)
	assertBlocked(t, done)

	b.WaitForFullFrame("c", 0)
	b.MarkFrameEmpty("c", 0)
	assert.NotNil(t, receive(t, done))
}

func TestMarkingMisuse(t *testing.T) {
	b := newBuffer(t, "net", 2, 64, nil)
	b.RegisterProducer("p")
	b.RegisterConsumer("c")

	assert.Panics(t, func() { b.MarkFrameEmpty("c", 0) }, "empty frame marked empty")
	assert.Panics(t, func() { b.MarkFrameFull("nobody", 0) })
	assert.Panics(t, func() { b.WaitForFullFrame("nobody", 0) })
	assert.Panics(t, func() { b.WaitForEmptyFrame("p", 2) })
	assert.Panics(t, func() { b.IsFrameEmpty(-1) })

	b.MarkFrameFull("p", 0)
	assert.Panics(t, func() { b.MarkFrameFull("p", 0) }, "full frame marked full")

	b.MarkFrameEmpty("c", 0)
	assert.Panics(t, func() { b.MarkFrameEmpty("c", 0) }, "double release")
}

func TestMarkFullTwiceByOneProducer(t *testing.T) {
	b := newBuffer(t, "net", 1, 64, nil)
	b.RegisterProducer("p1")
	b.RegisterProducer("p2")
	b.RegisterConsumer("c")

	b.MarkFrameFull("p1", 0)
	assert.Panics(t, func() { b.MarkFrameFull("p1", 0) })
	assert.True(t, b.IsFrameEmpty(0))
}

func TestRegistration(t *testing.T) {
	b := newBuffer(t, "net", 1, 64, nil)

	b.RegisterProducer("p")
	assert.Panics(t, func() { b.RegisterProducer("p") })
	assert.Panics(t, func() { b.RegisterConsumer("") })
	assert.Panics(t, func() { b.RegisterConsumer(string(bytes.Repeat([]byte{'a'}, MaxNameLength+1))) })

	for i := 0; i < MaxConsumers; i++ {
		b.RegisterConsumer(string(rune('a' + i)))
	}
	assert.Panics(t, func() { b.RegisterConsumer("overflow") })
	assert.Len(t, b.Consumers(), MaxConsumers)
	assert.Equal(t, []string{"p"}, b.Producers())

	b.UnregisterConsumer("c")
	assert.Equal(t, MaxConsumers-1, b.NumConsumers())
	b.RegisterConsumer("again")
	assert.Equal(t, MaxConsumers, b.NumConsumers())

	assert.Panics(t, func() { b.UnregisterProducer("missing") })
}

func TestNoConsumersDropsFrames(t *testing.T) {
	pool := metadata.NewPool("main", 2, 64)
	b := newBuffer(t, "dropped", 2, 64, pool)
	b.RegisterProducer("p")

	for i := 0; i < 5; i++ {
		id := i % 2
		require.NotNil(t, b.WaitForEmptyFrame("p", id))
		b.AllocateMetadata(id)
		b.MarkFrameFull("p", id)
		assert.Equal(t, 0, b.NumFullFrames())
		assert.Nil(t, b.MetadataContainer(id))
	}
	assert.Equal(t, 0, pool.InUse())
	assert.False(t, b.LastArrival().IsZero())
}

func TestBackpressure(t *testing.T) {
	const n = 4
	b := newBuffer(t, "ring", n, 128, nil)
	b.RegisterProducer("p")
	b.RegisterConsumer("c")

	for i := 0; i < n; i++ {
		frame := b.WaitForEmptyFrame("p", i)
		frame[0] = byte(i + 1)
		b.MarkFrameFull("p", i)
	}
	assert.Equal(t, "XXXX", b.Status())

	// The producer has wrapped around and must wait for the consumer.
	next := make(chan []byte)
	go func() { next <- b.WaitForEmptyFrame("p", 0) }()
	assertBlocked(t, next)

	frame := b.WaitForFullFrame("c", 0)
	assert.Equal(t, byte(1), frame[0])
	b.MarkFrameEmpty("c", 0)

	assert.NotNil(t, receive(t, next))
	assert.Equal(t, "_XXX", b.Status())
}

func TestStreaming(t *testing.T) {
	const (
		n      = 3
		frames = 200
	)
	b := newBuffer(t, "stream", n, 256, nil)
	b.RegisterProducer("p")
	b.RegisterConsumer("c1")
	b.RegisterConsumer("c2")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < frames; i++ {
			frame := b.WaitForEmptyFrame("p", i%n)
			frame[0] = byte(i)
			b.MarkFrameFull("p", i%n)
		}
	}()

	seen := make([][]byte, 2)
	for c, name := range []string{"c1", "c2"} {
		c, name := c, name
		go func() {
			defer wg.Done()
			for i := 0; i < frames; i++ {
				frame := b.WaitForFullFrame(name, i%n)
				seen[c] = append(seen[c], frame[0])
				b.MarkFrameEmpty(name, i%n)
			}
		}()
	}
	wg.Wait()

	for c := range seen {
		require.Len(t, seen[c], frames)
		for i, v := range seen[c] {
			assert.Equal(t, byte(i), v)
		}
	}
	assert.Equal(t, 0, b.NumFullFrames())
}

func TestSlowConsumerHoldsFrame(t *testing.T) {
	b := newBuffer(t, "ring", 1, 64, nil)
	b.RegisterProducer("p")
	b.RegisterConsumer("fast")
	b.RegisterConsumer("slow")

	b.WaitForEmptyFrame("p", 0)
	b.MarkFrameFull("p", 0)

	b.WaitForFullFrame("fast", 0)
	b.MarkFrameEmpty("fast", 0)
	assert.Equal(t, 1, b.NumFullFrames())

	// fast already released this cycle's frame.
	again := make(chan []byte)
	go func() { again <- b.WaitForFullFrame("fast", 0) }()
	assertBlocked(t, again)

	b.WaitForFullFrame("slow", 0)
	b.MarkFrameEmpty("slow", 0)
	assert.Equal(t, 0, b.NumFullFrames())

	b.WaitForEmptyFrame("p", 0)
	b.MarkFrameFull("p", 0)
	assert.NotNil(t, receive(t, again))
}

func TestShutdownWakesWaiters(t *testing.T) {
	b := newBuffer(t, "ring", 1, 64, nil)
	b.RegisterProducer("p")
	b.RegisterConsumer("c")

	b.WaitForEmptyFrame("p", 0)
	b.MarkFrameFull("p", 0)

	full := make(chan []byte)
	empty := make(chan []byte)
	go func() { empty <- b.WaitForEmptyFrame("p", 0) }()
	b.MarkFrameEmpty("c", 0)
	receive(t, empty)
	b.MarkFrameFull("p", 0)
	b.MarkFrameEmpty("c", 0)

	go func() { full <- b.WaitForFullFrame("c", 0) }()
	assertBlocked(t, full)

	b.SendShutdownSignal()
	assert.Nil(t, receive(t, full))
	assert.Nil(t, b.WaitForEmptyFrame("p", 0))
	assert.Nil(t, b.WaitForFullFrame("c", 0))
}

func TestWaitForFullFrameTimeout(t *testing.T) {
	b := newBuffer(t, "ring", 2, 64, nil)
	b.RegisterProducer("p")
	b.RegisterConsumer("c")

	start := time.Now()
	status := b.WaitForFullFrameTimeout("c", 0, start.Add(30*time.Millisecond))
	assert.Equal(t, WaitTimeout, status)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// A deadline in the past still reports a frame that is already full.
	b.MarkFrameFull("p", 1)
	assert.Equal(t, WaitOK, b.WaitForFullFrameTimeout("c", 1, time.Now().Add(-time.Second)))

	done := make(chan WaitStatus)
	go func() { done <- b.WaitForFullFrameTimeout("c", 0, time.Now().Add(time.Minute)) }()
	assertBlocked(t, done)
	b.MarkFrameFull("p", 0)
	assert.Equal(t, WaitOK, receive(t, done))

	b.SendShutdownSignal()
	assert.Equal(t, WaitShutdown, b.WaitForFullFrameTimeout("c", 0, time.Now().Add(time.Minute)))
	assert.Equal(t, "shutdown", WaitShutdown.String())
}

func TestUnregisterConsumerReleasesFrames(t *testing.T) {
	pool := metadata.NewPool("main", 4, 32)
	b := newBuffer(t, "ring", 2, 64, pool)
	b.RegisterProducer("p")
	b.RegisterConsumer("c1")
	b.RegisterConsumer("c2")

	for id := 0; id < 2; id++ {
		b.WaitForEmptyFrame("p", id)
		b.AllocateMetadata(id)
		b.MarkFrameFull("p", id)
	}
	b.MarkFrameEmpty("c1", 0)
	assert.Equal(t, 2, pool.InUse())

	// Frame 0 only waits on c2; frame 1 still waits on c1.
	b.UnregisterConsumer("c2")
	assert.Equal(t, "_X", b.Status())
	assert.Equal(t, 1, pool.InUse())

	b.MarkFrameEmpty("c1", 1)
	assert.Equal(t, "__", b.Status())
	assert.Equal(t, 0, pool.InUse())
}

func TestUnregisterProducerCompletesFrames(t *testing.T) {
	b := newBuffer(t, "ring", 2, 64, nil)
	b.RegisterProducer("p1")
	b.RegisterProducer("p2")
	b.RegisterConsumer("c")

	b.MarkFrameFull("p1", 0)
	assert.Equal(t, "__", b.Status())

	full := make(chan []byte)
	go func() { full <- b.WaitForFullFrame("c", 0) }()
	assertBlocked(t, full)

	b.UnregisterProducer("p2")
	assert.NotNil(t, receive(t, full))
	assert.Equal(t, "X_", b.Status(), "untouched frames stay empty")
}

func TestZeroFrames(t *testing.T) {
	s := scrub.New(scrub.Config{Workers: 2, CPU: -1})
	s.Start()
	defer s.Stop()

	b, err := New(Config{Name: "zeroed", NumFrames: 2, FrameSize: 1000, NumaNode: -1, Scrubber: s})
	require.NoError(t, err)
	defer func() { assert.NoError(t, b.Close()) }()
	b.RegisterProducer("p")
	b.RegisterConsumer("c")
	b.ZeroFrames(true)

	frame := b.WaitForEmptyFrame("p", 0)
	for i := range frame {
		frame[i] = 0xff
	}
	b.MarkFrameFull("p", 0)
	b.WaitForFullFrame("c", 0)
	b.MarkFrameEmpty("c", 0)

	// The producer gets the frame back only once it has been cleared.
	frame = b.WaitForEmptyFrame("p", 0)
	assert.Equal(t, make([]byte, 1000), frame)
	s.Wait()
	assert.Equal(t, 0, b.Stats().Scrubbing)

	b.ZeroFrames(false)
	frame[0] = 7
	b.MarkFrameFull("p", 0)
	b.MarkFrameEmpty("c", 0)
	assert.Equal(t, byte(7), b.WaitForEmptyFrame("p", 0)[0])
}

func TestZeroFramesReleasesMetadataOnce(t *testing.T) {
	s := scrub.New(scrub.Config{Workers: 1, CPU: -1})
	s.Start()
	defer s.Stop()

	pool := metadata.NewPool("zeroed_meta", 2, metadata.StreamSize)
	b, err := New(Config{Name: "zeroed", NumFrames: 2, FrameSize: 256, NumaNode: -1, Pool: pool, Scrubber: s})
	require.NoError(t, err)
	defer func() { assert.NoError(t, b.Close()) }()
	b.RegisterProducer("p")
	b.RegisterConsumer("c1")
	b.RegisterConsumer("c2")
	b.ZeroFrames(true)

	for id := 0; id < 2; id++ {
		b.WaitForEmptyFrame("p", id)
		b.AllocateMetadata(id)
		b.MarkFrameFull("p", id)
	}
	assert.Equal(t, 2, pool.InUse())

	// Frame 0 is released by the last consumer marking it empty.
	b.WaitForFullFrame("c1", 0)
	b.MarkFrameEmpty("c1", 0)
	b.WaitForFullFrame("c2", 0)
	b.MarkFrameEmpty("c2", 0)

	// Frame 1 is released when its remaining consumer leaves.
	b.WaitForFullFrame("c1", 1)
	b.MarkFrameEmpty("c1", 1)
	b.UnregisterConsumer("c2")

	s.Wait()
	assert.Equal(t, 0, pool.InUse())
	assert.Equal(t, 0, b.Stats().Scrubbing)
	for id := 0; id < 2; id++ {
		assert.True(t, b.IsFrameEmpty(id))
		assert.Nil(t, b.MetadataContainer(id))
	}

	// Both containers went back to the pool exactly once.
	b.WaitForEmptyFrame("p", 0)
	b.AllocateMetadata(0)
	b.WaitForEmptyFrame("p", 1)
	b.AllocateMetadata(1)
	assert.Equal(t, 2, pool.InUse())
	b.MarkFrameFull("p", 0)
	b.MarkFrameFull("p", 1)
	b.MarkFrameEmpty("c1", 0)
	b.MarkFrameEmpty("c1", 1)
	s.Wait()
	assert.Equal(t, 0, pool.InUse())
}

func TestCloseRefusesBusyBuffer(t *testing.T) {
	b, err := New(Config{Name: "busy", NumFrames: 1, FrameSize: 64, NumaNode: -1})
	require.NoError(t, err)
	b.RegisterConsumer("c")

	done := make(chan []byte)
	go func() { done <- b.WaitForFullFrame("c", 0) }()
	assertBlocked(t, done)
	assert.Panics(t, func() { b.Close() })

	b.SendShutdownSignal()
	receive(t, done)
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}

func TestStatus(t *testing.T) {
	b := newBuffer(t, "gpu_input", 4, 64, nil)
	b.RegisterProducer("dpdk")
	b.RegisterConsumer("gpu")
	b.RegisterConsumer("monitor")

	b.WaitForEmptyFrame("dpdk", 0)
	b.MarkFrameFull("dpdk", 0)
	b.WaitForEmptyFrame("dpdk", 1)
	b.MarkFrameFull("dpdk", 1)
	b.WaitForFullFrame("gpu", 0)
	b.MarkFrameEmpty("gpu", 0)

	assert.Equal(t, "XX__", b.Status())
	lines := []string{
		"--------------------- gpu_input ---------------------",
		"Full Frames (X)                : XX__",
		"---- Producers ----",
		"dpdk                           : ____ (1, 1)",
		"---- Consumers ----",
		"gpu                            : =___ (0, 0)",
		"monitor                        : ____ (-1, -1)",
		"",
	}
	assert.Equal(t, joinLines(lines), b.FullStatus())

	st := b.Stats()
	assert.Equal(t, Stats{
		Name: "gpu_input", NumFrames: 4, FullFrames: 2, Producers: 1, Consumers: 2,
		LastArrival: b.LastArrival(),
	}, st)

	b.PrintBufferStatus()
	b.PrintFullStatus()
}

func joinLines(lines []string) string {
	var sb bytes.Buffer
	for i, l := range lines {
		sb.WriteString(l)
		if i < len(lines)-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
