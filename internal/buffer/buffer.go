// Package buffer implements the ring of fixed-size frames that pipeline
// stages share.
//
// A Buffer owns N frames. Each frame slot cycles between empty and full:
// every registered producer waits for the slot to be empty, writes into it
// and marks it full; once all producers are done the slot becomes full and
// every registered consumer may read it. Once all consumers have marked it
// empty it is free to be written again. Frame memory is never copied by the
// buffer itself; stages read and write the slices they are handed in place.
//
// Misuse (marking a frame twice, unknown role names, too many roles, swaps
// between mismatched buffers) is a programming error and panics.
package buffer

import (
	"math/bits"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/framering/internal/logging"
	"github.com/lanikai/framering/internal/memory"
	"github.com/lanikai/framering/internal/metadata"
	"github.com/lanikai/framering/internal/scrub"
)

var log = logging.DefaultLogger.WithTag("buffer")

const (
	// Maximum number of producers that can register on one buffer.
	MaxProducers = 10

	// Maximum number of consumers that can register on one buffer.
	MaxConsumers = 10

	// Maximum length of a producer or consumer name.
	MaxNameLength = 128
)

// Config describes a buffer to create.
type Config struct {
	Name string

	// Free-form classification shown in diagnostics, e.g. "standard" or "vis".
	Type string

	NumFrames int
	FrameSize int

	// NUMA node to place frame memory on, or -1 for no preference.
	NumaNode int

	// Source of metadata containers. May be nil if no stage attaches
	// metadata to this buffer's frames.
	Pool *metadata.Pool

	// Runs zero-on-release jobs. If nil and zeroing is enabled, the shared
	// default scrubber is used.
	Scrubber *scrub.Scrubber
}

// A registered producer or consumer.
type role struct {
	inUse bool
	name  string

	// -1 until the first frame is acquired/released.
	lastAcquired int
	lastReleased int
}

type slot struct {
	full bool

	// Set while the scrubber owns the frame memory. The slot stays full
	// until the scrub finishes.
	scrubbing bool

	// Bit i is set once producers[i] (consumers[i]) is done with the
	// frame in the current cycle.
	producersDone uint16
	consumersDone uint16

	meta *metadata.Container
}

type Buffer struct {
	name             string
	typ              string
	numFrames        int
	frameSize        int
	alignedFrameSize int
	pool             *metadata.Pool

	// Orders the locks of two buffers taken together.
	seq uint64

	mu        sync.Mutex
	fullCond  *sync.Cond // a slot became full
	emptyCond *sync.Cond // a slot became empty

	shutdown    bool
	closed      bool
	zeroFrames  bool
	scrubber    *scrub.Scrubber
	scrubbing   int
	waiters     int
	lastArrival time.Time

	frames [][]byte
	slots  []slot

	producers    [MaxProducers]role
	consumers    [MaxConsumers]role
	producerMask uint16
	consumerMask uint16
}

var (
	seqMu   sync.Mutex
	nextSeq uint64
)

// Frame allocator. Replaced in tests.
var alloc = memory.Alloc

// New allocates every frame of the buffer up front. All frames start empty
// and zeroed.
func New(cfg Config) (*Buffer, error) {
	if cfg.Name == "" {
		return nil, errNoName
	}
	if cfg.NumFrames <= 0 {
		return nil, errors.Wrapf(errNumFrames, "buffer %s", cfg.Name)
	}
	if cfg.FrameSize <= 0 {
		return nil, errors.Wrapf(errFrameSize, "buffer %s", cfg.Name)
	}

	seqMu.Lock()
	nextSeq++
	seq := nextSeq
	seqMu.Unlock()

	b := &Buffer{
		name:             cfg.Name,
		typ:              cfg.Type,
		numFrames:        cfg.NumFrames,
		frameSize:        cfg.FrameSize,
		alignedFrameSize: memory.AlignedSize(cfg.FrameSize),
		pool:             cfg.Pool,
		seq:              seq,
		scrubber:         cfg.Scrubber,
		frames:           make([][]byte, cfg.NumFrames),
		slots:            make([]slot, cfg.NumFrames),
	}
	b.fullCond = sync.NewCond(&b.mu)
	b.emptyCond = sync.NewCond(&b.mu)

	for i := range b.frames {
		frame, err := alloc(cfg.FrameSize, cfg.NumaNode)
		if err != nil {
			for j, f := range b.frames[:i] {
				if ferr := memory.Free(f); ferr != nil {
					log.Warn("Buffer %s: freeing frame %d after failed allocation: %v", cfg.Name, j, ferr)
				}
			}
			return nil, errors.Wrapf(err, "buffer %s: frame %d", cfg.Name, i)
		}
		b.frames[i] = frame
	}

	log.Debug("Created buffer %s (%s): %d frames of %d bytes (%d aligned), numa node %d",
		b.name, b.typ, b.numFrames, b.frameSize, b.alignedFrameSize, cfg.NumaNode)
	return b, nil
}

// Close frees all frame memory and drops any metadata still attached. The
// buffer must be quiescent: no goroutine waiting on it and no frame being
// scrubbed. Frames swapped in from outside are left to their owner.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	if b.scrubbing > 0 {
		log.Panicf("Buffer %s closed with %d frames still being zeroed", b.name, b.scrubbing)
	}
	if b.waiters > 0 {
		log.Panicf("Buffer %s closed with %d goroutines waiting on it", b.name, b.waiters)
	}
	b.closed = true
	b.shutdown = true

	var firstErr error
	for i := range b.slots {
		b.dropMetadataLocked(i)
		switch err := memory.Free(b.frames[i]); err {
		case nil:
		case memory.ErrNotOwned:
			log.Debug("Buffer %s[%d] holds an external frame, not freeing it", b.name, i)
		default:
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "buffer %s: freeing frame %d", b.name, i)
			}
		}
		b.frames[i] = nil
	}
	return firstErr
}

func (b *Buffer) checkID(id int) {
	if id < 0 || id >= b.numFrames {
		log.Panicf("Frame id %d out of range for buffer %s with %d frames", id, b.name, b.numFrames)
	}
}

func checkName(name string) {
	if name == "" || len(name) > MaxNameLength {
		log.Panicf("Invalid producer/consumer name %q (must be 1-%d bytes)", name, MaxNameLength)
	}
}

// Caller holds b.mu. Returns -1 if no producer has that name.
func (b *Buffer) producerID(name string) int {
	for i := range b.producers {
		if b.producers[i].inUse && b.producers[i].name == name {
			return i
		}
	}
	return -1
}

func (b *Buffer) consumerID(name string) int {
	for i := range b.consumers {
		if b.consumers[i].inUse && b.consumers[i].name == name {
			return i
		}
	}
	return -1
}

func (b *Buffer) mustProducerID(name string) int {
	id := b.producerID(name)
	if id == -1 {
		log.Panicf("The producer %s hasn't been registered on buffer %s", name, b.name)
	}
	return id
}

func (b *Buffer) mustConsumerID(name string) int {
	id := b.consumerID(name)
	if id == -1 {
		log.Panicf("The consumer %s hasn't been registered on buffer %s", name, b.name)
	}
	return id
}

func register(roles []role, name string) (int, bool) {
	for i := range roles {
		if !roles[i].inUse {
			roles[i] = role{inUse: true, name: name, lastAcquired: -1, lastReleased: -1}
			return i, true
		}
	}
	return -1, false
}

// RegisterProducer adds a named producer. Every producer must mark a frame
// full before it becomes full.
func (b *Buffer) RegisterProducer(name string) {
	checkName(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	log.Debug("Buffer %s: registering producer %s", b.name, name)
	if b.producerID(name) != -1 {
		log.Panicf("Buffer %s: you cannot register two producers with the same name (%s)", b.name, name)
	}
	i, ok := register(b.producers[:], name)
	if !ok {
		log.Panicf("Buffer %s: no free slot for producer %s, raise MaxProducers", b.name, name)
	}
	b.producerMask |= 1 << uint(i)
}

// RegisterConsumer adds a named consumer. Every consumer must mark a frame
// empty before it can be reused.
func (b *Buffer) RegisterConsumer(name string) {
	checkName(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	log.Debug("Buffer %s: registering consumer %s", b.name, name)
	if b.consumerID(name) != -1 {
		log.Panicf("Buffer %s: you cannot register two consumers with the same name (%s)", b.name, name)
	}
	i, ok := register(b.consumers[:], name)
	if !ok {
		log.Panicf("Buffer %s: no free slot for consumer %s, raise MaxConsumers", b.name, name)
	}
	b.consumerMask |= 1 << uint(i)
}

// UnregisterConsumer removes a consumer. Full frames that were only waiting
// on it are released.
func (b *Buffer) UnregisterConsumer(name string) {
	broadcast := func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()

		log.Debug("Buffer %s: unregistering consumer %s", b.name, name)
		cid := b.mustConsumerID(name)
		bit := uint16(1) << uint(cid)
		b.consumers[cid] = role{}
		b.consumerMask &^= bit

		released := false
		for id := range b.slots {
			s := &b.slots[id]
			s.consumersDone &^= bit
			if s.full && !s.scrubbing && s.consumersDone&b.consumerMask == b.consumerMask {
				released = b.releaseLocked(id) || released
			}
		}
		return released
	}()

	if broadcast {
		b.emptyCond.Broadcast()
	}
}

// UnregisterProducer removes a producer. Frames that were only waiting on it
// become full.
func (b *Buffer) UnregisterProducer(name string) {
	setFull, setEmpty := func() (setFull, setEmpty bool) {
		b.mu.Lock()
		defer b.mu.Unlock()

		log.Debug("Buffer %s: unregistering producer %s", b.name, name)
		pid := b.mustProducerID(name)
		bit := uint16(1) << uint(pid)
		b.producers[pid] = role{}
		b.producerMask &^= bit

		for id := range b.slots {
			s := &b.slots[id]
			s.producersDone &^= bit
			if !s.full && s.producersDone != 0 && s.producersDone&b.producerMask == b.producerMask {
				f, e := b.completeLocked(id)
				setFull, setEmpty = setFull || f, setEmpty || e
			}
		}
		return
	}()

	if setFull {
		b.fullCond.Broadcast()
	}
	if setEmpty {
		b.emptyCond.Broadcast()
	}
}

// WaitForEmptyFrame blocks until frame id is empty and this producer has not
// already filled it in the current cycle. It returns the frame to write
// into, or nil if the buffer was shut down.
func (b *Buffer) WaitForEmptyFrame(producer string, id int) []byte {
	b.checkID(id)

	b.mu.Lock()
	defer b.mu.Unlock()

	pid := b.mustProducerID(producer)
	bit := uint16(1) << uint(pid)

	b.waiters++
	for (b.slots[id].full || b.slots[id].producersDone&bit != 0) && !b.shutdown {
		log.Trace(5, "%s waiting for empty frame %s[%d]", producer, b.name, id)
		b.emptyCond.Wait()
	}
	b.waiters--

	if b.shutdown {
		return nil
	}
	b.producers[pid].lastAcquired = id
	return b.frameLocked(id)
}

// MarkFrameFull records that producer has finished writing frame id. The
// last producer to do so makes the frame full and wakes the consumers.
func (b *Buffer) MarkFrameFull(producer string, id int) {
	b.checkID(id)

	setFull, setEmpty := func() (bool, bool) {
		b.mu.Lock()
		defer b.mu.Unlock()

		pid := b.mustProducerID(producer)
		bit := uint16(1) << uint(pid)
		s := &b.slots[id]
		if s.full {
			log.Panicf("Producer %s marked frame %s[%d] full, but it is already full", producer, b.name, id)
		}
		if s.producersDone&bit != 0 {
			log.Panicf("Producer %s marked frame %s[%d] full twice", producer, b.name, id)
		}
		s.producersDone |= bit
		b.producers[pid].lastReleased = id

		if s.producersDone&b.producerMask != b.producerMask {
			return false, false
		}
		return b.completeLocked(id)
	}()

	if setFull {
		b.fullCond.Broadcast()
	}
	if setEmpty {
		b.emptyCond.Broadcast()
	}
}

// Transition slot id to full. With no consumers registered the data is
// dropped and the slot goes straight back to empty. Caller holds b.mu.
func (b *Buffer) completeLocked(id int) (setFull, setEmpty bool) {
	s := &b.slots[id]
	s.producersDone = 0
	s.full = true
	b.lastArrival = time.Now()

	if b.consumerMask == 0 {
		log.Debug("No consumers are registered on %s, dropping data in frame %d", b.name, id)
		s.full = false
		s.consumersDone = 0
		b.dropMetadataLocked(id)
		return true, true
	}
	return true, false
}

// WaitForFullFrame blocks until frame id is full and this consumer has not
// yet released it in the current cycle. It returns the frame to read, or nil
// if the buffer was shut down.
func (b *Buffer) WaitForFullFrame(consumer string, id int) []byte {
	b.checkID(id)

	b.mu.Lock()
	defer b.mu.Unlock()

	cid := b.mustConsumerID(consumer)
	bit := uint16(1) << uint(cid)

	b.waiters++
	for (!b.slots[id].full || b.slots[id].consumersDone&bit != 0) && !b.shutdown {
		b.fullCond.Wait()
	}
	b.waiters--

	if b.shutdown {
		return nil
	}
	b.consumers[cid].lastAcquired = id
	return b.frameLocked(id)
}

// WaitStatus is the outcome of WaitForFullFrameTimeout.
type WaitStatus int

const (
	WaitOK WaitStatus = iota
	WaitTimeout
	WaitShutdown
)

func (s WaitStatus) String() string {
	switch s {
	case WaitOK:
		return "ok"
	case WaitTimeout:
		return "timeout"
	case WaitShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// WaitForFullFrameTimeout is WaitForFullFrame with a deadline. On WaitOK the
// frame is available through Frame(id).
func (b *Buffer) WaitForFullFrameTimeout(consumer string, id int, deadline time.Time) WaitStatus {
	b.checkID(id)

	// sync.Cond has no timed wait, so wake everyone at the deadline and let
	// each waiter recheck its own.
	timer := time.AfterFunc(time.Until(deadline), func() {
		b.mu.Lock()
		b.fullCond.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	cid := b.mustConsumerID(consumer)
	bit := uint16(1) << uint(cid)

	timedOut := false
	b.waiters++
	for (!b.slots[id].full || b.slots[id].consumersDone&bit != 0) && !b.shutdown {
		if !time.Now().Before(deadline) {
			timedOut = true
			break
		}
		b.fullCond.Wait()
	}
	b.waiters--

	switch {
	case b.shutdown:
		return WaitShutdown
	case timedOut:
		return WaitTimeout
	}
	b.consumers[cid].lastAcquired = id
	return WaitOK
}

// MarkFrameEmpty records that consumer has finished reading frame id. The
// last consumer to do so releases the frame: its metadata reference is
// dropped and it becomes available to producers, after being zeroed if
// zeroing is enabled.
func (b *Buffer) MarkFrameEmpty(consumer string, id int) {
	b.checkID(id)

	broadcast := func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()

		cid := b.mustConsumerID(consumer)
		bit := uint16(1) << uint(cid)
		s := &b.slots[id]
		if !s.full {
			log.Panicf("Consumer %s marked frame %s[%d] empty, but it is not full", consumer, b.name, id)
		}
		if s.consumersDone&bit != 0 {
			log.Panicf("Consumer %s marked frame %s[%d] empty twice", consumer, b.name, id)
		}
		s.consumersDone |= bit
		b.consumers[cid].lastReleased = id

		if s.consumersDone&b.consumerMask != b.consumerMask {
			return false
		}
		return b.releaseLocked(id)
	}()

	if broadcast {
		b.emptyCond.Broadcast()
	}
}

// Release a frame every consumer is done with. Returns true if the slot is
// empty now, false if it was handed to the scrubber, which will empty it and
// wake producers itself. Caller holds b.mu.
func (b *Buffer) releaseLocked(id int) bool {
	if b.zeroFrames {
		b.slots[id].scrubbing = true
		b.scrubbing++
		b.scrubber.Submit(scrub.Job{
			Frame: b.frameLocked(id),
			Size:  b.frameSize,
			Done:  func() { b.finishScrub(id) },
		})
		return false
	}

	s := &b.slots[id]
	s.full = false
	s.consumersDone = 0
	b.dropMetadataLocked(id)
	return true
}

func (b *Buffer) finishScrub(id int) {
	b.mu.Lock()
	s := &b.slots[id]
	s.full = false
	s.scrubbing = false
	s.consumersDone = 0
	b.dropMetadataLocked(id)
	b.scrubbing--
	b.mu.Unlock()

	b.emptyCond.Broadcast()
}

// ZeroFrames turns zero-on-release on or off. While on, every released frame
// is cleared before producers can acquire it again.
func (b *Buffer) ZeroFrames(enable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.zeroFrames = enable
	if enable && b.scrubber == nil {
		b.scrubber = scrub.Default()
	}
}

// SendShutdownSignal wakes every goroutine waiting on the buffer. They, and
// all later waits, return nil (or WaitShutdown).
func (b *Buffer) SendShutdownSignal() {
	b.mu.Lock()
	b.shutdown = true
	b.mu.Unlock()

	b.emptyCond.Broadcast()
	b.fullCond.Broadcast()
}

// Memory swapped in from another buffer keeps its own length, so always cut
// it to this buffer's frame size. Caller holds b.mu.
func (b *Buffer) frameLocked(id int) []byte {
	return b.frames[id][:b.frameSize]
}

// Frame returns the memory currently backing slot id.
func (b *Buffer) Frame(id int) []byte {
	b.checkID(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frameLocked(id)
}

func (b *Buffer) Name() string {
	return b.name
}

func (b *Buffer) Type() string {
	return b.typ
}

func (b *Buffer) NumFrames() int {
	return b.numFrames
}

// FrameSize returns the usable size of each frame in bytes.
func (b *Buffer) FrameSize() int {
	return b.frameSize
}

// AlignedFrameSize returns the frame size rounded up to whole pages, which is
// how much memory backs each frame.
func (b *Buffer) AlignedFrameSize() int {
	return b.alignedFrameSize
}

func (b *Buffer) MetadataPool() *metadata.Pool {
	return b.pool
}

func (b *Buffer) NumProducers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bits.OnesCount16(b.producerMask)
}

func (b *Buffer) NumConsumers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bits.OnesCount16(b.consumerMask)
}

func (b *Buffer) NumFullFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for i := range b.slots {
		if b.slots[i].full {
			n++
		}
	}
	return n
}

func (b *Buffer) IsFrameEmpty(id int) bool {
	b.checkID(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.slots[id].full
}

// LastArrival returns when a frame last became full. Zero if none has.
func (b *Buffer) LastArrival() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastArrival
}
