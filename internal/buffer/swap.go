package buffer

import "math/bits"

// Lock two buffers in a fixed order. a and b may be the same buffer.
func lockPair(a, b *Buffer) (unlock func()) {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if second.seq < first.seq {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// SwapExternalFrame replaces the memory backing frame id with frame and
// returns the previous memory, which now belongs to the caller. Only valid on
// buffers with a single producer, which must own the slot.
func (b *Buffer) SwapExternalFrame(id int, frame []byte) []byte {
	b.checkID(id)

	b.mu.Lock()
	defer b.mu.Unlock()

	if n := bits.OnesCount16(b.producerMask); n != 1 {
		log.Panicf("Cannot swap an external frame into %s with %d producers", b.name, n)
	}
	if len(frame) < b.frameSize {
		log.Panicf("External frame of %d bytes is too small for %s (frame size %d)", len(frame), b.name, b.frameSize)
	}

	old := b.frames[id]
	b.frames[id] = frame
	return old
}

// SwapFrames exchanges the memory behind two frames of different buffers.
// The source must have exactly one consumer and the destination exactly one
// producer, so no other stage can observe the exchange.
func SwapFrames(from *Buffer, fromID int, to *Buffer, toID int) {
	if from == to {
		log.Panicf("Cannot swap frames within a single buffer (%s)", from.name)
	}
	from.checkID(fromID)
	to.checkID(toID)
	if from.alignedFrameSize != to.alignedFrameSize {
		log.Panicf("Cannot swap frames between %s and %s, aligned frame sizes differ (%d != %d)",
			from.name, to.name, from.alignedFrameSize, to.alignedFrameSize)
	}

	unlock := lockPair(from, to)
	defer unlock()

	if n := bits.OnesCount16(from.consumerMask); n != 1 {
		log.Panicf("Cannot swap frames out of %s with %d consumers", from.name, n)
	}
	if n := bits.OnesCount16(to.producerMask); n != 1 {
		log.Panicf("Cannot swap frames into %s with %d producers", to.name, n)
	}

	// External frames are not page-rounded, so check the memory itself.
	if cap(from.frames[fromID]) < to.frameSize || cap(to.frames[toID]) < from.frameSize {
		log.Panicf("Cannot swap frames between %s[%d] and %s[%d], backing memory too small",
			from.name, fromID, to.name, toID)
	}

	from.frames[fromID], to.frames[toID] = to.frames[toID], from.frames[fromID]
}

// SafeSwapFrame moves the contents of src[srcID] into dst[dstID]. If src has a
// single consumer the memory is swapped; with more consumers the data is
// copied so the others still see it.
func SafeSwapFrame(src *Buffer, srcID int, dst *Buffer, dstID int) {
	if src == dst {
		log.Panicf("Cannot swap frames within a single buffer (%s)", src.name)
	}
	src.checkID(srcID)
	dst.checkID(dstID)
	if src.frameSize != dst.frameSize {
		log.Panicf("Buffer sizes must match for direct copy (%s.frame_size %d != %s.frame_size %d)",
			src.name, src.frameSize, dst.name, dst.frameSize)
	}

	unlock := lockPair(src, dst)
	defer unlock()

	if n := bits.OnesCount16(dst.producerMask); n > 1 {
		log.Panicf("Cannot swap/copy frames into dest buffer %s with %d producers", dst.name, n)
	}

	switch n := bits.OnesCount16(src.consumerMask); {
	case n == 1:
		src.frames[srcID], dst.frames[dstID] = dst.frames[dstID], src.frames[srcID]
	case n > 1:
		copy(dst.frames[dstID][:dst.frameSize], src.frames[srcID][:src.frameSize])
	}
}
