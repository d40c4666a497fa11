package buffer

import "github.com/lanikai/framering/internal/metadata"

// AllocateMetadata attaches a fresh container from the buffer's pool to
// frame id, unless one is already attached.
func (b *Buffer) AllocateMetadata(id int) {
	b.checkID(id)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pool == nil {
		log.Panicf("No metadata pool on %s but metadata was needed by a producer", b.name)
	}
	if b.slots[id].meta == nil {
		b.slots[id].meta = b.pool.Request()
	}
}

// Metadata returns the payload attached to frame id. The frame must have
// metadata.
func (b *Buffer) Metadata(id int) []byte {
	b.checkID(id)

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.slots[id].meta
	if c == nil {
		log.Panicf("No metadata attached to frame %s[%d]", b.name, id)
	}
	return c.Bytes()
}

// MetadataContainer returns the container attached to frame id, or nil.
func (b *Buffer) MetadataContainer(id int) *metadata.Container {
	b.checkID(id)

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slots[id].meta
}

// Caller holds b.mu.
func (b *Buffer) dropMetadataLocked(id int) {
	if c := b.slots[id].meta; c != nil {
		b.slots[id].meta = nil
		c.Release()
	}
}

// PassMetadata makes frame toID of to share the metadata container of frame
// fromID of from. The container gains a reference; nothing is copied.
func PassMetadata(from *Buffer, fromID int, to *Buffer, toID int) {
	from.checkID(fromID)
	to.checkID(toID)

	unlock := lockPair(from, to)
	defer unlock()

	c := from.slots[fromID].meta
	if c == nil {
		log.Warn("No metadata in source buffer %s[%d], was this intended?", from.name, fromID)
		return
	}

	dst := &to.slots[toID]
	switch dst.meta {
	case nil:
		dst.meta = c
		c.Hold()
	case c:
		// Already passed.
	default:
		log.Panicf("Buffer %s[%d] already holds different metadata than %s[%d]",
			to.name, toID, from.name, fromID)
	}
}

// CopyMetadata copies the payload of frame fromID's metadata into the
// metadata already attached to frame toID. Both frames must have metadata of
// the same size; otherwise nothing happens.
func CopyMetadata(from *Buffer, fromID int, to *Buffer, toID int) {
	from.checkID(fromID)
	to.checkID(toID)

	unlock := lockPair(from, to)
	defer unlock()

	src, dst := from.slots[fromID].meta, to.slots[toID].meta
	switch {
	case src == nil:
		log.Warn("No metadata in source buffer %s[%d], was this intended?", from.name, fromID)
	case dst == nil:
		log.Warn("No metadata in dest buffer %s[%d], was this intended?", to.name, toID)
	case src.Size() != dst.Size():
		log.Warn("Metadata sizes don't match (%s[%d] %d bytes, %s[%d] %d bytes), cannot copy metadata",
			from.name, fromID, src.Size(), to.name, toID, dst.Size())
	case src != dst:
		copy(dst.Bytes(), src.Bytes())
	}
}
