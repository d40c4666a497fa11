package buffer

import (
	"fmt"
	"math/bits"
	"strings"
	"time"
)

// Status returns one character per frame: X for full, _ for empty.
func (b *Buffer) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

func (b *Buffer) statusLocked() string {
	var sb strings.Builder
	sb.Grow(b.numFrames)
	for i := range b.slots {
		if b.slots[i].full {
			sb.WriteByte('X')
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// FullStatus renders the frame states and, for every registered role, which
// frames it is done with in the current cycle. Producers are marked with +,
// consumers with =. The two numbers after each role are the last frame it
// acquired and the last it released.
func (b *Buffer) FullStatus() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "--------------------- %s ---------------------\n", b.name)
	fmt.Fprintf(&sb, "%-30s : %s\n", "Full Frames (X)", b.statusLocked())

	sb.WriteString("---- Producers ----\n")
	for i := range b.producers {
		p := &b.producers[i]
		if !p.inUse {
			continue
		}
		marks := b.roleMarks(func(s *slot) bool { return s.producersDone&(1<<uint(i)) != 0 }, '+')
		fmt.Fprintf(&sb, "%-30s : %s (%d, %d)\n", p.name, marks, p.lastAcquired, p.lastReleased)
	}

	sb.WriteString("---- Consumers ----\n")
	for i := range b.consumers {
		c := &b.consumers[i]
		if !c.inUse {
			continue
		}
		marks := b.roleMarks(func(s *slot) bool { return s.consumersDone&(1<<uint(i)) != 0 }, '=')
		fmt.Fprintf(&sb, "%-30s : %s (%d, %d)\n", c.name, marks, c.lastAcquired, c.lastReleased)
	}
	return sb.String()
}

func (b *Buffer) roleMarks(done func(*slot) bool, mark byte) string {
	out := make([]byte, len(b.slots))
	for i := range b.slots {
		if done(&b.slots[i]) {
			out[i] = mark
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}

// PrintBufferStatus logs the one-line frame status.
func (b *Buffer) PrintBufferStatus() {
	log.Info("Buffer %s, status: %s", b.name, b.Status())
}

// PrintFullStatus logs FullStatus line by line.
func (b *Buffer) PrintFullStatus() {
	for _, line := range strings.Split(strings.TrimSuffix(b.FullStatus(), "\n"), "\n") {
		log.Info("%s", line)
	}
}

// Stats is a point-in-time snapshot of a buffer, used for metrics export.
type Stats struct {
	Name        string
	Type        string
	NumFrames   int
	FullFrames  int
	Producers   int
	Consumers   int
	Scrubbing   int
	LastArrival time.Time
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{
		Name:        b.name,
		Type:        b.typ,
		NumFrames:   b.numFrames,
		Producers:   bits.OnesCount16(b.producerMask),
		Consumers:   bits.OnesCount16(b.consumerMask),
		Scrubbing:   b.scrubbing,
		LastArrival: b.lastArrival,
	}
	for i := range b.slots {
		if b.slots[i].full {
			st.FullFrames++
		}
	}
	return st
}

// Producers returns the names of the registered producers.
func (b *Buffer) Producers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return roleNames(b.producers[:])
}

// Consumers returns the names of the registered consumers.
func (b *Buffer) Consumers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return roleNames(b.consumers[:])
}

func roleNames(roles []role) []string {
	var names []string
	for i := range roles {
		if roles[i].inUse {
			names = append(names, roles[i].name)
		}
	}
	return names
}
