// Package frameid provides the cyclic slot index stages use to walk a ring
// buffer's frames in order.
package frameid

import "fmt"

// ID is a position in a ring of n frames. It remembers how many times it has
// wrapped so callers can recover a monotonically increasing sequence number.
type ID struct {
	n     int
	index int
	turns uint64
}

func New(numFrames int) ID {
	if numFrames <= 0 {
		panic(fmt.Sprintf("frameid: ring size must be positive, got %d", numFrames))
	}
	return ID{n: numFrames}
}

// Int returns the current slot index, in [0, n).
func (id ID) Int() int {
	return id.index
}

// Next advances to the following slot, wrapping at the end of the ring.
func (id *ID) Next() {
	id.Add(1)
}

// Add advances by k slots. k may not be negative.
func (id *ID) Add(k int) {
	if k < 0 {
		panic("frameid: cannot move backwards")
	}
	pos := id.index + k
	id.turns += uint64(pos / id.n)
	id.index = pos % id.n
}

// Turns returns the number of completed passes around the ring.
func (id ID) Turns() uint64 {
	return id.turns
}

// Seq returns turns*n + index.
func (id ID) Seq() uint64 {
	return id.turns*uint64(id.n) + uint64(id.index)
}

func (id ID) Size() int {
	return id.n
}

func (id ID) String() string {
	return fmt.Sprintf("%d/%d", id.index, id.n)
}
