// Package memory allocates frame memory for ring buffers: page aligned,
// optionally locked into RAM and bound to a NUMA node.
package memory

import (
	"os"
	"sync"
	"unsafe"

	"github.com/lanikai/framering/internal/logging"
	"go.uber.org/atomic"
	errors "golang.org/x/xerrors"
)

var log = logging.DefaultLogger.WithTag("memory")

// Disabled by FRAMERING_NO_MEMLOCK, for hosts with a small memlock ulimit.
var lockMemory = atomic.NewBool(os.Getenv("FRAMERING_NO_MEMLOCK") == "")

// SetLockMemory controls whether Alloc pins new frames into RAM.
func SetLockMemory(enabled bool) {
	lockMemory.Store(enabled)
}

// Every live allocation, keyed by the address of its first byte. Frames move
// between buffers when swapped, so ownership can't be tracked per buffer.
var (
	mu        sync.Mutex
	allocated = map[uintptr]int{}
)

// PageSize returns the system memory page size.
func PageSize() int {
	return os.Getpagesize()
}

// AlignedSize rounds n up to a whole number of pages.
func AlignedSize(n int) int {
	ps := PageSize()
	return (n + ps - 1) / ps * ps
}

// Alloc returns size bytes of zeroed, page-aligned memory. If numaNode is
// non-negative the pages are bound to that node. The returned slice has
// length size; its capacity is the page-rounded mapping.
func Alloc(size, numaNode int) ([]byte, error) {
	if size <= 0 {
		return nil, errInvalidSize
	}

	mem, err := mapPages(AlignedSize(size))
	if err != nil {
		return nil, errors.Errorf("allocating %d bytes: %w", size, err)
	}

	if numaNode >= 0 {
		if err := bindNode(mem, numaNode); err != nil {
			// Hosts without NUMA support reject the policy; the memory is
			// still usable.
			log.Warn("Could not bind %d bytes to NUMA node %d: %v", len(mem), numaNode, err)
		}
	}

	if lockMemory.Load() {
		if err := lockPages(mem); err != nil {
			unmapPages(mem)
			return nil, errors.Errorf("locking %d bytes (check the memlock limit with ulimit -l): %w", len(mem), err)
		}
	}

	mu.Lock()
	allocated[addr(mem)] = len(mem)
	mu.Unlock()

	return mem[:size], nil
}

// Free releases memory returned by Alloc. Memory from anywhere else is left
// untouched and ErrNotOwned is returned.
func Free(frame []byte) error {
	if cap(frame) == 0 {
		return nil
	}
	frame = frame[:cap(frame)]
	a := addr(frame)

	mu.Lock()
	n, ok := allocated[a]
	if ok {
		delete(allocated, a)
	}
	mu.Unlock()

	if !ok {
		return ErrNotOwned
	}
	return unmapPages(frame[:n])
}

// Owned reports whether frame was returned by Alloc and not yet freed.
func Owned(frame []byte) bool {
	if cap(frame) == 0 {
		return false
	}
	mu.Lock()
	_, ok := allocated[addr(frame[:1])]
	mu.Unlock()
	return ok
}

func addr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
