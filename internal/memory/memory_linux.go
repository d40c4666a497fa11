//go:build linux
// +build linux

package memory

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// From <numaif.h>.
const mpolBind = 2

func mapPages(n int) ([]byte, error) {
	return unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmapPages(b []byte) error {
	return unix.Munmap(b)
}

func lockPages(b []byte) error {
	return unix.Mlock(b)
}

// Set an MPOL_BIND policy restricting the range to a single node.
func bindNode(b []byte, node int) error {
	const bitsPerWord = 64
	mask := make([]uint64, node/bitsPerWord+1)
	mask[node/bitsPerWord] |= 1 << (uint(node) % bitsPerWord)

	_, _, errno := unix.Syscall6(
		unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&b[0])),
		uintptr(len(b)),
		mpolBind,
		uintptr(unsafe.Pointer(&mask[0])),
		uintptr(len(mask)*bitsPerWord+1),
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
