//go:build linux
// +build linux

package scrub

import "golang.org/x/sys/unix"

// Pin the calling OS thread to a single CPU. The caller must have locked the
// goroutine to its thread.
func pin(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
