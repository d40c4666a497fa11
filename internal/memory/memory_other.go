//go:build !linux
// +build !linux

package memory

import "errors"

var errNoNUMA = errors.New("NUMA binding not supported on this platform")

// Page alignment is only approximate here: the Go heap aligns large
// allocations, which is enough for tests and development hosts.
func mapPages(n int) ([]byte, error) {
	return make([]byte, n), nil
}

func unmapPages(b []byte) error {
	return nil
}

func lockPages(b []byte) error {
	return nil
}

func bindNode(b []byte, node int) error {
	return errNoNUMA
}
