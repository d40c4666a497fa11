//go:build !linux
// +build !linux

package scrub

import "errors"

func pin(cpu int) error {
	return errors.New("cpu affinity not supported on this platform")
}
