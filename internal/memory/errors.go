package memory

import "errors"

var (
	errInvalidSize = errors.New("memory: frame size must be positive")
	ErrNotOwned    = errors.New("memory: frame was not allocated by this package")
)
