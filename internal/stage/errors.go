package stage

import "errors"

var (
	errNoBuffer      = errors.New("buffer not found")
	errFrameSize     = errors.New("frame size mismatch")
	errUnknownOption = errors.New("invalid option")
	errMetadataSize  = errors.New("metadata objects too small for a stream header")
)
