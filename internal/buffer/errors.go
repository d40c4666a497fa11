package buffer

import "errors"

var (
	errNoName    = errors.New("buffer: name must not be empty")
	errNumFrames = errors.New("number of frames must be positive")
	errFrameSize = errors.New("frame size must be positive")
)
