package framering

import "errors"

var (
	errAlreadyStarted = errors.New("pipeline already started")
	errStopped        = errors.New("pipeline stopped")
	errJoinTimeout    = errors.New("stages did not exit")
)
