package config

import "github.com/pkg/errors"

var (
	errNoBuffers   = errors.New("no buffers defined")
	errNoStageType = errors.New("stage type not set")
	errUnknownPool = errors.New("unknown metadata pool")
	errNotPositive = errors.New("must be greater than zero")
)
