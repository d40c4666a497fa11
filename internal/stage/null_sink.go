package stage

import (
	"context"

	"go.uber.org/atomic"

	"github.com/lanikai/framering/internal/buffer"
	"github.com/lanikai/framering/internal/config"
	"github.com/lanikai/framering/internal/frameid"
)

func init() {
	Register("nullSink", newNullSink)
}

// nullSink releases every frame as soon as it is full.
type nullSink struct {
	base
	in    *buffer.Buffer
	count atomic.Int64
}

func newNullSink(name string, cfg config.StageConfig, env Env) (Stage, error) {
	var opts input
	if err := cfg.Decode(&opts); err != nil {
		return nil, err
	}
	in, err := getBuffer(env, "in_buf", opts.In)
	if err != nil {
		return nil, err
	}

	in.RegisterConsumer(name)
	return &nullSink{base: base{name}, in: in}, nil
}

// Count returns the number of frames released so far.
func (s *nullSink) Count() int64 {
	return s.count.Load()
}

func (s *nullSink) Run(ctx context.Context) error {
	id := frameid.New(s.in.NumFrames())

	for ctx.Err() == nil {
		if s.in.WaitForFullFrame(s.name, id.Int()) == nil {
			break
		}
		s.in.MarkFrameEmpty(s.name, id.Int())
		s.count.Inc()
		id.Next()
	}
	log.Debug("%s: released %d frames of %s", s.name, s.count.Load(), s.in.Name())
	return nil
}
