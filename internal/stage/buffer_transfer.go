package stage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/lanikai/framering/internal/buffer"
	"github.com/lanikai/framering/internal/config"
	"github.com/lanikai/framering/internal/frameid"
)

func init() {
	Register("bufferTransfer", newBufferTransfer)
}

type bufferTransferOptions struct {
	input  `yaml:",inline"`
	output `yaml:",inline"`
}

// bufferTransfer moves frames from one buffer to another of the same frame
// size, swapping memory where no other consumer can notice and copying
// otherwise. Metadata is shared, not copied.
type bufferTransfer struct {
	base
	in, out *buffer.Buffer
}

func newBufferTransfer(name string, cfg config.StageConfig, env Env) (Stage, error) {
	var opts bufferTransferOptions
	if err := cfg.Decode(&opts); err != nil {
		return nil, err
	}
	in, err := getBuffer(env, "in_buf", opts.In)
	if err != nil {
		return nil, err
	}
	out, err := getBuffer(env, "out_buf", opts.Out)
	if err != nil {
		return nil, err
	}
	if in.FrameSize() != out.FrameSize() {
		return nil, errors.Wrapf(errFrameSize, "%s %d bytes, %s %d bytes",
			in.Name(), in.FrameSize(), out.Name(), out.FrameSize())
	}

	in.RegisterConsumer(name)
	out.RegisterProducer(name)
	return &bufferTransfer{base: base{name}, in: in, out: out}, nil
}

func (s *bufferTransfer) Run(ctx context.Context) error {
	inID := frameid.New(s.in.NumFrames())
	outID := frameid.New(s.out.NumFrames())

	for ctx.Err() == nil {
		if s.in.WaitForFullFrame(s.name, inID.Int()) == nil {
			break
		}
		if s.out.WaitForEmptyFrame(s.name, outID.Int()) == nil {
			break
		}

		buffer.SafeSwapFrame(s.in, inID.Int(), s.out, outID.Int())
		if s.in.MetadataContainer(inID.Int()) != nil {
			buffer.PassMetadata(s.in, inID.Int(), s.out, outID.Int())
		}

		s.in.MarkFrameEmpty(s.name, inID.Int())
		s.out.MarkFrameFull(s.name, outID.Int())
		inID.Next()
		outID.Next()
	}
	return nil
}
