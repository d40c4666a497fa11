package stage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/lanikai/framering/internal/buffer"
	"github.com/lanikai/framering/internal/config"
	"github.com/lanikai/framering/internal/frameid"
	"github.com/lanikai/framering/internal/metadata"
)

func init() {
	Register("mergeRawBuffer", newMergeRawBuffer)
}

type mergeRawBufferOptions struct {
	input  `yaml:",inline"`
	output `yaml:",inline"`

	FramesPerMergedFrame int `yaml:"frames_per_merged_frame"`
}

// mergeRawBuffer packs consecutive input frames into larger output frames.
// Each sub-frame is the input's stream header followed by its data.
type mergeRawBuffer struct {
	base
	perMerged    int
	subFrameSize int
	in, out      *buffer.Buffer
}

func newMergeRawBuffer(name string, cfg config.StageConfig, env Env) (Stage, error) {
	var opts mergeRawBufferOptions
	if err := cfg.Decode(&opts); err != nil {
		return nil, err
	}
	if opts.FramesPerMergedFrame <= 0 {
		return nil, errors.Wrapf(errUnknownOption, "frames_per_merged_frame %d", opts.FramesPerMergedFrame)
	}
	in, err := getBuffer(env, "in_buf", opts.In)
	if err != nil {
		return nil, err
	}
	out, err := getBuffer(env, "out_buf", opts.Out)
	if err != nil {
		return nil, err
	}

	if err := checkStreamPool("in_buf", in, false); err != nil {
		return nil, err
	}

	sub := metadata.StreamSize + in.FrameSize()
	if need := sub * opts.FramesPerMergedFrame; out.FrameSize() < need {
		return nil, errors.Wrapf(errFrameSize, "%s holds %d bytes, merging %d frames of %s needs %d",
			out.Name(), out.FrameSize(), opts.FramesPerMergedFrame, in.Name(), need)
	}

	in.RegisterConsumer(name)
	out.RegisterProducer(name)
	return &mergeRawBuffer{
		base:         base{name},
		perMerged:    opts.FramesPerMergedFrame,
		subFrameSize: sub,
		in:           in,
		out:          out,
	}, nil
}

func (s *mergeRawBuffer) Run(ctx context.Context) error {
	inID := frameid.New(s.in.NumFrames())
	outID := frameid.New(s.out.NumFrames())

	for ctx.Err() == nil {
		inFrame := s.in.WaitForFullFrame(s.name, inID.Int())
		if inFrame == nil {
			break
		}
		outFrame := s.out.WaitForEmptyFrame(s.name, outID.Int())
		if outFrame == nil {
			break
		}

		// Input position counted across wraps of the input ring.
		sub := int(inID.Seq() % uint64(s.perMerged))
		meta := s.in.MetadataContainer(inID.Int())

		if sub == 0 && meta != nil && s.out.MetadataPool() != nil {
			s.out.AllocateMetadata(outID.Int())
			buffer.CopyMetadata(s.in, inID.Int(), s.out, outID.Int())
		}

		pos := sub * s.subFrameSize
		header := outFrame[pos : pos+metadata.StreamSize]
		if meta != nil {
			h := metadata.ReadStream(meta.Bytes())
			metadata.WriteStream(header, &h)
		} else {
			clear(header)
		}
		copy(outFrame[pos+metadata.StreamSize:pos+s.subFrameSize], inFrame[:s.in.FrameSize()])

		s.in.MarkFrameEmpty(s.name, inID.Int())
		inID.Next()

		if sub == s.perMerged-1 {
			s.out.MarkFrameFull(s.name, outID.Int())
			outID.Next()
		}
	}
	return nil
}
