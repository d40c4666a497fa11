package stage

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/lanikai/framering/internal/buffer"
	"github.com/lanikai/framering/internal/config"
	"github.com/lanikai/framering/internal/frameid"
	"github.com/lanikai/framering/internal/metadata"
)

func init() {
	Register("timeDownsample", newTimeDownsample)
}

type timeDownsampleOptions struct {
	input  `yaml:",inline"`
	output `yaml:",inline"`

	NumSamples int `yaml:"num_samples"`
}

// timeDownsample averages every num_samples consecutive input frames,
// element-wise as int32, into one output frame. The output carries the
// metadata of the first frame of each window.
type timeDownsample struct {
	base
	nsamp   int
	in, out *buffer.Buffer
	acc     []int64
}

func newTimeDownsample(name string, cfg config.StageConfig, env Env) (Stage, error) {
	opts := timeDownsampleOptions{NumSamples: 2}
	if err := cfg.Decode(&opts); err != nil {
		return nil, err
	}
	if opts.NumSamples <= 0 {
		return nil, errors.Wrapf(errUnknownOption, "num_samples %d", opts.NumSamples)
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
	if err := checkStreamPool("in_buf", in, false); err != nil {
		return nil, err
	}

	in.RegisterConsumer(name)
	out.RegisterProducer(name)
	return &timeDownsample{
		base:  base{name},
		nsamp: opts.NumSamples,
		in:    in,
		out:   out,
		acc:   make([]int64, in.FrameSize()/4),
	}, nil
}

// Windows start on an FPGA sequence number that is a multiple of the window
// length, so downsampled streams line up.
func (s *timeDownsample) aligned(id int) bool {
	c := s.in.MetadataContainer(id)
	if c == nil {
		return true
	}
	h := metadata.ReadStream(c.Bytes())
	if h.FPGASeqLength == 0 {
		return true
	}
	return h.FPGASeq%(uint64(s.nsamp)*h.FPGASeqLength) == 0
}

func (s *timeDownsample) Run(ctx context.Context) error {
	inID := frameid.New(s.in.NumFrames())
	outID := frameid.New(s.out.NumFrames())
	started := false
	n := 0

	for ctx.Err() == nil {
		frame := s.in.WaitForFullFrame(s.name, inID.Int())
		if frame == nil {
			break
		}

		if !started {
			if !s.aligned(inID.Int()) {
				s.in.MarkFrameEmpty(s.name, inID.Int())
				inID.Next()
				continue
			}
			started = true
		}

		if n == 0 {
			if s.out.WaitForEmptyFrame(s.name, outID.Int()) == nil {
				break
			}
			if s.in.MetadataContainer(inID.Int()) != nil {
				buffer.PassMetadata(s.in, inID.Int(), s.out, outID.Int())
			}
			for i := range s.acc {
				s.acc[i] = 0
			}
		}

		for i := range s.acc {
			s.acc[i] += int64(int32(binary.LittleEndian.Uint32(frame[4*i:])))
		}
		s.in.MarkFrameEmpty(s.name, inID.Int())
		inID.Next()

		if n++; n == s.nsamp {
			dst := s.out.Frame(outID.Int())
			for i, v := range s.acc {
				binary.LittleEndian.PutUint32(dst[4*i:], uint32(int32(v/int64(s.nsamp))))
			}
			s.out.MarkFrameFull(s.name, outID.Int())
			outID.Next()
			n = 0
		}
	}
	return nil
}
