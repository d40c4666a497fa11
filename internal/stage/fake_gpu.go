package stage

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/framering/internal/buffer"
	"github.com/lanikai/framering/internal/config"
	"github.com/lanikai/framering/internal/frameid"
	"github.com/lanikai/framering/internal/metadata"
)

func init() {
	Register("fakeGpu", newFakeGpu)
}

// A pattern fills a frame of int32 samples. count is the number of frames
// emitted before this one.
type pattern func(data []byte, count int, value int32)

var patterns = map[string]pattern{
	"constant": func(data []byte, count int, value int32) {
		fillInt32(data, func(int) int32 { return value })
	},
	"ramp": func(data []byte, count int, value int32) {
		fillInt32(data, func(i int) int32 { return int32(i + count) })
	},
	"frame_id": func(data []byte, count int, value int32) {
		fillInt32(data, func(int) int32 { return int32(count) })
	},
}

func fillInt32(data []byte, f func(i int) int32) {
	for i := 0; i+4 <= len(data); i += 4 {
		binary.LittleEndian.PutUint32(data[i:], uint32(f(i/4)))
	}
}

type fakeGpuOptions struct {
	output `yaml:",inline"`

	Pattern  string        `yaml:"pattern"`
	Value    int32         `yaml:"value"`
	StreamID uint64        `yaml:"stream_id"`
	Cadence  time.Duration `yaml:"cadence"`

	// FPGA samples covered by each frame.
	SamplesPerFrame uint64 `yaml:"samples_per_data_set"`

	// Stop the pipeline after this many frames. Zero or negative runs
	// forever.
	NumFrames int `yaml:"num_frames"`
}

// fakeGpu simulates a GPU producing correlator frames: a test pattern plus a
// stream header per frame.
type fakeGpu struct {
	base
	opts fakeGpuOptions
	fill pattern
	out  *buffer.Buffer
	env  Env

	// Frames emitted so far.
	count int
}

func newFakeGpu(name string, cfg config.StageConfig, env Env) (Stage, error) {
	opts := fakeGpuOptions{Pattern: "constant", SamplesPerFrame: 1}
	if err := cfg.Decode(&opts); err != nil {
		return nil, err
	}
	fill, ok := patterns[opts.Pattern]
	if !ok {
		return nil, errors.Wrapf(errUnknownOption, "test pattern %q does not exist", opts.Pattern)
	}
	out, err := getBuffer(env, "out_buf", opts.Out)
	if err != nil {
		return nil, err
	}
	if err := checkStreamPool("out_buf", out, true); err != nil {
		return nil, err
	}

	out.RegisterProducer(name)
	return &fakeGpu{base: base{name}, opts: opts, fill: fill, out: out, env: env}, nil
}

func (s *fakeGpu) Run(ctx context.Context) error {
	id := frameid.New(s.out.NumFrames())
	var fpgaSeq uint64
	start := time.Now()

	var tick <-chan time.Time
	if s.opts.Cadence > 0 {
		ticker := time.NewTicker(s.opts.Cadence)
		defer ticker.Stop()
		tick = ticker.C
	}

	for ctx.Err() == nil {
		frame := s.out.WaitForEmptyFrame(s.name, id.Int())
		if frame == nil {
			break
		}
		log.Trace(6, "Simulating GPU buffer in %s[%d]", s.out.Name(), id.Int())

		s.out.AllocateMetadata(id.Int())
		ts := start.Add(time.Duration(s.count) * s.opts.Cadence)
		metadata.WriteStream(s.out.Metadata(id.Int()), &metadata.Stream{
			FPGASeq:         fpgaSeq,
			FPGASeqLength:   s.opts.SamplesPerFrame,
			StreamID:        s.opts.StreamID,
			FirstPacketRecv: ts,
			GPSTime:         ts,
		})
		s.fill(frame[:s.out.FrameSize()], s.count, s.opts.Value)

		s.out.MarkFrameFull(s.name, id.Int())
		id.Next()
		s.count++
		fpgaSeq += s.opts.SamplesPerFrame

		if s.opts.NumFrames > 0 && s.count >= s.opts.NumFrames {
			log.Info("%s: reached frame limit [%d frames], stopping the pipeline", s.name, s.opts.NumFrames)
			s.env.RequestStop()
			return nil
		}

		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
			}
		}
	}
	return nil
}
