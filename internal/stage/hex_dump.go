package stage

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"

	"github.com/lanikai/framering/internal/buffer"
	"github.com/lanikai/framering/internal/config"
	"github.com/lanikai/framering/internal/frameid"
)

func init() {
	Register("hexDump", newHexDump)
}

type hexDumpOptions struct {
	input `yaml:",inline"`

	Len    int `yaml:"len"`
	Offset int `yaml:"offset"`
}

// hexDump logs part of every frame in xxd style.
type hexDump struct {
	base
	len, offset int
	in          *buffer.Buffer
}

func newHexDump(name string, cfg config.StageConfig, env Env) (Stage, error) {
	opts := hexDumpOptions{Len: 128}
	if err := cfg.Decode(&opts); err != nil {
		return nil, err
	}
	in, err := getBuffer(env, "in_buf", opts.In)
	if err != nil {
		return nil, err
	}
	if opts.Len <= 0 || opts.Offset < 0 || opts.Offset+opts.Len > in.FrameSize() {
		return nil, errors.Wrapf(errUnknownOption, "len %d at offset %d does not fit in %s frames of %d bytes",
			opts.Len, opts.Offset, in.Name(), in.FrameSize())
	}

	in.RegisterConsumer(name)
	return &hexDump{base: base{name}, len: opts.Len, offset: opts.Offset, in: in}, nil
}

func (s *hexDump) Run(ctx context.Context) error {
	id := frameid.New(s.in.NumFrames())

	for ctx.Err() == nil {
		frame := s.in.WaitForFullFrame(s.name, id.Int())
		if frame == nil {
			break
		}

		log.Info("%s: %s[%d]", s.name, s.in.Name(), id.Int())
		dump := hex.Dump(frame[s.offset : s.offset+s.len])
		for _, line := range strings.Split(strings.TrimSuffix(dump, "\n"), "\n") {
			log.Info("%s", line)
		}

		s.in.MarkFrameEmpty(s.name, id.Int())
		id.Next()
	}
	return nil
}
