// Package stage holds the pipeline stages: goroutines that produce into and
// consume from ring buffers. Stage types register a Factory under their
// config type name; the pipeline builds one stage per config entry.
package stage

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/lanikai/framering/internal/buffer"
	"github.com/lanikai/framering/internal/config"
	"github.com/lanikai/framering/internal/logging"
	"github.com/lanikai/framering/internal/metadata"
)

var log = logging.DefaultLogger.WithTag("stage")

type Stage interface {
	// Name is the stage's unique name, also used as its producer/consumer
	// name on every buffer it touches.
	Name() string

	// Run processes frames until ctx is cancelled or a buffer is shut
	// down.
	Run(ctx context.Context) error
}

// Env is what a stage sees of the pipeline that owns it.
type Env interface {
	// Buffer returns the named buffer, or nil.
	Buffer(name string) *buffer.Buffer

	// RequestStop asks the pipeline to shut down, e.g. once a producer has
	// emitted all the frames it was configured for.
	RequestStop()
}

// A Factory builds a stage and registers it on its buffers.
type Factory func(name string, cfg config.StageConfig, env Env) (Stage, error)

var registry = map[string]Factory{}

// Register a stage type. Config entries with this type are built by f.
func Register(typ string, f Factory) {
	if _, dup := registry[typ]; dup {
		log.Panicf("Stage type '%s' registered twice", typ)
	}
	registry[typ] = f
}

func Lookup(typ string) (Factory, bool) {
	f, ok := registry[typ]
	return f, ok
}

// Types lists the registered stage types.
func Types() []string {
	var types []string
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// New builds the stage described by cfg.
func New(name string, cfg config.StageConfig, env Env) (Stage, error) {
	f, ok := Lookup(cfg.Type)
	if !ok {
		log.Debug("Registered stage types: %v", Types())
		return nil, errors.Errorf("Stage type '%s' not registered", cfg.Type)
	}
	s, err := f(name, cfg, env)
	if err != nil {
		return nil, errors.Wrapf(err, "stage %s (%s)", name, cfg.Type)
	}
	return s, nil
}

// Look up the buffer named by a stage option such as in_buf.
func getBuffer(env Env, key, name string) (*buffer.Buffer, error) {
	if name == "" {
		return nil, errors.Wrapf(errNoBuffer, "%s not set", key)
	}
	b := env.Buffer(name)
	if b == nil {
		return nil, errors.Wrapf(errNoBuffer, "%s: %s", key, name)
	}
	return b, nil
}

// Stages that read or write stream headers need b's metadata objects to hold
// one. A buffer without a pool passes unless required is set.
func checkStreamPool(key string, b *buffer.Buffer, required bool) error {
	pool := b.MetadataPool()
	switch {
	case pool == nil && required:
		return errors.Errorf("%s %s has no metadata pool", key, b.Name())
	case pool == nil:
		return nil
	case pool.ObjectSize() < metadata.StreamSize:
		return errors.Wrapf(errMetadataSize, "%s %s: pool %s holds %d bytes, need %d",
			key, b.Name(), pool.Name(), pool.ObjectSize(), metadata.StreamSize)
	}
	return nil
}

// Embedded by every stage.
type base struct {
	name string
}

func (b *base) Name() string {
	return b.name
}

// Consumes frames from an input buffer.
type input struct {
	In string `yaml:"in_buf"`
}

// Produces frames into an output buffer.
type output struct {
	Out string `yaml:"out_buf"`
}
