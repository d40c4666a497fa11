// Package framering runs a pipeline of stages connected by shared frame
// buffers. A Pipeline is built from a config.Config: it creates the metadata
// pools, the scrubber, every buffer and every stage, then runs each stage on
// its own goroutine until stopped.
package framering

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lanikai/framering/internal/buffer"
	"github.com/lanikai/framering/internal/config"
	"github.com/lanikai/framering/internal/logging"
	"github.com/lanikai/framering/internal/metadata"
	"github.com/lanikai/framering/internal/scrub"
	"github.com/lanikai/framering/internal/stage"
)

var log = logging.DefaultLogger.WithTag("pipeline")

type Pipeline struct {
	joinTimeout time.Duration

	pools    map[string]*metadata.Pool
	buffers  map[string]*buffer.Buffer
	scrubber *scrub.Scrubber
	stages   []stage.Stage

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	running map[string]bool
	idle    chan struct{} // closed once every stage has exited

	stopOnce sync.Once
	done     chan struct{}
}

// Must is a helper that wraps a call to a function returning
// (*Pipeline, error) and panics if the error is non-nil. It is intended for
// use in variable initializations such as
//
//	var p = framering.Must(framering.New(cfg))
func Must(p *Pipeline, err error) *Pipeline {
	if err != nil {
		panic(err)
	}
	return p
}

// New builds every pool, buffer and stage in cfg. Nothing runs until Start.
func New(cfg *config.Config) (*Pipeline, error) {
	p := &Pipeline{
		joinTimeout: time.Duration(cfg.JoinTimeout),
		pools:       make(map[string]*metadata.Pool),
		buffers:     make(map[string]*buffer.Buffer),
		scrubber:    scrub.New(scrub.Config{Workers: cfg.Scrub.Workers, CPU: cfg.Scrub.Core()}),
		running:     make(map[string]bool),
		done:        make(chan struct{}),
	}
	if p.joinTimeout <= 0 {
		p.joinTimeout = config.DefaultJoinTimeout
	}

	for _, name := range cfg.PoolNames() {
		pc := cfg.MetadataPools[name]
		p.pools[name] = metadata.NewPool(name, pc.NumObjects, int(pc.ObjectSize))
		log.Debug("Created metadata pool %s: %d objects of %v", name, pc.NumObjects, pc.ObjectSize)
	}

	for _, name := range cfg.BufferNames() {
		bc := cfg.Buffers[name]
		b, err := buffer.New(buffer.Config{
			Name:      name,
			Type:      bc.Type,
			NumFrames: bc.NumFrames,
			FrameSize: int(bc.FrameSize),
			NumaNode:  bc.Node(),
			Pool:      p.pools[bc.MetadataPool],
			Scrubber:  p.scrubber,
		})
		if err != nil {
			p.closeBuffers()
			return nil, errors.Wrap(err, "creating buffers")
		}
		b.ZeroFrames(bc.ZeroFrames)
		p.buffers[name] = b
	}

	for _, name := range cfg.StageNames() {
		s, err := stage.New(name, cfg.Stages[name], p)
		if err != nil {
			p.closeBuffers()
			return nil, err
		}
		p.stages = append(p.stages, s)
	}

	log.Info("Pipeline has %d metadata pools, %d buffers and %d stages",
		len(p.pools), len(p.buffers), len(p.stages))
	return p, nil
}

// Start launches the scrubber and one goroutine per stage. Cancelling ctx
// stops the pipeline like Stop does.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errAlreadyStarted
	}
	select {
	case <-p.done:
		return errStopped
	default:
	}
	p.started = true

	p.scrubber.Start()

	ctx, p.cancel = context.WithCancel(ctx)
	var gctx context.Context
	p.group, gctx = errgroup.WithContext(ctx)

	// Stages blocked in a buffer wait don't see ctx; wake them when it ends,
	// whether through Stop, the parent or a failing stage.
	p.idle = make(chan struct{})
	if len(p.stages) == 0 {
		close(p.idle)
	}
	idle := p.idle
	p.group.Go(func() error {
		select {
		case <-gctx.Done():
			p.Stop()
		case <-idle:
		}
		return nil
	})

	for _, s := range p.stages {
		s := s
		p.running[s.Name()] = true
		p.group.Go(func() error {
			defer p.exited(s.Name())
			log.Debug("Starting stage %s", s.Name())
			if err := s.Run(gctx); err != nil {
				log.Error("Stage %s failed: %v", s.Name(), err)
				return errors.Wrapf(err, "stage %s", s.Name())
			}
			log.Debug("Stage %s exited", s.Name())
			return nil
		})
	}
	return nil
}

func (p *Pipeline) exited(name string) {
	p.mu.Lock()
	delete(p.running, name)
	if len(p.running) == 0 {
		close(p.idle)
	}
	p.mu.Unlock()
}

// Stop cancels the stages and sends the shutdown signal to every buffer. It
// returns without waiting; use Join for that.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		log.Info("Stopping pipeline")

		p.mu.Lock()
		if p.cancel != nil {
			p.cancel()
		}
		p.mu.Unlock()

		for _, b := range p.Buffers() {
			b.SendShutdownSignal()
		}
		close(p.done)
	})
}

// RequestStop lets a stage stop the whole pipeline.
func (p *Pipeline) RequestStop() {
	p.Stop()
}

// Done is closed once the pipeline has been told to stop.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Join waits for every stage to exit, then drains the scrubber. A timeout of
// zero uses the configured join_timeout. Returns the first stage error, or an
// error naming the stages still running when the timeout expires.
func (p *Pipeline) Join(timeout time.Duration) error {
	p.mu.Lock()
	group := p.group
	p.mu.Unlock()
	if group == nil {
		p.scrubber.Stop()
		return nil
	}
	if timeout <= 0 {
		timeout = p.joinTimeout
	}

	result := make(chan error, 1)
	go func() { result <- group.Wait() }()

	select {
	case err := <-result:
		p.scrubber.Stop()
		return err
	case <-time.After(timeout):
		return errors.Wrapf(errJoinTimeout, "after %v: %s", timeout, strings.Join(p.Running(), ", "))
	}
}

// Running lists the stages that have not exited yet.
func (p *Pipeline) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var names []string
	for name := range p.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close frees all buffer memory. Call it only after Join has succeeded.
func (p *Pipeline) Close() error {
	return p.closeBuffers()
}

func (p *Pipeline) closeBuffers() error {
	var firstErr error
	for _, b := range p.Buffers() {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Buffer returns the named buffer, or nil.
func (p *Pipeline) Buffer(name string) *buffer.Buffer {
	return p.buffers[name]
}

// Buffers returns every buffer, sorted by name.
func (p *Pipeline) Buffers() []*buffer.Buffer {
	bufs := make([]*buffer.Buffer, 0, len(p.buffers))
	for _, b := range p.buffers {
		bufs = append(bufs, b)
	}
	sort.Slice(bufs, func(i, j int) bool { return bufs[i].Name() < bufs[j].Name() })
	return bufs
}

// Pools returns every metadata pool, sorted by name.
func (p *Pipeline) Pools() []*metadata.Pool {
	pools := make([]*metadata.Pool, 0, len(p.pools))
	for _, mp := range p.pools {
		pools = append(pools, mp)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name() < pools[j].Name() })
	return pools
}

func (p *Pipeline) Scrubber() *scrub.Scrubber {
	return p.scrubber
}

func (p *Pipeline) Stages() []stage.Stage {
	return p.stages
}

// PrintStatus logs the full status of every buffer.
func (p *Pipeline) PrintStatus() {
	for _, b := range p.Buffers() {
		b.PrintFullStatus()
	}
}
