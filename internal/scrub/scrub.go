// Package scrub zeroes released frames off the critical path. A fixed number
// of worker goroutines drain a FIFO of jobs; submitting never blocks.
package scrub

import (
	"runtime"
	"sync"

	"github.com/lanikai/framering/internal/logging"
	"go.uber.org/atomic"
)

var log = logging.DefaultLogger.WithTag("scrub")

// Stride of the bulk clear. Frame sizes are rarely multiples of it, so the
// tail is cleared separately.
const bulkStride = 256

// A Job clears Size bytes of Frame, then calls Done. Done is where the owning
// buffer marks the slot empty again.
type Job struct {
	Frame []byte
	Size  int
	Done  func()
}

type Config struct {
	// Number of worker goroutines. Defaults to 1.
	Workers int

	// CPU core to pin workers to, or -1 to leave them unpinned.
	CPU int
}

type Scrubber struct {
	cfg Config

	mu      sync.Mutex
	cond    *sync.Cond // queue became non-empty, or stopping
	idle    *sync.Cond // pending dropped to zero
	queue   []Job
	started bool
	stopped bool

	pending atomic.Int64
	wg      sync.WaitGroup
}

func New(cfg Config) *Scrubber {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	s := &Scrubber{cfg: cfg}
	s.cond = sync.NewCond(&s.mu)
	s.idle = sync.NewCond(&s.mu)
	return s
}

var (
	defaultOnce     sync.Once
	defaultScrubber *Scrubber
)

// Default returns a shared, already started single-worker scrubber for
// buffers that enable zeroing without configuring one.
func Default() *Scrubber {
	defaultOnce.Do(func() {
		defaultScrubber = New(Config{Workers: 1, CPU: -1})
		defaultScrubber.Start()
	})
	return defaultScrubber
}

// Start launches the workers. Jobs submitted earlier are processed as soon
// as the workers come up.
func (s *Scrubber) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	log.Debug("Starting %d scrub workers (cpu %d)", s.cfg.Workers, s.cfg.CPU)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop lets the workers finish every queued job, then waits for them to
// exit.
func (s *Scrubber) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if !s.started {
		// Nobody would ever run what's queued.
		s.started = true
		s.wg.Add(1)
		go s.worker(0)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
}

// Submit queues a job and returns immediately.
func (s *Scrubber) Submit(job Job) {
	s.pending.Inc()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		log.Warn("Scrubber stopped, clearing frame on a temporary goroutine")
		go s.run(job)
		return
	}
	s.queue = append(s.queue, job)
	s.cond.Signal()
	s.mu.Unlock()
}

// Pending returns the number of jobs submitted but not yet finished.
func (s *Scrubber) Pending() int {
	return int(s.pending.Load())
}

// Wait blocks until every submitted job has finished.
func (s *Scrubber) Wait() {
	s.mu.Lock()
	for s.pending.Load() != 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

func (s *Scrubber) worker(n int) {
	defer s.wg.Done()

	if s.cfg.CPU >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := pin(s.cfg.CPU); err != nil {
			log.Warn("Failed to pin scrub worker %d to cpu %d: %v", n, s.cfg.CPU, err)
		}
	}

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue[0] = Job{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.run(job)
	}
}

func (s *Scrubber) run(job Job) {
	Clear(job.Frame, job.Size)
	if job.Done != nil {
		job.Done()
	}

	if s.pending.Dec() == 0 {
		s.mu.Lock()
		s.idle.Broadcast()
		s.mu.Unlock()
	}
}

// Clear zeroes the first size bytes of frame.
func Clear(frame []byte, size int) {
	bulk := size / bulkStride * bulkStride
	clear(frame[:bulk])
	tail := frame[bulk:size]
	for i := range tail {
		tail[i] = 0
	}
}
