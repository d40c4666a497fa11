// Package metadata provides fixed-size pools of reference-counted metadata
// containers that travel alongside ring buffer frames.
package metadata

import (
	"sync"

	"github.com/lanikai/framering/internal/logging"
	"go.uber.org/atomic"
)

var log = logging.DefaultLogger.WithTag("metadata")

/*
A Container holds one fixed-size metadata payload. Containers are checked out
of a Pool with a reference count of 1. Every frame slot that points at the
container holds one reference: passing metadata from one buffer to another
calls Hold(), and a slot releasing its frame calls Release(). When the count
reaches zero the payload is cleared and the container goes back to its pool.
*/
type Container struct {
	data  []byte
	refs  atomic.Int32
	pool  *Pool
	index int
}

// Bytes returns the payload. Its length is the pool's object size.
func (c *Container) Bytes() []byte {
	return c.data
}

func (c *Container) Size() int {
	return len(c.data)
}

func (c *Container) RefCount() int {
	return int(c.refs.Load())
}

func (c *Container) Pool() *Pool {
	return c.pool
}

// Hold adds a reference.
func (c *Container) Hold() {
	if c.refs.Inc() <= 1 {
		log.Panicf("metadata pool %s: Hold on container %d that is not checked out", c.pool.name, c.index)
	}
}

// Release drops a reference, returning the container to its pool on the last
// one.
func (c *Container) Release() {
	n := c.refs.Dec()
	switch {
	case n == 0:
		c.pool.put(c)
	case n < 0:
		log.Panicf("metadata pool %s: container %d released more times than held", c.pool.name, c.index)
	}
}

// A Pool owns a fixed set of containers, all allocated up front.
type Pool struct {
	name       string
	objectSize int

	mu         sync.Mutex
	containers []*Container
	free       []int
	inUse      []bool
}

// NewPool allocates count containers of objectSize bytes each.
func NewPool(name string, count, objectSize int) *Pool {
	if count <= 0 || objectSize <= 0 {
		log.Panicf("metadata pool %s: invalid geometry (%d objects of %d bytes)", name, count, objectSize)
	}

	p := &Pool{
		name:       name,
		objectSize: objectSize,
		containers: make([]*Container, count),
		free:       make([]int, count),
		inUse:      make([]bool, count),
	}
	// One backing array keeps the payloads contiguous.
	backing := make([]byte, count*objectSize)
	for i := range p.containers {
		p.containers[i] = &Container{
			data:  backing[i*objectSize : (i+1)*objectSize : (i+1)*objectSize],
			pool:  p,
			index: i,
		}
		// Hand out low indices first.
		p.free[i] = count - 1 - i
	}
	return p
}

// Request checks out a zeroed container with a reference count of 1. Running
// out of containers means the pool was sized too small for the pipeline and
// is fatal.
func (p *Pool) Request() *Container {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		log.Panicf("The metadata pool %s is out of metadata objects, try increasing num_objects in the config", p.name)
	}
	i := p.free[n-1]
	p.free = p.free[:n-1]

	c := p.containers[i]
	if c.refs.Load() != 0 {
		log.Panicf("metadata pool %s: free container %d has %d references", p.name, i, c.refs.Load())
	}
	c.refs.Store(1)
	p.inUse[i] = true
	return c
}

func (p *Pool) put(c *Container) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.pool != p || !p.inUse[c.index] {
		log.Panicf("metadata pool %s: returned container %d was not checked out", p.name, c.index)
	}
	clear(c.data)
	p.inUse[c.index] = false
	p.free = append(p.free, c.index)
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) ObjectSize() int {
	return p.objectSize
}

// Size returns the total number of containers.
func (p *Pool) Size() int {
	return len(p.containers)
}

// InUse returns the number of checked-out containers.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.containers) - len(p.free)
}
