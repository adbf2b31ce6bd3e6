// Package irq models the interrupt controller of the node on a hosted
// target. Peripherals raise lines from any goroutine; a single dispatcher
// runs the handlers one at a time, most urgent first, so two interrupt
// handlers never execute concurrently.
package irq

import (
	"context"
	"sync"
	"sync/atomic"
)

// Line identifies one registered interrupt vector.
type Line int

// Handler is an interrupt service routine. It must not block.
type Handler func()

type vector struct {
	name     string
	priority int
	handler  Handler
	enabled  bool
	pending  bool
}

// Controller owns the vector table.
type Controller struct {
	mu      sync.Mutex
	vectors []vector
	kick    chan struct{}
	exec    sync.Mutex
	served  atomic.Uint64
}

// New creates an empty controller.
func New() *Controller {
	return &Controller{kick: make(chan struct{}, 1)}
}

// Register adds a vector. Lower priority values preempt higher ones (NVIC
// convention). The line starts disabled.
func (c *Controller) Register(name string, priority int, h Handler) Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vectors = append(c.vectors, vector{name: name, priority: priority, handler: h})
	return Line(len(c.vectors) - 1)
}

// Enable unmasks a line; a latched request is serviced right away.
func (c *Controller) Enable(l Line) {
	c.mu.Lock()
	v := c.vector(l)
	if v == nil {
		c.mu.Unlock()
		return
	}
	v.enabled = true
	wake := v.pending
	c.mu.Unlock()
	if wake {
		c.wake()
	}
}

// Disable masks a line. Requests raised while masked stay latched.
func (c *Controller) Disable(l Line) {
	c.mu.Lock()
	if v := c.vector(l); v != nil {
		v.enabled = false
	}
	c.mu.Unlock()
}

// Raise latches a request. It never blocks and never runs the handler inline.
func (c *Controller) Raise(l Line) {
	c.mu.Lock()
	v := c.vector(l)
	if v == nil {
		c.mu.Unlock()
		return
	}
	v.pending = true
	wake := v.enabled
	c.mu.Unlock()
	if wake {
		c.wake()
	}
}

// Pending reports whether a request is latched on l.
func (c *Controller) Pending(l Line) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.vector(l)
	return v != nil && v.pending
}

// Name returns the name given at registration.
func (c *Controller) Name(l Line) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v := c.vector(l); v != nil {
		return v.name
	}
	return ""
}

// Served returns how many handler invocations ran so far.
func (c *Controller) Served() uint64 { return c.served.Load() }

// ServicePending runs every enabled pending handler in the calling
// goroutine until none is left, and returns how many ran.
func (c *Controller) ServicePending() int {
	c.exec.Lock()
	defer c.exec.Unlock()
	n := 0
	for {
		h := c.next()
		if h == nil {
			return n
		}
		h()
		c.served.Add(1)
		n++
	}
}

// Run services requests until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.kick:
			c.ServicePending()
		}
	}
}

// next clears and returns the most urgent enabled pending handler.
func (c *Controller) next() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	best := -1
	for i := range c.vectors {
		v := &c.vectors[i]
		if !v.enabled || !v.pending || v.handler == nil {
			continue
		}
		if best < 0 || v.priority < c.vectors[best].priority {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	c.vectors[best].pending = false
	return c.vectors[best].handler
}

func (c *Controller) vector(l Line) *vector {
	if l < 0 || int(l) >= len(c.vectors) {
		return nil
	}
	return &c.vectors[l]
}

func (c *Controller) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}
