// Package queue implements the bounded frame FIFO that backs the hardware
// transmit mailboxes. The same type serves as the small receive FIFO of the
// simulated and bridged peripherals.
//
// Every operation either completes immediately or reports failure; none
// waits for space or data. The critical section is a fixed-size copy, so
// calls are safe from interrupt context as well as task context.
package queue

import (
	"errors"
	"sync"

	"github.com/kstaniek/go-can-node/internal/can"
)

// DefaultDepth is the per-channel software transmit queue capacity.
const DefaultDepth = 64

// ErrRequeueOverflow signals a broken invariant: a frame popped for retry
// could not be put back although its slot was freed under the same lock.
var ErrRequeueOverflow = errors.New("queue: requeue overflow")

// RetryResult is the outcome of one Retry call.
type RetryResult uint8

const (
	Empty    RetryResult = iota // nothing was queued
	Sent                        // front frame accepted and removed
	Requeued                    // front frame rejected and put back at the front
)

func (r RetryResult) String() string {
	switch r {
	case Empty:
		return "empty"
	case Sent:
		return "sent"
	case Requeued:
		return "requeued"
	}
	return "unknown"
}

// Queue is a fixed-capacity ring of frames. The zero value is unusable; use New.
type Queue struct {
	mu   sync.Mutex
	buf  []can.Frame
	head int
	n    int
}

// New allocates a queue holding at most depth frames.
func New(depth int) *Queue {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Queue{buf: make([]can.Frame, depth)}
}

// Cap returns the fixed capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Len returns the number of queued frames.
func (q *Queue) Len() int { q.mu.Lock(); n := q.n; q.mu.Unlock(); return n }

// PushBack appends f. It returns false and leaves the queue unchanged when full.
func (q *Queue) PushBack(f can.Frame) bool {
	q.mu.Lock()
	ok := q.pushBack(f)
	q.mu.Unlock()
	return ok
}

// PushFront inserts f ahead of every queued frame.
func (q *Queue) PushFront(f can.Frame) bool {
	q.mu.Lock()
	ok := q.pushFront(f)
	q.mu.Unlock()
	return ok
}

// PopFront removes and returns the oldest frame.
func (q *Queue) PopFront() (can.Frame, bool) {
	q.mu.Lock()
	f, ok := q.popFront()
	q.mu.Unlock()
	return f, ok
}

// Retry pops the front frame and offers it to try. A rejected frame goes
// back to the front before the lock is released, so no other producer can
// observe the gap and the frame keeps its place ahead of later frames.
func (q *Queue) Retry(try func(can.Frame) bool) RetryResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, ok := q.popFront()
	if !ok {
		return Empty
	}
	if try(f) {
		return Sent
	}
	if !q.pushFront(f) {
		panic(ErrRequeueOverflow)
	}
	return Requeued
}

// Snapshot copies the queued frames in FIFO order.
func (q *Queue) Snapshot() []can.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]can.Frame, q.n)
	for i := range out {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}

func (q *Queue) pushBack(f can.Frame) bool {
	if q.n == len(q.buf) {
		return false
	}
	q.buf[(q.head+q.n)%len(q.buf)] = f
	q.n++
	return true
}

func (q *Queue) pushFront(f can.Frame) bool {
	if q.n == len(q.buf) {
		return false
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = f
	q.n++
	return true
}

func (q *Queue) popFront() (can.Frame, bool) {
	if q.n == 0 {
		return can.Frame{}, false
	}
	f := q.buf[q.head]
	q.buf[q.head] = can.Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return f, true
}
