// Package dispatch routes received frames to the handlers registered for
// them. A Table is filled during bring-up, sealed when bus traffic starts,
// and read without locking afterwards.
package dispatch

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/kstaniek/go-can-node/internal/can"
)

// DefaultCapacity is the number of handler entries per channel.
const DefaultCapacity = 32

var (
	ErrTableFull   = errors.New("dispatch: handler table full")
	ErrSealed      = errors.New("dispatch: registration after traffic started")
	ErrNilReceiver = errors.New("dispatch: nil receiver")
)

// Receiver consumes frames delivered by the table.
//
// ReceiveFrame runs in interrupt context: it must return quickly and must
// never block. Hand longer work to a goroutine through a non-blocking
// channel send. A slow receiver delays every other handler and the next
// frame on the bus, and can overrun the receive FIFO.
type Receiver interface {
	ReceiveFrame(can.Frame)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(can.Frame)

// ReceiveFrame implements Receiver.
func (f ReceiverFunc) ReceiveFrame(fr can.Frame) { f(fr) }

// Entry matches frames whose identifier satisfies ID & Mask == IDAfterMask.
type Entry struct {
	Mask        uint32
	IDAfterMask uint32
	Receiver    Receiver
}

// Matches reports whether the entry selects id.
func (e *Entry) Matches(id uint32) bool { return id&e.Mask == e.IDAfterMask }

// Table is the per-channel ordered list of entries.
type Table struct {
	entries []Entry
	sealed  atomic.Bool
}

// NewTable allocates a table with fixed capacity.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{entries: make([]Entry, 0, capacity)}
}

// Register appends an entry. Registration order is dispatch order.
// Not safe for concurrent use; call during single-threaded bring-up.
func (t *Table) Register(mask, idAfterMask uint32, r Receiver) error {
	if r == nil {
		return ErrNilReceiver
	}
	if t.sealed.Load() {
		return ErrSealed
	}
	if len(t.entries) == cap(t.entries) {
		return fmt.Errorf("%w (capacity %d)", ErrTableFull, cap(t.entries))
	}
	t.entries = append(t.entries, Entry{Mask: mask, IDAfterMask: idAfterMask, Receiver: r})
	return nil
}

// Seal freezes the table. Later Register calls fail with ErrSealed.
func (t *Table) Seal() { t.sealed.Store(true) }

// Sealed reports whether traffic has started.
func (t *Table) Sealed() bool { return t.sealed.Load() }

// Len returns the number of registered entries.
func (t *Table) Len() int { return len(t.entries) }

// Cap returns the fixed capacity.
func (t *Table) Cap() int { return cap(t.entries) }

// Dispatch invokes, in registration order, every receiver whose entry
// matches f and returns how many ran. Panics from receivers propagate.
func (t *Table) Dispatch(f can.Frame) int {
	n := 0
	for i := range t.entries {
		e := &t.entries[i]
		if e.Matches(f.ID) {
			e.Receiver.ReceiveFrame(f)
			n++
		}
	}
	return n
}
