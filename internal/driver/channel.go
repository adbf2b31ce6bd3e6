package driver

import (
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/dispatch"
	"github.com/kstaniek/go-can-node/internal/hw"
	"github.com/kstaniek/go-can-node/internal/led"
	"github.com/kstaniek/go-can-node/internal/metrics"
	"github.com/kstaniek/go-can-node/internal/queue"
)

// TxState is the transmit retry state of a channel.
type TxState uint32

const (
	// Idle: nothing buffered, TX interrupt source disabled.
	Idle TxState = iota
	// Draining: frames buffered, TX interrupt source enabled.
	Draining
)

func (s TxState) String() string {
	if s == Draining {
		return "draining"
	}
	return "idle"
}

// Channel is one initialized controller.
type Channel struct {
	id     can.ChannelID
	p      hw.Peripheral
	timing hw.Timing
	q      *queue.Queue
	table  *dispatch.Table
	ind    led.Indicator
	m      *metrics.Channel

	// txMu stands in for masking the TX interrupt: the enqueue plus
	// source enable in send and the empty check plus source disable in
	// HandleTx never interleave, so no frame is left queued while Idle.
	txMu     sync.Mutex
	draining bool
	state    atomic.Uint32
}

func newChannel(id can.ChannelID, p hw.Peripheral, tm hw.Timing, depth, tableCap int, ind led.Indicator) *Channel {
	return &Channel{
		id:     id,
		p:      p,
		timing: tm,
		q:      queue.New(depth),
		table:  dispatch.NewTable(tableCap),
		ind:    ind,
		m:      metrics.ForChannel(id.String()),
	}
}

func (c *Channel) ID() can.ChannelID { return c.id }

// Timing returns the programmed bit timing.
func (c *Channel) Timing() hw.Timing { return c.timing }

// Send transmits f from task context.
func (c *Channel) Send(f can.Frame) error { return c.send(f) }

// SendFromISR transmits f from interrupt context.
func (c *Channel) SendFromISR(f can.Frame) error { return c.send(f) }

func (c *Channel) send(f can.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if c.p.TryTransmit(f) == hw.Accepted {
		c.m.IncTxDirect()
		return nil
	}
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if !c.q.PushBack(f) {
		c.m.IncTxDropped()
		return ErrTxOverflow
	}
	c.m.IncTxQueued()
	c.m.SetQueueDepth(c.q.Len())
	if !c.draining {
		c.setDraining(true)
	}
	return nil
}

// setDraining toggles the TX interrupt source. Caller holds txMu.
func (c *Channel) setDraining(on bool) {
	c.draining = on
	if on {
		c.state.Store(uint32(Draining))
	} else {
		c.state.Store(uint32(Idle))
	}
	c.m.SetDraining(on)
	c.p.SetInterrupt(hw.SourceTxEmpty, on)
}

// HandleTx is the transmit-mailbox-empty interrupt handler.
func (c *Channel) HandleTx() {
	c.ind.On()
	c.txMu.Lock()
	res := c.q.Retry(func(f can.Frame) bool { return c.p.TryTransmit(f) == hw.Accepted })
	switch res {
	case queue.Sent:
		c.m.IncTxRetry()
	case queue.Requeued:
		c.m.IncTxRequeued()
	}
	n := c.q.Len()
	if n == 0 && c.draining {
		c.setDraining(false)
	}
	c.m.SetQueueDepth(n)
	c.txMu.Unlock()
	c.ind.Off()
}

// HandleRx is the receive-FIFO-pending interrupt handler.
func (c *Channel) HandleRx() {
	c.ind.On()
	if f, ok := c.p.ReceiveOne(); ok {
		c.m.IncRx()
		c.m.AddDispatched(c.table.Dispatch(f))
	}
	c.ind.Off()
}

// State returns the retry state.
func (c *Channel) State() TxState { return TxState(c.state.Load()) }

// QueueLen returns the number of frames waiting for a mailbox.
func (c *Channel) QueueLen() int { return c.q.Len() }

// QueueSnapshot returns the queued frames, front first.
func (c *Channel) QueueSnapshot() []can.Frame { return c.q.Snapshot() }

// Handlers returns the number of registered receivers.
func (c *Channel) Handlers() int { return c.table.Len() }
