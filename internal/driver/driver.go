// Package driver is the CAN bus driver. It owns, per channel, a hardware
// peripheral, a bounded software transmit queue backing the mailboxes and a
// receive dispatch table, and it provides the two interrupt handlers that
// move frames between them.
//
// Transmit: Send tries a mailbox first; when none is free the frame is
// queued and the transmit-mailbox-empty interrupt is enabled (Idle to
// Draining). Each TX interrupt retries the front frame, putting it back at
// the front if the hardware is still busy, and disables itself once the
// queue is empty (Draining to Idle). Queued frames leave in FIFO order, but
// a frame that finds a free mailbox directly may overtake them.
//
// Receive: each RX interrupt drains one frame and hands it to every
// registered receiver whose mask matches, in registration order.
package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/dispatch"
	"github.com/kstaniek/go-can-node/internal/hw"
	"github.com/kstaniek/go-can-node/internal/irq"
	"github.com/kstaniek/go-can-node/internal/led"
	"github.com/kstaniek/go-can-node/internal/logging"
	"github.com/kstaniek/go-can-node/internal/queue"
)

// DefaultClockHz is the APB1 peripheral clock of the reference board.
const DefaultClockHz = 42_000_000

// NVIC preemption priority of both CAN vectors.
const vectorPriority = 4

var (
	ErrTxOverflow         = errors.New("driver: transmit queue full")
	ErrUnknownChannel     = errors.New("driver: channel not initialized")
	ErrAlreadyInitialized = errors.New("driver: channel already initialized")
	ErrStarted            = errors.New("driver: already started")
	ErrNilPeripheral      = errors.New("driver: nil peripheral")
)

// Driver holds every initialized channel.
type Driver struct {
	mu       sync.Mutex
	ctrl     *irq.Controller
	ind      led.Indicator
	log      *slog.Logger
	clockHz  uint32
	seg      hw.Segments
	depth    int
	tableCap int
	started  atomic.Bool
	channels [can.NumChannels]atomic.Pointer[Channel]
}

// Option configures a Driver.
type Option func(*Driver)

// WithInterrupts sets the interrupt controller the vectors register with.
func WithInterrupts(c *irq.Controller) Option {
	return func(d *Driver) {
		if c != nil {
			d.ctrl = c
		}
	}
}

// WithIndicator sets the activity LED toggled by the interrupt handlers.
func WithIndicator(i led.Indicator) Option {
	return func(d *Driver) {
		if i != nil {
			d.ind = i
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// WithClock sets the peripheral clock used for bit timing.
func WithClock(hz uint32) Option {
	return func(d *Driver) {
		if hz > 0 {
			d.clockHz = hz
		}
	}
}

// WithSegments overrides the time quantum allocation.
func WithSegments(s hw.Segments) Option { return func(d *Driver) { d.seg = s } }

// WithQueueDepth sets the software transmit queue capacity.
func WithQueueDepth(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.depth = n
		}
	}
}

// WithTableCapacity sets the number of receive handlers per channel.
func WithTableCapacity(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.tableCap = n
		}
	}
}

// New creates a driver with no channels.
func New(opts ...Option) *Driver {
	d := &Driver{
		ctrl:     irq.New(),
		ind:      led.Nop{},
		log:      logging.L(),
		clockHz:  DefaultClockHz,
		seg:      hw.DefaultSegments,
		depth:    queue.DefaultDepth,
		tableCap: dispatch.DefaultCapacity,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Interrupts returns the controller the channel vectors are registered on.
func (d *Driver) Interrupts() *irq.Controller { return d.ctrl }

// Init programs p for bitrate and brings channel id up. It must complete
// before any other call for the same channel.
func (d *Driver) Init(id can.ChannelID, bitrate uint32, p hw.Peripheral) (*Channel, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %d", can.ErrUnknownChannel, id)
	}
	if p == nil {
		return nil, ErrNilPeripheral
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started.Load() {
		return nil, ErrStarted
	}
	if d.channels[id].Load() != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, id)
	}
	tm, err := hw.DeriveTiming(d.clockHz, bitrate, d.seg)
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", id, err)
	}
	c := newChannel(id, p, tm, d.depth, d.tableCap, d.ind)
	rx := d.ctrl.Register(id.String()+"_rx0", vectorPriority, c.HandleRx)
	tx := d.ctrl.Register(id.String()+"_tx", vectorPriority, c.HandleTx)
	cfg := hw.Config{
		Channel:   id,
		ClockHz:   d.clockHz,
		Timing:    tm,
		Filter:    hw.PassAll(hw.FilterBank(id)),
		Vectors:   hw.Vectors{Ctrl: d.ctrl, RX: rx, TX: tx},
		OnOverrun: c.m.IncOverrun,
	}
	if err := p.Configure(cfg); err != nil {
		return nil, fmt.Errorf("init %s: %w", id, err)
	}
	d.ctrl.Enable(rx)
	d.ctrl.Enable(tx)
	d.channels[id].Store(c)
	d.log.Info("can_init",
		"channel", id.String(),
		"bitrate", bitrate,
		"achieved", tm.Bitrate(d.clockHz),
		"timing", tm.String(),
		"btr", fmt.Sprintf("0x%08X", tm.BTR()),
		"filter_bank", cfg.Filter.Bank,
	)
	return c, nil
}

// Channel returns an initialized channel.
func (d *Driver) Channel(id can.ChannelID) (*Channel, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %d", can.ErrUnknownChannel, id)
	}
	c := d.channels[id].Load()
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	return c, nil
}

// Channels returns the initialized channels in identifier order.
func (d *Driver) Channels() []*Channel {
	out := make([]*Channel, 0, can.NumChannels)
	for i := range d.channels {
		if c := d.channels[i].Load(); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// RegisterHandler adds a receiver on channel id. Registration is only
// accepted before Start.
func (d *Driver) RegisterHandler(id can.ChannelID, mask, idAfterMask uint32, r dispatch.Receiver) error {
	c, err := d.Channel(id)
	if err != nil {
		return err
	}
	if err := c.table.Register(mask, idAfterMask, r); err != nil {
		return fmt.Errorf("register %s mask=0x%03X id=0x%03X: %w", id, mask, idAfterMask, err)
	}
	return nil
}

// Start seals every dispatch table and enables reception. Traffic begins.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started.Swap(true) {
		return ErrStarted
	}
	for _, c := range d.Channels() {
		c.table.Seal()
		c.p.SetInterrupt(hw.SourceRxPending, true)
		d.log.Info("can_start", "channel", c.id.String(), "handlers", c.table.Len())
	}
	return nil
}

// Started reports whether Start ran.
func (d *Driver) Started() bool { return d.started.Load() }

// Send transmits f on channel id from task context. It returns
// ErrTxOverflow when the frame had to be queued and the queue was full.
func (d *Driver) Send(id can.ChannelID, f can.Frame) error {
	c, err := d.Channel(id)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// SendFromISR is Send for callers running in interrupt context, such as a
// receiver answering a request. It never waits.
func (d *Driver) SendFromISR(id can.ChannelID, f can.Frame) error {
	c, err := d.Channel(id)
	if err != nil {
		return err
	}
	return c.SendFromISR(f)
}
