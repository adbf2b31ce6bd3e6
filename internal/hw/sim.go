package hw

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/queue"
)

// bxCAN geometry.
const (
	SimMailboxes = 3
	SimRxDepth   = 3
)

// overhead bits of a standard data frame without stuffing.
const frameOverheadBits = 47

// Sim is an in-memory bxCAN controller. Mailboxes are served in request
// order (TXFP); the receive FIFO is RxDepth deep and counts overruns.
// Interrupt sources are level-triggered: RX is raised while the FIFO holds
// a frame, TX whenever a mailbox is empty.
type Sim struct {
	mu         sync.Mutex
	cfg        Config
	configured bool
	mailboxes  int
	tx         []can.Frame
	rx         *queue.Queue
	rxIE, txIE bool
	bus        *SimBus
	onTransmit func(can.Frame)
	kick       chan struct{}

	completed atomic.Uint64
	overruns  atomic.Uint64
	filtered  atomic.Uint64
}

// SimOption configures a Sim.
type SimOption func(*Sim)

// WithMailboxes overrides the number of transmit mailboxes.
func WithMailboxes(n int) SimOption {
	return func(s *Sim) {
		if n > 0 {
			s.mailboxes = n
		}
	}
}

// WithRxDepth overrides the receive FIFO depth.
func WithRxDepth(n int) SimOption {
	return func(s *Sim) {
		if n > 0 {
			s.rx = queue.New(n)
		}
	}
}

// WithOnTransmit observes every frame that completes on the bus.
func WithOnTransmit(fn func(can.Frame)) SimOption {
	return func(s *Sim) { s.onTransmit = fn }
}

// NewSim creates an unconfigured simulated controller.
func NewSim(opts ...SimOption) *Sim {
	s := &Sim{
		mailboxes: SimMailboxes,
		rx:        queue.New(SimRxDepth),
		kick:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sim) Configure(cfg Config) error {
	if cfg.Vectors.Ctrl == nil {
		return ErrNoVectors
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configured {
		return ErrAlreadyConfigured
	}
	s.cfg = cfg
	s.configured = true
	return nil
}

func (s *Sim) TryTransmit(f can.Frame) TxStatus {
	s.mu.Lock()
	if !s.configured || len(s.tx) >= s.mailboxes {
		s.mu.Unlock()
		return NoCapacity
	}
	s.tx = append(s.tx, f)
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return Accepted
}

func (s *Sim) ReceiveOne() (can.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.rx.PopFront()
	if ok && s.rxIE && s.rx.Len() > 0 {
		s.cfg.Vectors.raise(s.cfg.Vectors.RX)
	}
	return f, ok
}

func (s *Sim) SetInterrupt(src Source, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch src {
	case SourceRxPending:
		s.rxIE = on
		if on && s.rx.Len() > 0 {
			s.cfg.Vectors.raise(s.cfg.Vectors.RX)
		}
	case SourceTxEmpty:
		s.txIE = on
		if on && len(s.tx) < s.mailboxes {
			s.cfg.Vectors.raise(s.cfg.Vectors.TX)
		}
	}
}

// Interrupt reports whether src is enabled.
func (s *Sim) Interrupt(src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src == SourceRxPending {
		return s.rxIE
	}
	return s.txIE
}

// Complete finishes the oldest pending transmission, hands it to the bus
// and frees its mailbox.
func (s *Sim) Complete() (can.Frame, bool) {
	s.mu.Lock()
	if len(s.tx) == 0 {
		s.mu.Unlock()
		return can.Frame{}, false
	}
	f := s.tx[0]
	copy(s.tx, s.tx[1:])
	s.tx = s.tx[:len(s.tx)-1]
	if s.txIE {
		s.cfg.Vectors.raise(s.cfg.Vectors.TX)
	}
	bus, obs := s.bus, s.onTransmit
	s.mu.Unlock()

	s.completed.Add(1)
	if obs != nil {
		obs(f)
	}
	if bus != nil {
		bus.transmit(s, f)
	}
	return f, true
}

// Deliver puts an arriving frame through the acceptance filter into the
// receive FIFO. It returns false when the frame was filtered out or lost
// to an overrun.
func (s *Sim) Deliver(f can.Frame) bool {
	s.mu.Lock()
	if !s.configured {
		s.mu.Unlock()
		return false
	}
	if !s.cfg.Filter.Accepts(f.ID) {
		s.mu.Unlock()
		s.filtered.Add(1)
		return false
	}
	if !s.rx.PushBack(f) {
		onOverrun := s.cfg.OnOverrun
		s.mu.Unlock()
		s.overruns.Add(1)
		if onOverrun != nil {
			onOverrun()
		}
		return false
	}
	if s.rxIE {
		s.cfg.Vectors.raise(s.cfg.Vectors.RX)
	}
	s.mu.Unlock()
	return true
}

// Busy returns the number of occupied mailboxes.
func (s *Sim) Busy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tx)
}

// Pending returns the frames waiting in mailboxes, oldest first.
func (s *Sim) Pending() []can.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]can.Frame(nil), s.tx...)
}

// RxLen returns the receive FIFO fill level.
func (s *Sim) RxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rx.Len()
}

func (s *Sim) Completed() uint64 { return s.completed.Load() }
func (s *Sim) Overruns() uint64  { return s.overruns.Load() }
func (s *Sim) Filtered() uint64  { return s.filtered.Load() }

// FrameTime returns how long f occupies the bus at the configured rate.
func (s *Sim) FrameTime(f can.Frame) time.Duration {
	s.mu.Lock()
	rate := s.cfg.Timing.Bitrate(s.cfg.ClockHz)
	s.mu.Unlock()
	if rate == 0 {
		return time.Millisecond
	}
	bits := frameOverheadBits + 8*int64(f.Len)
	return time.Duration(bits * int64(time.Second) / int64(rate))
}

// Run completes pending transmissions paced at the achieved bit rate
// until ctx is done.
func (s *Sim) Run(ctx context.Context) error {
	for {
		pending := s.Pending()
		if len(pending) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.kick:
			}
			continue
		}
		t := time.NewTimer(s.FrameTime(pending[0]))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		s.Complete()
	}
}

// SimBus joins simulated controllers: a frame completed by one is
// delivered to every other attached controller and to the taps.
type SimBus struct {
	mu    sync.RWMutex
	nodes []*Sim
	taps  []func(can.Frame)
}

func NewSimBus() *SimBus { return &SimBus{} }

// Attach connects s to the bus.
func (b *SimBus) Attach(s *Sim) {
	s.mu.Lock()
	s.bus = b
	s.mu.Unlock()
	b.mu.Lock()
	b.nodes = append(b.nodes, s)
	b.mu.Unlock()
}

// Tap registers an observer for all bus traffic.
func (b *SimBus) Tap(fn func(can.Frame)) {
	b.mu.Lock()
	b.taps = append(b.taps, fn)
	b.mu.Unlock()
}

// Inject puts a frame from an external node on the bus.
func (b *SimBus) Inject(f can.Frame) { b.transmit(nil, f) }

func (b *SimBus) transmit(from *Sim, f can.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, n := range b.nodes {
		if n != from {
			n.Deliver(f)
		}
	}
	for _, t := range b.taps {
		t(f)
	}
}
