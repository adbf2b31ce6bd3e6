package hw

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/logging"
	"github.com/kstaniek/go-can-node/internal/metrics"
	"github.com/kstaniek/go-can-node/internal/queue"
	"github.com/kstaniek/go-can-node/internal/transport"
)

// Device is a blocking frame link such as a SocketCAN socket or a UART
// bridge. ReadFrame blocks until a frame arrives; returning ErrDeviceGone
// stops the reader for good.
type Device interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

const (
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Bridge turns a Device into a Peripheral. A fixed number of in-flight
// writes play the role of mailboxes; a reader goroutine feeds the receive
// FIFO.
type Bridge struct {
	ctx    context.Context
	cancel context.CancelFunc
	dev    Device
	name   string
	log    *slog.Logger
	slots  int32
	rxCap  int
	rdErr  string
	wrErr  string

	inflight atomic.Int32
	tx       *transport.AsyncTx[can.Frame]
	wg       sync.WaitGroup

	mu         sync.Mutex
	cfg        Config
	configured bool
	rx         *queue.Queue
	rxIE, txIE bool

	overruns atomic.Uint64
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithSlots sets how many writes may be in flight at once.
func WithSlots(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.slots = int32(n)
		}
	}
}

// WithBridgeRxDepth sets the receive FIFO depth.
func WithBridgeRxDepth(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.rxCap = n
		}
	}
}

// WithBridgeLogger sets the logger.
func WithBridgeLogger(l *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// WithErrorLabels sets the metrics.IncError labels for read and write
// failures.
func WithErrorLabels(read, write string) BridgeOption {
	return func(b *Bridge) { b.rdErr, b.wrErr = read, write }
}

// NewBridge wraps dev. Nothing runs until Configure.
func NewBridge(ctx context.Context, name string, dev Device, opts ...BridgeOption) *Bridge {
	cctx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		ctx:    cctx,
		cancel: cancel,
		dev:    dev,
		name:   name,
		log:    logging.L(),
		slots:  SimMailboxes,
		rxCap:  64,
		rdErr:  metrics.ErrDeviceRead,
		wrErr:  metrics.ErrDeviceWrite,
	}
	for _, o := range opts {
		o(b)
	}
	b.rx = queue.New(b.rxCap)
	return b
}

// Configure starts the writer and the reader. The device does not take a
// bit timing; cfg.Timing is kept for reporting only.
func (b *Bridge) Configure(cfg Config) error {
	if cfg.Vectors.Ctrl == nil {
		return ErrNoVectors
	}
	b.mu.Lock()
	if b.configured {
		b.mu.Unlock()
		return ErrAlreadyConfigured
	}
	b.cfg = cfg
	b.configured = true
	b.mu.Unlock()

	b.tx = transport.NewAsyncTx(b.ctx, int(b.slots), b.dev.WriteFrame, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(b.wrErr)
			b.log.Debug("bridge_write_error", "dev", b.name, "error", err)
		},
		OnAfter: b.release,
	})
	b.wg.Add(1)
	go b.readLoop()
	b.log.Info("bridge_start", "dev", b.name, "slots", b.slots, "channel", cfg.Channel.String())
	return nil
}

func (b *Bridge) TryTransmit(f can.Frame) TxStatus {
	if b.tx == nil {
		return NoCapacity
	}
	for {
		n := b.inflight.Load()
		if n >= b.slots {
			return NoCapacity
		}
		if b.inflight.CompareAndSwap(n, n+1) {
			break
		}
	}
	if err := b.tx.Send(f); err != nil {
		b.release()
		return NoCapacity
	}
	return Accepted
}

// release frees a slot after a write finished.
func (b *Bridge) release() {
	b.inflight.Add(-1)
	b.mu.Lock()
	if b.txIE {
		b.cfg.Vectors.raise(b.cfg.Vectors.TX)
	}
	b.mu.Unlock()
}

func (b *Bridge) ReceiveOne() (can.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.rx.PopFront()
	if ok && b.rxIE && b.rx.Len() > 0 {
		b.cfg.Vectors.raise(b.cfg.Vectors.RX)
	}
	return f, ok
}

func (b *Bridge) SetInterrupt(src Source, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch src {
	case SourceRxPending:
		b.rxIE = on
		if on && b.rx.Len() > 0 {
			b.cfg.Vectors.raise(b.cfg.Vectors.RX)
		}
	case SourceTxEmpty:
		b.txIE = on
		if on && b.inflight.Load() < b.slots {
			b.cfg.Vectors.raise(b.cfg.Vectors.TX)
		}
	}
}

// InFlight returns the number of occupied slots.
func (b *Bridge) InFlight() int { return int(b.inflight.Load()) }

// Overruns returns how many frames were lost to a full receive FIFO.
func (b *Bridge) Overruns() uint64 { return b.overruns.Load() }

func (b *Bridge) deliver(f can.Frame) {
	b.mu.Lock()
	if !b.cfg.Filter.Accepts(f.ID) {
		b.mu.Unlock()
		return
	}
	if !b.rx.PushBack(f) {
		onOverrun := b.cfg.OnOverrun
		b.mu.Unlock()
		b.overruns.Add(1)
		if onOverrun != nil {
			onOverrun()
		}
		return
	}
	if b.rxIE {
		b.cfg.Vectors.raise(b.cfg.Vectors.RX)
	}
	b.mu.Unlock()
}

func (b *Bridge) readLoop() {
	defer b.wg.Done()
	defer b.log.Info("bridge_rx_end", "dev", b.name)
	backoff := rxBackoffMin
	for {
		if b.ctx.Err() != nil {
			return
		}
		var fr can.Frame
		if err := b.dev.ReadFrame(&fr); err != nil {
			if b.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrDeviceGone) {
				b.log.Error("bridge_device_gone", "dev", b.name, "error", err)
				return
			}
			metrics.IncError(b.rdErr)
			b.log.Warn("bridge_read_error", "dev", b.name, "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		backoff = rxBackoffMin
		if fr.Validate() != nil {
			metrics.IncMalformed()
			continue
		}
		b.deliver(fr)
	}
}

// Close stops the reader and the writer and closes the device.
func (b *Bridge) Close() error {
	b.cancel()
	err := b.dev.Close()
	if b.tx != nil {
		b.tx.Close()
	}
	b.wg.Wait()
	return err
}
