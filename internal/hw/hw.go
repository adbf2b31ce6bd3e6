// Package hw abstracts one physical CAN controller: one-time configuration
// (bit timing, acceptance filter, interrupt wiring) plus the two runtime
// primitives the driver relies on, an immediate transmit attempt and a
// single-frame receive.
package hw

import (
	"errors"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/irq"
)

// TxStatus is the outcome of a transmit attempt.
type TxStatus uint8

const (
	// Accepted: a hardware mailbox took the frame. Arbitration and
	// retransmission happen autonomously afterwards.
	Accepted TxStatus = iota
	// NoCapacity: every mailbox is busy.
	NoCapacity
)

func (s TxStatus) String() string {
	if s == Accepted {
		return "accepted"
	}
	return "no_capacity"
}

// Source is a maskable peripheral interrupt source.
type Source uint8

const (
	// SourceRxPending fires while the receive FIFO holds a frame (FMP0).
	SourceRxPending Source = iota
	// SourceTxEmpty fires when a transmit mailbox frees up (TME).
	SourceTxEmpty
)

func (s Source) String() string {
	if s == SourceRxPending {
		return "rx_pending"
	}
	return "tx_empty"
}

var (
	ErrNotConfigured     = errors.New("hw: peripheral not configured")
	ErrAlreadyConfigured = errors.New("hw: peripheral already configured")
	ErrNoVectors         = errors.New("hw: interrupt vectors missing")
	// ErrDeviceGone is returned by a Device whose link vanished for good.
	ErrDeviceGone = errors.New("hw: device gone")
)

// Peripheral is one CAN controller instance.
type Peripheral interface {
	// Configure programs timing, filter and interrupt wiring. One-time.
	Configure(Config) error
	// TryTransmit hands f to a free mailbox or reports NoCapacity. It never
	// blocks.
	TryTransmit(f can.Frame) TxStatus
	// ReceiveOne drains exactly one frame from the receive FIFO. Only the
	// receive interrupt handler calls it.
	ReceiveOne() (can.Frame, bool)
	// SetInterrupt enables or disables an interrupt source.
	SetInterrupt(src Source, on bool)
}

// Vectors are the interrupt lines a peripheral raises.
type Vectors struct {
	Ctrl *irq.Controller
	RX   irq.Line
	TX   irq.Line
}

func (v Vectors) raise(l irq.Line) {
	if v.Ctrl != nil {
		v.Ctrl.Raise(l)
	}
}

// Filter is a 32-bit identifier/mask acceptance filter bank assigned to
// FIFO 0. A frame passes when (id & Mask) == (ID & Mask).
type Filter struct {
	Bank int
	ID   uint32
	Mask uint32
}

// PassAll returns a filter on bank that accepts every identifier.
func PassAll(bank int) Filter { return Filter{Bank: bank} }

// Accepts reports whether id passes the filter.
func (f Filter) Accepts(id uint32) bool { return id&f.Mask == f.ID&f.Mask }

// FilterBank returns the first filter bank of a channel. The 28 banks are
// split between the two controllers at bank 14.
func FilterBank(ch can.ChannelID) int {
	if ch == can.CAN2 {
		return 14
	}
	return 0
}

// Config is passed to Configure.
type Config struct {
	Channel can.ChannelID
	ClockHz uint32
	Timing  Timing
	Filter  Filter
	Vectors Vectors
	// OnOverrun is called when an arriving frame finds the receive FIFO
	// full. Optional; runs in the caller that delivered the frame.
	OnOverrun func()
}
